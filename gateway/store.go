package gateway

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	"github.com/caio-sobreiro/dicomgw/services"
	"github.com/caio-sobreiro/dicomgw/types"
)

// storeHandler persists inbound C-STORE instances: touch the study
// monitor, anonymize, fix the file meta and write the Part 10 file at the
// deterministic path. Failures are reported as DICOM statuses so the
// association stays open for further instances.
type storeHandler struct {
	s *Service
}

func (h *storeHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
	if err != nil {
		h.s.logger.Warn("Failed to parse C-STORE dataset", zap.Error(err))
		return services.NewCStoreResponse(msg, dimse.StatusFailure), nil, nil
	}

	studyUID := ds.GetString(tagStudyUID)
	seriesUID := ds.GetString(tagSeriesUID)
	sopUID := ds.GetString(tagSOPInstanceUID)
	if sopUID == "" {
		sopUID = msg.AffectedSOPInstanceUID
	}
	if studyUID == "" || seriesUID == "" || sopUID == "" {
		h.s.logger.Warn("C-STORE dataset missing identifying UIDs",
			zap.String("study_uid", studyUID),
			zap.String("series_uid", seriesUID),
			zap.String("sop_uid", sopUID))
		return services.NewCStoreResponse(msg, dimse.StatusFailure), nil, nil
	}

	if h.s.monitor != nil {
		h.s.monitor.Touch(studyUID)
	}

	if _, err := h.s.identity.Anonymize(ds); err != nil {
		h.s.logger.Error("Anonymization failed",
			zap.String("study_uid", studyUID),
			zap.Error(err))
		return services.NewCStoreResponse(msg, dimse.StatusOutOfResources), nil, nil
	}

	path, err := h.s.store.InstancePath(studyUID, seriesUID, sopUID, ds)
	if err != nil {
		h.s.logger.Error("Failed to derive instance path", zap.Error(err))
		return services.NewCStoreResponse(msg, dimse.StatusOutOfResources), nil, nil
	}

	// Preserve the wire transfer syntax so the file round-trips
	transferSyntax := msg.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ExplicitVRLittleEndian
	}

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntax)
	if err != nil {
		h.s.logger.Error("Failed to encode dataset", zap.Error(err))
		return services.NewCStoreResponse(msg, dimse.StatusOutOfResources), nil, nil
	}

	sopClassUID := ds.GetString(tagSOPClassUID)
	if sopClassUID == "" {
		sopClassUID = msg.AffectedSOPClassUID
	}

	file, err := dicom.BuildPart10File(dicom.FileMeta{
		MediaStorageSOPClassUID:    sopClassUID,
		MediaStorageSOPInstanceUID: sopUID,
		TransferSyntaxUID:          transferSyntax,
	}, encoded)
	if err != nil {
		h.s.logger.Error("Failed to build Part 10 file", zap.Error(err))
		return services.NewCStoreResponse(msg, dimse.StatusOutOfResources), nil, nil
	}

	if err := os.WriteFile(path, file, 0o644); err != nil {
		h.s.logger.Error("Failed to write instance",
			zap.String("path", path),
			zap.Error(err))
		return services.NewCStoreResponse(msg, dimse.StatusOutOfResources), nil, nil
	}

	h.s.logger.Info("Stored instance",
		zap.String("study_uid", studyUID),
		zap.String("series_uid", seriesUID),
		zap.String("sop_uid", sopUID),
		zap.String("path", path))

	return services.NewCStoreResponse(msg, dimse.StatusSuccess), nil, nil
}
