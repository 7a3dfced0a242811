package gateway

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	"github.com/caio-sobreiro/dicomgw/interfaces"
	"github.com/caio-sobreiro/dicomgw/services"
	"github.com/caio-sobreiro/dicomgw/types"
)

// findHandler answers C-FIND at the four query levels: local catalogue
// first, central-API fallback with de-anonymization when local storage has
// no answer.
type findHandler struct {
	s *Service
}

// HandleDIMSE satisfies the registry's single-response path; C-FIND is
// always served through the streaming path.
func (h *findHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return services.NewCFindErrorResponse(msg, dimse.StatusFailure), nil, nil
}

func (h *findHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	query, err := parseQuery(data, msg.TransferSyntaxUID)
	if err != nil {
		h.s.logger.Warn("Malformed C-FIND identifier", zap.Error(err))
		return responder.SendResponse(services.NewCFindErrorResponse(msg, dimse.StatusFailure), nil)
	}

	var records []*dicom.Dataset
	switch query.Level {
	case types.QueryLevelPatient:
		records = h.findPatients(ctx, query)
	case types.QueryLevelStudy:
		records = h.findStudies(ctx, query)
	case types.QueryLevelSeries:
		if query.StudyInstanceUID == "" {
			h.s.logger.Warn("SERIES-level C-FIND without StudyInstanceUID")
			return responder.SendResponse(services.NewCFindErrorResponse(msg, dimse.StatusFailure), nil)
		}
		records = h.findSeries(ctx, query)
	case types.QueryLevelImage:
		if query.StudyInstanceUID == "" {
			h.s.logger.Warn("IMAGE-level C-FIND without StudyInstanceUID")
			return responder.SendResponse(services.NewCFindErrorResponse(msg, dimse.StatusFailure), nil)
		}
		records = h.findImages(ctx, query)
	default:
		h.s.logger.Warn("Unsupported query level", zap.String("level", string(query.Level)))
		return responder.SendResponse(services.NewCFindErrorResponse(msg, dimse.StatusFailure), nil)
	}

	h.s.logger.Info("C-FIND matched",
		zap.String("level", string(query.Level)),
		zap.Int("records", len(records)),
		zap.String("caller", responder.CallingAETitle()))

	for _, record := range records {
		record.AddElement(tagQueryLevel, dicom.VR_CS, string(query.Level))
		encoded, err := dicom.EncodeDatasetWithTransferSyntax(record, msg.TransferSyntaxUID)
		if err != nil {
			h.s.logger.Warn("Failed to encode C-FIND record", zap.Error(err))
			continue
		}
		if err := responder.SendResponse(services.NewCFindPendingResponse(msg), encoded); err != nil {
			return err
		}
	}

	return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil)
}

// parseQuery extracts the identifier of a C-FIND/C-GET/C-MOVE request.
func parseQuery(data []byte, transferSyntaxUID string) (*types.QueryRequest, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil, err
	}

	return &types.QueryRequest{
		Level:             types.QueryLevel(strings.ToUpper(ds.GetString(tagQueryLevel))),
		PatientName:       ds.GetString(tagPatientName),
		PatientID:         ds.GetString(tagPatientID),
		StudyInstanceUID:  ds.GetString(tagStudyUID),
		SeriesInstanceUID: ds.GetString(tagSeriesUID),
		SOPInstanceUID:    ds.GetString(tagSOPInstanceUID),
	}, nil
}

// requestedSOPInstanceUIDs returns the SOP Instance UIDs of an IMAGE-level
// identifier, supporting multi-value parameters.
func requestedSOPInstanceUIDs(data []byte, transferSyntaxUID string) []string {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil
	}
	var uids []string
	for _, uid := range ds.GetStrings(tagSOPInstanceUID) {
		if uid != "" {
			uids = append(uids, uid)
		}
	}
	return uids
}

func (h *findHandler) findPatients(ctx context.Context, query *types.QueryRequest) []*dicom.Dataset {
	patients, err := h.s.store.Patients()
	if err != nil {
		h.s.logger.Warn("Local patient query failed", zap.Error(err))
	}

	if len(patients) == 0 && h.s.api != nil {
		if catalogue, err := h.s.api.AllDicomMetadata(ctx); err != nil {
			h.s.logger.Warn("API patient fallback failed", zap.Error(err))
		} else {
			patients = catalogue.Patients()
		}
	}

	var records []*dicom.Dataset
	for _, p := range patients {
		if query.PatientID != "" && p.ID != query.PatientID {
			continue
		}
		ds := dicom.NewDataset()
		ds.AddElement(tagPatientName, dicom.VR_PN, h.s.deanonymizeName(p.Name))
		ds.AddElement(tagPatientID, dicom.VR_LO, p.ID)
		if p.BirthDate != "" {
			ds.AddElement(tagPatientBirthDate, dicom.VR_DA, p.BirthDate)
		}
		if p.Sex != "" {
			ds.AddElement(tagPatientSex, dicom.VR_CS, p.Sex)
		}
		records = append(records, ds)
	}
	return records
}

func (h *findHandler) findStudies(ctx context.Context, query *types.QueryRequest) []*dicom.Dataset {
	studies, err := h.s.store.Studies()
	if err != nil {
		h.s.logger.Warn("Local study query failed", zap.Error(err))
	}

	if len(studies) == 0 && h.s.api != nil {
		if catalogue, err := h.s.api.AllDicomMetadata(ctx); err != nil {
			h.s.logger.Warn("API study fallback failed", zap.Error(err))
		} else {
			studies = catalogue.Studies()
		}
	}

	var records []*dicom.Dataset
	for _, study := range studies {
		if query.StudyInstanceUID != "" && study.InstanceUID != query.StudyInstanceUID {
			continue
		}
		if query.PatientID != "" && study.PatientID != query.PatientID {
			continue
		}
		ds := dicom.NewDataset()
		ds.AddElement(tagStudyUID, dicom.VR_UI, study.InstanceUID)
		addIfSet(ds, tagStudyID, dicom.VR_SH, study.ID)
		addIfSet(ds, tagStudyDate, dicom.VR_DA, study.Date)
		addIfSet(ds, tagStudyTime, dicom.VR_TM, study.Time)
		addIfSet(ds, tagStudyDescription, dicom.VR_LO, study.Description)
		addIfSet(ds, tagAccessionNumber, dicom.VR_SH, study.AccessionNum)
		addIfSet(ds, tagPatientName, dicom.VR_PN, h.s.deanonymizeName(study.PatientName))
		addIfSet(ds, tagPatientID, dicom.VR_LO, study.PatientID)
		ds.AddElement(tagNumStudySeries, dicom.VR_IS, strconv.Itoa(study.NumberOfSeries))
		ds.AddElement(tagNumStudyImages, dicom.VR_IS, strconv.Itoa(study.NumberOfImages))
		records = append(records, ds)
	}
	return records
}

func (h *findHandler) findSeries(ctx context.Context, query *types.QueryRequest) []*dicom.Dataset {
	series, err := h.s.store.SeriesForStudy(query.StudyInstanceUID)
	if err != nil {
		h.s.logger.Warn("Local series query failed", zap.Error(err))
	}

	if len(series) == 0 && h.s.api != nil {
		if catalogue, err := h.s.api.AllDicomMetadata(ctx); err != nil {
			h.s.logger.Warn("API series fallback failed", zap.Error(err))
		} else {
			series = catalogue.SeriesForStudy(query.StudyInstanceUID)
		}
	}

	var records []*dicom.Dataset
	for _, rec := range series {
		if query.SeriesInstanceUID != "" && rec.InstanceUID != query.SeriesInstanceUID {
			continue
		}
		ds := dicom.NewDataset()
		ds.AddElement(tagStudyUID, dicom.VR_UI, query.StudyInstanceUID)
		ds.AddElement(tagSeriesUID, dicom.VR_UI, rec.InstanceUID)
		addIfSet(ds, tagModality, dicom.VR_CS, rec.Modality)
		addIfSet(ds, tagSeriesNumber, dicom.VR_IS, rec.Number)
		addIfSet(ds, tagSeriesDesc, dicom.VR_LO, rec.Description)
		addIfSet(ds, tagStudyDate, dicom.VR_DA, rec.Date)
		addIfSet(ds, tagStudyTime, dicom.VR_TM, rec.Time)
		ds.AddElement(tagNumSeriesImages, dicom.VR_IS, strconv.Itoa(rec.NumberOfImages))
		records = append(records, ds)
	}
	return records
}

func (h *findHandler) findImages(ctx context.Context, query *types.QueryRequest) []*dicom.Dataset {
	var images []types.Image

	if query.SeriesInstanceUID != "" {
		images, _ = h.s.store.ImagesForSeries(query.StudyInstanceUID, query.SeriesInstanceUID)
	} else {
		// No series constraint: search across all series of the study
		series, _ := h.s.store.SeriesForStudy(query.StudyInstanceUID)
		for _, rec := range series {
			forSeries, _ := h.s.store.ImagesForSeries(query.StudyInstanceUID, rec.InstanceUID)
			images = append(images, forSeries...)
		}
	}

	if len(images) == 0 && h.s.api != nil {
		if catalogue, err := h.s.api.AllDicomMetadata(ctx); err != nil {
			h.s.logger.Warn("API image fallback failed", zap.Error(err))
		} else {
			images = catalogue.ImagesForSeries(query.StudyInstanceUID, query.SeriesInstanceUID)
		}
	}

	var records []*dicom.Dataset
	for _, img := range images {
		if query.SOPInstanceUID != "" && img.SOPInstanceUID != query.SOPInstanceUID {
			continue
		}
		ds := dicom.NewDataset()
		ds.AddElement(tagStudyUID, dicom.VR_UI, query.StudyInstanceUID)
		if query.SeriesInstanceUID != "" {
			ds.AddElement(tagSeriesUID, dicom.VR_UI, query.SeriesInstanceUID)
		}
		ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, img.SOPInstanceUID)
		addIfSet(ds, tagSOPClassUID, dicom.VR_UI, img.SOPClassUID)
		addIfSet(ds, tagInstanceNumber, dicom.VR_IS, img.InstanceNumber)
		records = append(records, ds)
	}
	return records
}

func addIfSet(ds *dicom.Dataset, tag dicom.Tag, vr, value string) {
	if value != "" {
		ds.AddElement(tag, vr, value)
	}
}
