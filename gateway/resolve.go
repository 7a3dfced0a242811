package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/centralapi"
	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/types"
)

// resolveDatasets collects the instances matching a C-GET/C-MOVE identifier,
// de-anonymized and ready for sub-operations. Local storage wins; the
// central API is consulted only when nothing is on disk.
func (s *Service) resolveDatasets(ctx context.Context, query *types.QueryRequest, requestedSOPs []string) ([]*dicom.Dataset, error) {
	if query.StudyInstanceUID == "" {
		return nil, fmt.Errorf("retrieve request without StudyInstanceUID")
	}

	datasets, err := s.localDatasets(query)
	if err != nil {
		s.logger.Warn("Local retrieve failed",
			zap.String("study_uid", query.StudyInstanceUID),
			zap.Error(err))
	}

	if len(datasets) == 0 && s.api != nil {
		datasets, err = s.apiDatasets(ctx, query)
		if err != nil {
			return nil, err
		}
	}

	if query.Level == types.QueryLevelImage && len(requestedSOPs) > 0 {
		datasets = slices.DeleteFunc(datasets, func(ds *dicom.Dataset) bool {
			return !slices.Contains(requestedSOPs, ds.GetString(tagSOPInstanceUID))
		})
	}

	for _, ds := range datasets {
		s.restoreIdentity(ds)
	}
	return datasets, nil
}

func (s *Service) localDatasets(query *types.QueryRequest) ([]*dicom.Dataset, error) {
	var (
		files []string
		err   error
	)
	if query.SeriesInstanceUID != "" {
		files, err = s.store.FilesForSeries(query.StudyInstanceUID, query.SeriesInstanceUID)
	} else {
		files, err = s.store.FilesForStudy(query.StudyInstanceUID)
	}
	if err != nil {
		return nil, err
	}

	var datasets []*dicom.Dataset
	for _, path := range files {
		ds, err := s.readInstance(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable instance",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

func (s *Service) readInstance(path string) (*dicom.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payload, transferSyntax, err := dicom.StripPart10HeaderWithTransferSyntax(data)
	if err != nil {
		return nil, err
	}
	return dicom.ParseDatasetWithTransferSyntax(payload, transferSyntax)
}

// apiDatasets pulls the study or series from the central API as ZIP
// contents and parses each member. A study absent from the catalogue is an
// empty match, so retrieve handlers answer with their no-match status.
func (s *Service) apiDatasets(ctx context.Context, query *types.QueryRequest) ([]*dicom.Dataset, error) {
	resultID, err := s.api.ResultIDForStudy(ctx, query.StudyInstanceUID)
	if errors.Is(err, centralapi.ErrStudyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var members [][]byte
	if query.SeriesInstanceUID != "" {
		members, err = s.api.DownloadSeries(ctx, resultID, query.SeriesInstanceUID)
	} else {
		members, err = s.api.DownloadStudy(ctx, resultID, query.StudyInstanceUID)
	}
	if err != nil {
		return nil, err
	}

	var datasets []*dicom.Dataset
	for _, member := range members {
		payload, transferSyntax, err := dicom.StripPart10HeaderWithTransferSyntax(member)
		if err != nil {
			s.logger.Warn("Skipping malformed downloaded instance", zap.Error(err))
			continue
		}
		ds, err := dicom.ParseDatasetWithTransferSyntax(payload, transferSyntax)
		if err != nil {
			s.logger.Warn("Skipping unparseable downloaded instance", zap.Error(err))
			continue
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

// restoreIdentity puts the original patient attributes back before an
// instance leaves towards a requesting node.
func (s *Service) restoreIdentity(ds *dicom.Dataset) {
	if s.identity == nil {
		return
	}
	s.identity.Restore(ds)
}
