// Package gateway implements the DICOM service provider of the imaging
// gateway: C-STORE with on-the-fly anonymization, C-FIND/C-GET/C-MOVE with
// central-API fallback and de-anonymization, and the study-complete upload
// pipeline.
package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/centralapi"
	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	"github.com/caio-sobreiro/dicomgw/identity"
	"github.com/caio-sobreiro/dicomgw/interfaces"
	"github.com/caio-sobreiro/dicomgw/monitor"
	"github.com/caio-sobreiro/dicomgw/services"
	"github.com/caio-sobreiro/dicomgw/storage"
	"github.com/caio-sobreiro/dicomgw/types"
)

// APIClient is the slice of the central API the query handlers need.
type APIClient interface {
	AllDicomMetadata(ctx context.Context) (*centralapi.Catalogue, error)
	ResultIDForStudy(ctx context.Context, studyUID string) (int, error)
	DownloadStudy(ctx context.Context, resultID int, studyUID string) ([][]byte, error)
	DownloadSeries(ctx context.Context, resultID int, seriesUID string) ([][]byte, error)
}

// Common dataset tags used across the handlers.
var (
	tagSOPClassUID      = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID   = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagQueryLevel       = dicom.Tag{Group: 0x0008, Element: 0x0052}
	tagStudyDate        = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime        = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagAccessionNumber  = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagModality         = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagStudyDescription = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesDesc       = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagPatientName      = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID        = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate = dicom.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex       = dicom.Tag{Group: 0x0010, Element: 0x0040}
	tagStudyUID         = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesUID        = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagStudyID          = dicom.Tag{Group: 0x0020, Element: 0x0010}
	tagSeriesNumber     = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagInstanceNumber   = dicom.Tag{Group: 0x0020, Element: 0x0013}
	tagNumStudySeries   = dicom.Tag{Group: 0x0020, Element: 0x1206}
	tagNumStudyImages   = dicom.Tag{Group: 0x0020, Element: 0x1208}
	tagNumSeriesImages  = dicom.Tag{Group: 0x0020, Element: 0x1209}
)

// Service routes inbound DIMSE messages to the gateway handlers. Handler
// failures are translated to DICOM failure statuses; the association is
// never torn down by a handler error.
type Service struct {
	registry *services.Registry
	identity *identity.Store
	store    *storage.Store
	monitor  *monitor.StudyMonitor
	api      APIClient
	aeTable  *AETable
	aeTitle  string
	logger   *zap.Logger
}

// New wires the gateway handlers onto a service registry. api may be nil,
// in which case query fallback and downloads are disabled.
func New(ids *identity.Store, store *storage.Store, mon *monitor.StudyMonitor, api APIClient, aeTable *AETable, aeTitle string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if aeTable == nil {
		aeTable = &AETable{AEs: map[string]AEAddress{}, Default: defaultAEAddress}
	}

	s := &Service{
		registry: services.NewRegistry(logger),
		identity: ids,
		store:    store,
		monitor:  mon,
		api:      api,
		aeTable:  aeTable,
		aeTitle:  aeTitle,
		logger:   logger,
	}

	s.registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService(logger))
	s.registry.RegisterHandler(dimse.CStoreRQ, &storeHandler{s})
	s.registry.RegisterHandler(dimse.CFindRQ, &findHandler{s})
	s.registry.RegisterHandler(dimse.CGetRQ, &getHandler{s})
	s.registry.RegisterHandler(dimse.CMoveRQ, &moveHandler{s})

	return s
}

// HandleDIMSE implements interfaces.ServiceHandler.
func (s *Service) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return s.registry.HandleDIMSE(ctx, msg, data)
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler. An
// unsupported command or a handler failure produces a 0xC000 response and
// leaves the association open.
func (s *Service) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	if msg.CommandField == dimse.CCancelRQ {
		s.logger.Info("C-CANCEL received",
			zap.Uint16("message_id", msg.MessageIDBeingRespondedTo))
		return nil
	}

	if !s.registry.HasHandler(msg.CommandField) {
		s.logger.Warn("Unsupported DIMSE command",
			zap.String("command", types.CommandName(msg.CommandField)),
			zap.String("command_field", fmt.Sprintf("0x%04x", msg.CommandField)))
		return responder.SendResponse(services.CreateErrorResponse(msg, dimse.StatusFailure), nil)
	}

	if err := s.registry.HandleDIMSEStreaming(ctx, msg, data, responder); err != nil {
		s.logger.Error("DIMSE handler failed",
			zap.String("command", types.CommandName(msg.CommandField)),
			zap.Error(err))
		return responder.SendResponse(services.CreateErrorResponse(msg, dimse.StatusFailure), nil)
	}
	return nil
}

// deanonymizeName maps an anonymization tag back to the original patient
// name, returning the input unchanged when no mapping exists.
func (s *Service) deanonymizeName(name string) string {
	if s.identity == nil {
		return name
	}
	if original, ok := s.identity.OriginalNameFor(name); ok {
		return original
	}
	return name
}
