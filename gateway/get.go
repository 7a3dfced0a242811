package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dimse"
	dicomerr "github.com/caio-sobreiro/dicomgw/errors"
	"github.com/caio-sobreiro/dicomgw/interfaces"
	"github.com/caio-sobreiro/dicomgw/services"
	"github.com/caio-sobreiro/dicomgw/types"
)

// getHandler serves C-GET: matched instances travel back as C-STORE
// sub-operations over the same association.
type getHandler struct {
	s *Service
}

// HandleDIMSE satisfies the registry's single-response path; C-GET needs
// the streaming responder for its sub-operations.
func (h *getHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return services.NewCGetErrorResponse(msg, dimse.StatusFailure), nil, nil
}

func (h *getHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	sender, ok := responder.(interfaces.CGetResponder)
	if !ok {
		h.s.logger.Error("C-GET responder cannot issue sub-operations")
		return responder.SendResponse(services.NewCGetErrorResponse(msg, dimse.StatusFailure), nil)
	}

	query, err := parseQuery(data, msg.TransferSyntaxUID)
	if err != nil {
		h.s.logger.Warn("Malformed C-GET identifier", zap.Error(err))
		return responder.SendResponse(services.NewCGetErrorResponse(msg, dimse.StatusFailure), nil)
	}

	switch query.Level {
	case types.QueryLevelStudy, types.QueryLevelSeries, types.QueryLevelImage:
	default:
		h.s.logger.Warn("Unsupported C-GET query level", zap.String("level", string(query.Level)))
		return responder.SendResponse(services.NewCGetErrorResponse(msg, dimse.StatusFailure), nil)
	}

	datasets, err := h.s.resolveDatasets(ctx, query, requestedSOPInstanceUIDs(data, msg.TransferSyntaxUID))
	if err != nil {
		h.s.logger.Warn("C-GET resolution failed",
			zap.String("study_uid", query.StudyInstanceUID),
			zap.Error(err))
		return responder.SendResponse(services.NewCGetErrorResponse(msg, dimse.StatusFailure), nil)
	}

	h.s.logger.Info("C-GET matched",
		zap.String("study_uid", query.StudyInstanceUID),
		zap.Int("instances", len(datasets)),
		zap.String("caller", responder.CallingAETitle()))

	var completed, failed uint16
	for i, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", dicomerr.ErrOperationCanceled, err)
		}

		remaining := uint16(len(datasets) - i)
		if err := responder.SendResponse(services.NewCGetPendingResponse(msg, completed, failed, 0, remaining), nil); err != nil {
			return err
		}

		sopClassUID := ds.GetString(tagSOPClassUID)
		sopInstanceUID := ds.GetString(tagSOPInstanceUID)
		if err := sender.SendCStore(sopClassUID, sopInstanceUID, ds); err != nil {
			h.s.logger.Warn("C-GET sub-operation failed",
				zap.String("sop_uid", sopInstanceUID),
				zap.Error(err))
			failed++
			continue
		}
		completed++
	}

	return responder.SendResponse(services.NewCGetFinalResponse(msg, completed, failed, 0), nil)
}
