package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/client"
	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	dicomerr "github.com/caio-sobreiro/dicomgw/errors"
	"github.com/caio-sobreiro/dicomgw/interfaces"
	"github.com/caio-sobreiro/dicomgw/services"
	"github.com/caio-sobreiro/dicomgw/types"
)

// moveHandler serves C-MOVE: matched instances are pushed to the
// destination AE over a new association. Matching happens before any
// outbound connection, so an empty match never dials the destination.
type moveHandler struct {
	s *Service
}

// HandleDIMSE satisfies the registry's single-response path; C-MOVE is
// always served through the streaming path.
func (h *moveHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return services.NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, nil
}

func (h *moveHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	query, err := parseQuery(data, msg.TransferSyntaxUID)
	if err != nil {
		h.s.logger.Warn("Malformed C-MOVE identifier", zap.Error(err))
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, dimse.StatusFailure), nil)
	}

	switch query.Level {
	case types.QueryLevelStudy, types.QueryLevelSeries, types.QueryLevelImage:
	default:
		h.s.logger.Warn("Unsupported C-MOVE query level", zap.String("level", string(query.Level)))
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, dimse.StatusFailure), nil)
	}

	datasets, err := h.s.resolveDatasets(ctx, query, requestedSOPInstanceUIDs(data, msg.TransferSyntaxUID))
	if err != nil {
		h.s.logger.Warn("C-MOVE resolution failed",
			zap.String("study_uid", query.StudyInstanceUID),
			zap.Error(err))
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, dimse.StatusFailure), nil)
	}

	if len(datasets) == 0 {
		h.s.logger.Warn("C-MOVE matched nothing, refusing",
			zap.String("study_uid", query.StudyInstanceUID),
			zap.String("destination", msg.MoveDestination))
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, dimse.StatusMoveRefused), nil)
	}

	addr := h.s.aeTable.Lookup(msg.MoveDestination)
	h.s.logger.Info("C-MOVE dispatching",
		zap.String("study_uid", query.StudyInstanceUID),
		zap.String("destination", msg.MoveDestination),
		zap.String("address", addr.String()),
		zap.Int("instances", len(datasets)))

	assoc, err := client.Connect(addr.String(), client.Config{
		CallingAETitle: h.s.aeTitle,
		CalledAETitle:  msg.MoveDestination,
		Logger:         h.s.logger,
	})
	if err != nil {
		h.s.logger.Error("C-MOVE destination unreachable",
			zap.String("address", addr.String()),
			zap.Error(err))
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, dimse.StatusOutOfResources), nil)
	}
	defer assoc.Close()

	var completed, failed uint16
	for i, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", dicomerr.ErrOperationCanceled, err)
		}

		remaining := uint16(len(datasets) - i)
		if err := responder.SendResponse(services.NewCMovePendingResponse(msg, completed, failed, 0, remaining), nil); err != nil {
			return err
		}

		if err := h.sendInstance(assoc, ds, uint16(i+1)); err != nil {
			h.s.logger.Warn("C-MOVE sub-operation failed",
				zap.String("sop_uid", ds.GetString(tagSOPInstanceUID)),
				zap.Error(err))
			failed++
			continue
		}
		completed++
	}

	if failed > 0 {
		remaining := uint16(0)
		return responder.SendResponse(services.NewResponseBuilder(msg).CMoveResponse(
			dimse.StatusWarning, &completed, &failed, new(uint16), &remaining), nil)
	}
	return responder.SendResponse(services.NewCMoveSuccessResponse(msg, completed, failed, 0), nil)
}

// sendInstance encodes one dataset for the destination's negotiated
// transfer syntax and pushes it as a C-STORE.
func (h *moveHandler) sendInstance(assoc *client.Association, ds *dicom.Dataset, messageID uint16) error {
	sopClassUID := ds.GetString(tagSOPClassUID)
	sopInstanceUID := ds.GetString(tagSOPInstanceUID)

	contextID, err := assoc.GetPresentationContextID(sopClassUID)
	if err != nil {
		return err
	}
	transferSyntax, err := assoc.TransferSyntaxFor(contextID)
	if err != nil {
		return err
	}
	if types.IsCompressed(transferSyntax) {
		// The codec only transcodes uncompressed Little Endian syntaxes.
		return fmt.Errorf("%w: %s", dicomerr.ErrUnsupportedTransfer, transferSyntax)
	}

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntax)
	if err != nil {
		return err
	}

	resp, err := assoc.SendCStore(&client.CStoreRequest{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		Data:           encoded,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	if resp.Status != dimse.StatusSuccess {
		return fmt.Errorf("destination rejected instance with status 0x%04x", resp.Status)
	}
	return nil
}
