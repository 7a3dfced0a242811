package dimse

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/interfaces"
	"github.com/caio-sobreiro/dicomgw/pdu"
	"github.com/caio-sobreiro/dicomgw/types"
)

// Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// Status codes
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusWarning = 0xB000
	StatusFailure = 0xC000
	// StatusMoveRefused is 0xA701, "Refused: Out of Resources - Unable to
	// calculate number of matches", the refusal answered when a retrieve
	// matches nothing.
	StatusMoveRefused        = 0xA701
	StatusOutOfResources     = 0xA700
	StatusSOPClassNotSupport = 0x0122
)

// PDULayer interface for sending responses
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
	AcceptedContextForSOPClass(sopClassUID string) (*pdu.PresentationContext, error)
	CallingAETitle() string
}

// Service manages DIMSE operations and message routing. One Service instance
// serves one association; fragment state is per connection.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *zap.Logger
}

// responseHandler implements ResponseSender for streaming responses
type responseHandler struct {
	service       *Service
	presContextID byte
	pduLayer      PDULayer
	subOpMsgID    uint16
}

// SendResponse implements ResponseSender interface
func (r *responseHandler) SendResponse(msg *types.Message, data []byte) error {
	return r.service.sendDIMSEResponse(msg, data, r.presContextID, r.pduLayer)
}

// CallingAETitle reports the AE title of the association's initiator.
func (r *responseHandler) CallingAETitle() string {
	return r.pduLayer.CallingAETitle()
}

// SendCStore issues a C-STORE sub-operation over the same association,
// reusing a storage presentation context negotiated with role selection.
// Used by C-GET handlers to deliver matched instances.
func (r *responseHandler) SendCStore(sopClassUID, sopInstanceUID string, ds *dicom.Dataset) error {
	storeCtx, err := r.pduLayer.AcceptedContextForSOPClass(sopClassUID)
	if err != nil {
		return err
	}

	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, storeCtx.TransferSyntax)
	if err != nil {
		return fmt.Errorf("failed to encode C-STORE sub-operation dataset: %w", err)
	}

	r.subOpMsgID++
	command := &types.Message{
		CommandField:           CStoreRQ,
		MessageID:              r.subOpMsgID,
		Priority:               0x0000,
		CommandDataSetType:     0x0000,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
	}

	commandData, err := EncodeCommand(command)
	if err != nil {
		return fmt.Errorf("failed to encode C-STORE sub-operation: %w", err)
	}

	return r.pduLayer.SendDIMSEResponseWithDataset(storeCtx.ID, commandData, data)
}

// NewService creates a new DIMSE service with a handler
func NewService(handler interfaces.ServiceHandler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// HandleDIMSEMessage accumulates DIMSE fragments and routes complete
// messages to the service handler.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	ctx := context.Background()

	d.logger.Debug("Processing DIMSE fragment",
		zap.Uint8("context_id", presContextID),
		zap.String("control_header", fmt.Sprintf("0x%02x", msgCtrlHeader)))

	// Message control header:
	// 0x01 = command, more fragments
	// 0x03 = command, last fragment
	// 0x00 = dataset, more fragments
	// 0x02 = dataset, last fragment
	isCommand := (msgCtrlHeader & 0x01) != 0
	isLastFragment := (msgCtrlHeader & 0x02) != 0

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if isLastFragment {
			msg, err := DecodeCommand(d.commandData)
			if err != nil {
				return fmt.Errorf("failed to parse DIMSE command: %v", err)
			}
			d.currentMsg = msg

			// No dataset follows, process immediately
			if msg.CommandDataSetType == 0x0101 {
				return d.processCompleteMessage(ctx, presContextID, pduLayer)
			}
		}
	} else {
		d.datasetData = append(d.datasetData, data...)
		if isLastFragment {
			return d.processCompleteMessage(ctx, presContextID, pduLayer)
		}
	}

	return nil
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer PDULayer) error {
	if d.currentMsg == nil {
		return fmt.Errorf("no current message to process")
	}

	if ts, err := pduLayer.GetTransferSyntax(presContextID); err == nil {
		d.currentMsg.TransferSyntaxUID = ts
	}

	d.logger.Info("Processing complete DIMSE message",
		zap.String("command_field", fmt.Sprintf("0x%04x", d.currentMsg.CommandField)),
		zap.Uint16("message_id", d.currentMsg.MessageID),
		zap.Int("dataset_size", len(d.datasetData)))

	msg, dataset := d.currentMsg, d.datasetData
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil

	// Streaming handlers get a responder so multi-response operations
	// (C-FIND, C-GET, C-MOVE) can emit Pending responses as they go.
	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		responder := &responseHandler{
			service:       d,
			presContextID: presContextID,
			pduLayer:      pduLayer,
		}
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, dataset, responder)
	}

	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, msg, dataset)
	if err != nil {
		return fmt.Errorf("service handler failed: %v", err)
	}

	return d.sendDIMSEResponse(responseMsg, responseData, presContextID, pduLayer)
}

// sendDIMSEResponse sends a DIMSE response
func (d *Service) sendDIMSEResponse(msg *types.Message, data []byte, presContextID byte, pduLayer PDULayer) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode DIMSE response: %v", err)
	}
	if len(data) == 0 {
		return pduLayer.SendDIMSEResponse(presContextID, commandData)
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, data)
}
