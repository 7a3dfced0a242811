package client

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	"github.com/caio-sobreiro/dicomgw/types"
)

// InstanceFunc receives one instance delivered by a C-GET sub-operation.
// Returning an error reports a failed sub-operation status back to the SCP
// but does not abort the retrieval.
type InstanceFunc func(sopClassUID, sopInstanceUID string, data []byte) error

// CGetRequest encapsulates the information required to perform a C-GET operation.
type CGetRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Dataset     *dicom.Dataset // Query identifying which instances to retrieve
	OnInstance  InstanceFunc
}

// CGetResponse represents a single C-GET response from the SCP.
type CGetResponse struct {
	Status                         uint16
	MessageID                      uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// SendCGet performs a DICOM C-GET operation to retrieve instances.
//
// The SCP delivers each matching instance as a C-STORE sub-operation on the
// same association; those are answered here and handed to req.OnInstance.
// The association must have been opened with SCP role selection for the
// storage SOP classes (see RoleSelection).
func (a *Association) SendCGet(req *CGetRequest) ([]*CGetResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-get request cannot be nil")
	}

	if req.Dataset == nil {
		return nil, fmt.Errorf("c-get request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelGet
	}

	messageID := req.MessageID
	if messageID == 0 {
		messageID = 1
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}

	transferSyntax, err := a.TransferSyntaxFor(presContextID)
	if err != nil {
		return nil, err
	}
	datasetBytes, err := dicom.EncodeDatasetWithTransferSyntax(req.Dataset, transferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-GET identifier: %w", err)
	}

	command := &types.Message{
		CommandField:        dimse.CGetRQ,
		MessageID:           messageID,
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
		CommandDataSetType:  0x0000, // Dataset present
	}

	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-GET command: %w", err)
	}

	if err := dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, commandData, datasetBytes); err != nil {
		return nil, fmt.Errorf("failed to send C-GET request: %w", err)
	}

	var responses []*CGetResponse

	for {
		responseCmd, data, err := dimse.ReceiveDIMSEMessage(a.conn)
		if err != nil {
			return responses, fmt.Errorf("failed to receive C-GET response: %w", err)
		}

		switch responseCmd.CommandField {
		case dimse.CStoreRQ:
			// Sub-operation delivering one instance
			if err := a.handleSubOperationStore(responseCmd, data, req.OnInstance); err != nil {
				a.logger.Warn("C-GET sub-operation store failed",
					zap.String("sop_instance", responseCmd.AffectedSOPInstanceUID),
					zap.Error(err))
			}
		case dimse.CGetRSP:
			response := &CGetResponse{
				Status:                         responseCmd.Status,
				MessageID:                      responseCmd.MessageIDBeingRespondedTo,
				NumberOfRemainingSuboperations: responseCmd.NumberOfRemainingSuboperations,
				NumberOfCompletedSuboperations: responseCmd.NumberOfCompletedSuboperations,
				NumberOfFailedSuboperations:    responseCmd.NumberOfFailedSuboperations,
				NumberOfWarningSuboperations:   responseCmd.NumberOfWarningSuboperations,
			}

			responses = append(responses, response)

			if responseCmd.Status != dimse.StatusPending {
				return responses, nil
			}
		default:
			return responses, fmt.Errorf("unexpected response command: 0x%04X", responseCmd.CommandField)
		}
	}
}

// handleSubOperationStore answers a C-STORE sub-operation issued by the SCP
// during a C-GET.
func (a *Association) handleSubOperationStore(cmd *types.Message, data []byte, onInstance InstanceFunc) error {
	status := uint16(dimse.StatusSuccess)
	var storeErr error
	if onInstance != nil {
		if storeErr = onInstance(cmd.AffectedSOPClassUID, cmd.AffectedSOPInstanceUID, data); storeErr != nil {
			status = dimse.StatusFailure
		}
	}

	// The sub-operation arrives on the storage class context the SCP chose;
	// answering on the context negotiated for that SOP class is equivalent.
	presContextID, err := a.GetPresentationContextID(cmd.AffectedSOPClassUID)
	if err != nil {
		return fmt.Errorf("no context to answer sub-operation: %w", err)
	}

	rsp := &types.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: cmd.MessageID,
		AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    status,
	}

	rspData, err := dimse.EncodeCommand(rsp)
	if err != nil {
		return fmt.Errorf("failed to encode sub-operation response: %w", err)
	}

	if err := dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, rspData, nil); err != nil {
		return fmt.Errorf("failed to send sub-operation response: %w", err)
	}

	return storeErr
}
