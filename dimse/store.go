package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	dicomerr "github.com/caio-sobreiro/dicomgw/errors"
	"github.com/caio-sobreiro/dicomgw/pdu"
	"github.com/caio-sobreiro/dicomgw/types"
)

// CStoreRequest is an outbound C-STORE: the dataset bytes must already be
// encoded in the presentation context's transfer syntax.
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	MessageID      uint16
}

// CStoreResponse is the peer's C-STORE-RSP.
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// Connection is the transport the DIMSE helpers read and write.
type Connection interface {
	io.ReadWriter
}

// SendCStore pushes one instance over an established association and waits
// for the C-STORE-RSP.
func SendCStore(conn Connection, presContextID byte, maxPDULength uint32, req *CStoreRequest) (*CStoreResponse, error) {
	command := &types.Message{
		CommandField:           CStoreRQ,
		MessageID:              req.MessageID,
		Priority:               0x0002, // medium; zero would be omitted from the command set
		CommandDataSetType:     0x0000, // dataset present
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}

	commandData, err := EncodeCommand(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	if err := SendDIMSEMessage(conn, presContextID, maxPDULength, commandData, req.Data); err != nil {
		return nil, fmt.Errorf("failed to send C-STORE: %w", err)
	}

	msg, _, err := ReceiveDIMSEMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive C-STORE-RSP: %w", err)
	}
	if msg.CommandField != CStoreRSP {
		return nil, fmt.Errorf("unexpected command: 0x%04x (expected C-STORE-RSP)", msg.CommandField)
	}

	return &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
	}, nil
}

// SendDIMSEMessage sends a command set and, when present, its dataset as
// P-DATA-TF streams.
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := SendPDataTF(conn, presContextID, maxPDULength, commandData, true, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		return SendPDataTF(conn, presContextID, maxPDULength, datasetData, false, true)
	}
	return nil
}

// SendPDataTF fragments data into P-DATA-TF PDUs that fit the negotiated
// maximum PDU length. Each PDU carries a single PDV.
func SendPDataTF(conn Connection, presContextID byte, maxPDULength uint32, data []byte, isCommand bool, isLast bool) error {
	// PDU header and PDV header are 6 bytes each.
	maxFragment := int(maxPDULength) - 12

	offset := 0
	for offset < len(data) {
		fragment := len(data) - offset
		lastFragment := true
		if fragment > maxFragment {
			fragment = maxFragment
			lastFragment = false
		}

		var controlHeader byte
		if isCommand {
			controlHeader |= 0x01
		}
		if lastFragment && isLast {
			controlHeader |= 0x02
		}

		// One write per PDU so fragments never interleave.
		pduBytes := make([]byte, 0, 12+fragment)
		pduBytes = append(pduBytes, pdu.TypePDataTF, 0x00)
		pduBytes = binary.BigEndian.AppendUint32(pduBytes, uint32(fragment+6))
		pduBytes = binary.BigEndian.AppendUint32(pduBytes, uint32(fragment+2))
		pduBytes = append(pduBytes, presContextID, controlHeader)
		pduBytes = append(pduBytes, data[offset:offset+fragment]...)

		if _, err := conn.Write(pduBytes); err != nil {
			return fmt.Errorf("failed to write PDU: %w", err)
		}

		offset += fragment
	}

	return nil
}

// appendUIDElement appends a command element holding a UID, NUL-padded to
// even length.
func appendUIDElement(buf []byte, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	return AppendImplicitElement(buf, 0x0000, element, value)
}

// appendUint16Element appends a two-byte binary command element.
func appendUint16Element(buf []byte, element uint16, v uint16) []byte {
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, v)
	return AppendImplicitElement(buf, 0x0000, element, value)
}

// EncodeCommand serializes a DIMSE command set. Command sets are always
// Implicit VR Little Endian regardless of the negotiated transfer syntax.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	// Command Group Length (0000,0000), backfilled below.
	buf = AppendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendUIDElement(buf, 0x0002, msg.AffectedSOPClassUID)
	}
	if msg.RequestedSOPClassUID != "" {
		buf = appendUIDElement(buf, 0x0003, msg.RequestedSOPClassUID)
	}

	buf = appendUint16Element(buf, 0x0100, msg.CommandField)

	if msg.MessageID != 0 {
		buf = appendUint16Element(buf, 0x0110, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendUint16Element(buf, 0x0120, msg.MessageIDBeingRespondedTo)
	}

	if msg.MoveDestination != "" {
		// AE titles pad with space, not NUL.
		value := []byte(msg.MoveDestination)
		if len(value)%2 == 1 {
			value = append(value, 0x20)
		}
		buf = AppendImplicitElement(buf, 0x0000, 0x0600, value)
	}

	if msg.Priority != 0 {
		buf = appendUint16Element(buf, 0x0700, msg.Priority)
	}

	buf = appendUint16Element(buf, 0x0800, msg.CommandDataSetType)

	if msg.Status != 0 {
		buf = appendUint16Element(buf, 0x0900, msg.Status)
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = appendUIDElement(buf, 0x1000, msg.AffectedSOPInstanceUID)
	}

	// Sub-operation counters for C-MOVE-RSP and C-GET-RSP.
	if msg.NumberOfRemainingSuboperations != nil {
		buf = appendUint16Element(buf, 0x1020, *msg.NumberOfRemainingSuboperations)
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = appendUint16Element(buf, 0x1021, *msg.NumberOfCompletedSuboperations)
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = appendUint16Element(buf, 0x1022, *msg.NumberOfFailedSuboperations)
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = appendUint16Element(buf, 0x1023, *msg.NumberOfWarningSuboperations)
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// AppendImplicitElement appends one Implicit VR element: tag, 4-byte
// length, value.
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

// DecodeCommand parses a DIMSE command set. CommandField is the only
// mandatory element; CommandDataSetType defaults to "no dataset".
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{CommandDataSetType: 0x0101}
	sawCommandField := false

	u16 := func(value []byte) (uint16, bool) {
		if len(value) < 2 {
			return 0, false
		}
		return binary.LittleEndian.Uint16(value[:2]), true
	}
	trimmed := func(value []byte) string {
		return strings.TrimRight(string(value), "\x00 ")
	}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}
		value := data[offset+8 : offset+8+int(length)]
		offset += 8 + int(length)

		if group != 0x0000 {
			continue
		}

		switch element {
		case 0x0002:
			msg.AffectedSOPClassUID = trimmed(value)
		case 0x0003:
			msg.RequestedSOPClassUID = trimmed(value)
		case 0x0100:
			if v, ok := u16(value); ok {
				msg.CommandField = v
				sawCommandField = true
			}
		case 0x0110:
			if v, ok := u16(value); ok {
				msg.MessageID = v
			}
		case 0x0120:
			if v, ok := u16(value); ok {
				msg.MessageIDBeingRespondedTo = v
			}
		case 0x0600:
			msg.MoveDestination = trimmed(value)
		case 0x0700:
			if v, ok := u16(value); ok {
				msg.Priority = v
			}
		case 0x0800:
			if v, ok := u16(value); ok {
				msg.CommandDataSetType = v
			}
		case 0x0900:
			if v, ok := u16(value); ok {
				msg.Status = v
			}
		case 0x1000:
			msg.AffectedSOPInstanceUID = trimmed(value)
		case 0x1020:
			if v, ok := u16(value); ok {
				msg.NumberOfRemainingSuboperations = &v
			}
		case 0x1021:
			if v, ok := u16(value); ok {
				msg.NumberOfCompletedSuboperations = &v
			}
		case 0x1022:
			if v, ok := u16(value); ok {
				msg.NumberOfFailedSuboperations = &v
			}
		case 0x1023:
			if v, ok := u16(value); ok {
				msg.NumberOfWarningSuboperations = &v
			}
		}
	}

	if !sawCommandField {
		return nil, fmt.Errorf("%w: command set missing CommandField (0000,0100)", dicomerr.ErrInvalidMessage)
	}
	return msg, nil
}

// ReceiveDIMSEMessage reassembles one DIMSE message, reading P-DATA-TF
// PDUs until both the command set and any announced dataset are complete.
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		currentMsg  *types.Message
	)
	commandComplete := false
	datasetComplete := false
	datasetExpected := false

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(conn, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, nil, fmt.Errorf("%w: reading PDU header", dicomerr.ErrConnectionClosed)
			}
			return nil, nil, fmt.Errorf("failed to read PDU header: %w", err)
		}

		pduType := header[0]
		pduLength := binary.BigEndian.Uint32(header[2:6])

		switch pduType {
		case pdu.TypePDataTF:
			payload := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return nil, nil, fmt.Errorf("failed to read PDU data: %w", err)
			}

			offset := 0
			for offset < len(payload) {
				if offset+6 > len(payload) {
					return nil, nil, dicomerr.NewPDUError(pduType, "truncated PDV header")
				}

				pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if end > len(payload) {
					return nil, nil, dicomerr.NewPDUError(pduType, "PDV length exceeds PDU payload")
				}

				controlHeader := payload[offset+5]
				value := payload[offset+6 : end]
				isCommand := controlHeader&0x01 != 0
				isLastFragment := controlHeader&0x02 != 0

				if isCommand {
					commandData = append(commandData, value...)
					if isLastFragment {
						commandComplete = true
						decoded, err := DecodeCommand(commandData)
						if err != nil {
							return nil, nil, fmt.Errorf("failed to decode command: %w", err)
						}
						currentMsg = decoded

						if currentMsg.CommandDataSetType != 0x0101 {
							datasetExpected = true
							if len(datasetData) == 0 {
								datasetComplete = false
							}
						} else {
							datasetExpected = false
							datasetComplete = true
						}
					}
				} else {
					datasetData = append(datasetData, value...)
					if isLastFragment {
						datasetComplete = true
					}
				}

				offset = end
			}
		case pdu.TypeAbort:
			abortData := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, abortData); err != nil {
				return nil, nil, fmt.Errorf("failed to read ABORT data: %w", err)
			}

			var source, reason byte
			if len(abortData) >= 4 {
				source = abortData[2]
				reason = abortData[3]
			}
			return nil, nil, fmt.Errorf("received A-ABORT: %w", dicomerr.NewAbortError(source, reason))
		default:
			// Consume the payload to keep the stream aligned before failing.
			discard := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, discard); err != nil {
				return nil, nil, fmt.Errorf("failed to read unexpected PDU payload: %w", err)
			}
			return nil, nil, dicomerr.NewPDUError(pduType, "unexpected PDU type")
		}

		if commandComplete && (!datasetExpected || datasetComplete) {
			return currentMsg, datasetData, nil
		}
	}
}
