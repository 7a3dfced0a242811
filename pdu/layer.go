package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/types"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// Layer handles the DICOM Upper Layer Protocol
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   DIMSEHandler
	serverAETitle  string
	logger         *zap.Logger
}

// AssociationContext holds association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
	RoleSelections   []RoleSelection
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// RoleSelection is an SCP/SCU role selection negotiation sub-item (0x54)
// proposed by the peer in the user information item.
type RoleSelection struct {
	SOPClassUID string
	SCURole     byte
	SCPRole     byte
}

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

var supportedAbstractSyntaxes = map[string]bool{
	types.VerificationSOPClass:                              true, // Verification SOP Class (C-ECHO)
	types.PatientRootQueryRetrieveInformationModelFind:      true, // Patient Root Q/R - FIND
	types.StudyRootQueryRetrieveInformationModelFind:        true, // Study Root Q/R - FIND
	types.PatientStudyOnlyQueryRetrieveInformationModelFind: true, // Patient/Study Only Q/R - FIND
	types.PatientRootQueryRetrieveInformationModelMove:      true, // Patient Root Q/R - MOVE
	types.StudyRootQueryRetrieveInformationModelMove:        true, // Study Root Q/R - MOVE
	types.PatientStudyOnlyQueryRetrieveInformationModelMove: true, // Patient/Study Only Q/R - MOVE
	types.PatientRootQueryRetrieveInformationModelGet:       true, // Patient Root Q/R - GET
	types.StudyRootQueryRetrieveInformationModelGet:         true, // Study Root Q/R - GET
	types.PatientStudyOnlyQueryRetrieveInformationModelGet:  true, // Patient/Study Only Q/R - GET
	types.ModalityWorklistInformationModelFind:              true, // Modality Worklist - FIND
}

var supportedTransferSyntaxes = map[string]bool{
	types.ImplicitVRLittleEndian: true, // Implicit VR Little Endian
	types.ExplicitVRLittleEndian: true, // Explicit VR Little Endian
}

func normalizeUID(raw []byte) string {
	value := string(raw)
	value = strings.TrimRight(value, "\x00 ")
	return value
}

func supportsAbstractSyntax(uid string) bool {
	if supportedAbstractSyntaxes[uid] {
		return true
	}
	// Accept all storage SOP classes (C-STORE)
	if types.IsStorageSOPClass(uid) {
		return true
	}
	return false
}

func supportsTransferSyntax(uid string) bool {
	return supportedTransferSyntaxes[uid]
}

func parsePresentationContext(data []byte, logger *zap.Logger) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctxID := data[0]
	subOffset := 4 // Skip reserved bytes
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30: // Abstract Syntax
			abstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}

		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	if logger != nil {
		logger.Debug("Parsing presentation context",
			zap.Uint8("context_id", ctxID),
			zap.String("abstract_syntax", abstractSyntax),
			zap.Strings("proposed_transfer_syntaxes", transferSyntaxes))
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""

	if supportsAbstractSyntax(abstractSyntax) {
		for _, ts := range transferSyntaxes {
			if supportsTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
		if result != presentationResultAcceptance {
			result = presentationResultRejectTransferSyntax
		}
	}

	// Accepted contexts MUST carry a transfer syntax
	if result == presentationResultAcceptance && selectedTransfer == "" {
		result = presentationResultRejectTransferSyntax
	}

	return &PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

func parseUserInformation(data []byte) (uint32, []RoleSelection, error) {
	offset := 0
	var maxPDULength uint32
	var roles []RoleSelection

	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, nil, fmt.Errorf("user information sub-item exceeds length")
		}

		switch subItemType {
		case 0x51:
			if subItemLength == 4 {
				maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
			}
		case 0x54: // SCP/SCU Role Selection
			value := data[valueStart:valueEnd]
			if len(value) >= 4 {
				uidLen := int(binary.BigEndian.Uint16(value[0:2]))
				if 2+uidLen+2 <= len(value) {
					roles = append(roles, RoleSelection{
						SOPClassUID: normalizeUID(value[2 : 2+uidLen]),
						SCURole:     value[2+uidLen],
						SCPRole:     value[2+uidLen+1],
					})
				}
			}
		}

		offset = valueEnd
	}

	return maxPDULength, roles, nil
}

// DIMSEHandler interface for handling DIMSE messages
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
}

// NewLayer creates a new PDU layer handler
func NewLayer(conn net.Conn, dimseHandler DIMSEHandler, serverAETitle string, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		logger:        logger,
	}
}

// HandleConnection manages the complete DICOM connection lifecycle
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Info("New DICOM connection", zap.Stringer("remote_addr", p.conn.RemoteAddr()))

	// Handle association establishment
	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %v", err)
	}

	// Handle DIMSE messages
	for {
		pdu, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("Connection closed by client", zap.Stringer("remote_addr", p.conn.RemoteAddr()))
			} else {
				p.logger.Warn("Error reading PDU", zap.Error(err), zap.Stringer("remote_addr", p.conn.RemoteAddr()))
			}
			break
		}

		if err := p.handlePDU(pdu); err != nil {
			if err == io.EOF {
				break // Normal termination
			}
			return fmt.Errorf("error handling PDU: %v", err)
		}
	}

	return nil
}

// readPDU reads a complete PDU from the connection
func (p *Layer) readPDU() (*PDU, error) {
	// Read PDU header (6 bytes)
	header := make([]byte, 6)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	// Read PDU data
	pduData := make([]byte, pduLength)
	if _, err := io.ReadFull(p.conn, pduData); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %v", err)
	}

	return &PDU{
		Type:   pduType,
		Length: pduLength,
		Data:   pduData,
	}, nil
}

// handlePDU routes PDUs to appropriate handlers
func (p *Layer) handlePDU(pdu *PDU) error {
	p.logger.Debug("Received PDU",
		zap.String("type", fmt.Sprintf("0x%02x", pdu.Type)),
		zap.Uint32("length", pdu.Length))

	switch pdu.Type {
	case TypePDataTF:
		return p.handlePDataTF(pdu)
	case TypeReleaseRQ:
		return p.handleReleaseRequest()
	case TypeReleaseRP:
		p.logger.Debug("Received A-RELEASE-RP")
		return io.EOF
	case TypeAbort:
		p.logger.Info("Received A-ABORT")
		return io.EOF
	default:
		p.logger.Warn("Unhandled PDU type", zap.String("type", fmt.Sprintf("0x%02x", pdu.Type)))
		return nil
	}
}

// handleAssociationPhase handles the association establishment
func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %v", err)
	}

	if pdu.Type != TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	return p.handleAssociateRequest(pdu)
}

// handleAssociateRequest processes A-ASSOCIATE-RQ and sends A-ASSOCIATE-AC
func (p *Layer) handleAssociateRequest(pdu *PDU) error {
	p.logger.Debug("Processing A-ASSOCIATE-RQ")

	p.associationCtx = &AssociationContext{
		CalledAETitle:    p.serverAETitle,
		CallingAETitle:   "UNKNOWN",
		MaxPDULength:     16384,
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	if err := p.parseAssociationRequest(pdu); err != nil {
		return fmt.Errorf("malformed association request: %v", err)
	}

	if len(p.associationCtx.PresentationCtxs) == 0 {
		return fmt.Errorf("association request proposed no presentation contexts")
	}

	response := p.createAssociateAccept()
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %v", err)
	}

	p.logger.Debug("Sent A-ASSOCIATE-AC")
	return nil
}

// handlePDataTF processes P-DATA-TF PDUs and forwards each PDV to the DIMSE layer
func (p *Layer) handlePDataTF(pdu *PDU) error {
	if len(pdu.Data) < 6 {
		return fmt.Errorf("P-DATA-TF too short")
	}

	offset := 0
	for offset < len(pdu.Data) {
		if offset+6 > len(pdu.Data) {
			return fmt.Errorf("malformed PDV in P-DATA-TF")
		}

		pdvLength := binary.BigEndian.Uint32(pdu.Data[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if end > len(pdu.Data) {
			return fmt.Errorf("incomplete PDV data")
		}

		pdvData := pdu.Data[offset+4 : end]
		if len(pdvData) < 2 {
			return fmt.Errorf("PDV data too short")
		}

		presContextID := pdvData[0]
		msgCtrlHeader := pdvData[1]
		dimseData := pdvData[2:]

		p.logger.Debug("Processing DIMSE message",
			zap.Uint8("presentation_context_id", presContextID),
			zap.String("message_control_header", fmt.Sprintf("0x%02x", msgCtrlHeader)))

		if err := p.dimseHandler.HandleDIMSEMessage(presContextID, msgCtrlHeader, dimseData, p); err != nil {
			return err
		}

		offset = end
	}

	return nil
}

// handleReleaseRequest processes A-RELEASE-RQ and sends A-RELEASE-RP
func (p *Layer) handleReleaseRequest() error {
	p.logger.Debug("Processing A-RELEASE-RQ")

	response := []byte{0x06, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}

	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %v", err)
	}

	p.logger.Debug("Sent A-RELEASE-RP")
	return io.EOF
}

// SendDIMSEResponse sends a DIMSE response via P-DATA-TF
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE response with optional dataset via P-DATA-TF.
// Datasets larger than the negotiated maximum PDU length are fragmented.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := p.sendPDV(presContextID, 0x03, commandData); err != nil {
		return fmt.Errorf("failed to send command PDU: %v", err)
	}

	if len(datasetData) > 0 {
		maxChunk := int(p.maxPDULength()) - 12
		if maxChunk <= 0 {
			maxChunk = 16384 - 12
		}
		offset := 0
		for offset < len(datasetData) {
			chunk := len(datasetData) - offset
			ctrl := byte(0x02) // dataset, last fragment
			if chunk > maxChunk {
				chunk = maxChunk
				ctrl = 0x00 // dataset, more fragments
			}
			if err := p.sendPDV(presContextID, ctrl, datasetData[offset:offset+chunk]); err != nil {
				return fmt.Errorf("failed to send dataset PDU: %v", err)
			}
			offset += chunk
		}
	}

	return nil
}

func (p *Layer) sendPDV(presContextID byte, msgCtrlHeader byte, data []byte) error {
	pdvData := append([]byte{presContextID, msgCtrlHeader}, data...)

	pdvLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pdvLength, uint32(len(pdvData)))

	pduHeader := []byte{TypePDataTF, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pdvLength)+len(pdvData)))

	out := append(pduHeader, pduLength...)
	out = append(out, pdvLength...)
	out = append(out, pdvData...)

	_, err := p.conn.Write(out)
	return err
}

func (p *Layer) maxPDULength() uint32 {
	if p.associationCtx != nil && p.associationCtx.MaxPDULength > 0 {
		return p.associationCtx.MaxPDULength
	}
	return 16384
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}

	if ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}

	return ctx.TransferSyntax, nil
}

// AcceptedContextForSOPClass returns an accepted presentation context negotiated
// for the given abstract syntax. C-GET sub-operations must reuse a storage
// context on the same association.
func (p *Layer) AcceptedContextForSOPClass(sopClassUID string) (*PresentationContext, error) {
	if p.associationCtx == nil {
		return nil, fmt.Errorf("association context not initialized")
	}
	for _, ctx := range p.associationCtx.PresentationCtxs {
		if ctx.AbstractSyntax == sopClassUID && ctx.Result == presentationResultAcceptance {
			return ctx, nil
		}
	}
	return nil, fmt.Errorf("no accepted presentation context for %s", sopClassUID)
}

// CallingAETitle returns the AE title of the peer that opened the association.
func (p *Layer) CallingAETitle() string {
	if p.associationCtx == nil {
		return ""
	}
	return p.associationCtx.CallingAETitle
}

// createAssociateAccept creates a proper A-ASSOCIATE-AC PDU
func (p *Layer) createAssociateAccept() []byte {
	// Fixed fields (68 bytes)
	fixedFields := make([]byte, 68)

	// Protocol version (bytes 0-1): 0x0001
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)

	calledAE := p.associationCtx.CalledAETitle
	if len(calledAE) > 16 {
		calledAE = calledAE[:16]
	}
	callingAE := p.associationCtx.CallingAETitle
	if len(callingAE) > 16 {
		callingAE = callingAE[:16]
	}

	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))   // Called AE Title
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE)) // Calling AE Title

	// Application Context Item
	appContextUID := types.ApplicationContextUID
	appContextItem := []byte{0x10, 0x00}
	appContextLen := make([]byte, 2)
	binary.BigEndian.PutUint16(appContextLen, uint16(len(appContextUID)))
	appContextItem = append(appContextItem, appContextLen...)
	appContextItem = append(appContextItem, []byte(appContextUID)...)

	// Sort context IDs to ensure consistent ordering
	var contextIDs []byte
	for id := range p.associationCtx.PresentationCtxs {
		contextIDs = append(contextIDs, id)
	}
	for i := 0; i < len(contextIDs); i++ {
		for j := i + 1; j < len(contextIDs); j++ {
			if contextIDs[i] > contextIDs[j] {
				contextIDs[i], contextIDs[j] = contextIDs[j], contextIDs[i]
			}
		}
	}

	var allPresContextItems []byte
	for _, id := range contextIDs {
		ctx := p.associationCtx.PresentationCtxs[id]

		// WORKAROUND: Some DICOM implementations (e.g., DCMTK/Orthanc) incorrectly reject
		// A-ASSOCIATE-AC PDUs that include rejected presentation contexts, even though
		// DICOM PS3.8 Section 9.3.3.3 requires including all contexts from the RQ.
		// Skip rejected contexts to maintain compatibility.
		if ctx.Result != presentationResultAcceptance {
			p.logger.Debug("Skipping rejected context (compatibility workaround)",
				zap.Uint8("context_id", ctx.ID),
				zap.Uint8("result", ctx.Result))
			continue
		}

		if ctx.TransferSyntax == "" {
			p.logger.Error("Accepted presentation context missing transfer syntax",
				zap.Uint8("context_id", ctx.ID),
				zap.String("abstract_syntax", ctx.AbstractSyntax))
			continue
		}

		// Accepted contexts carry only the selected transfer syntax sub-item
		transferSyntaxItem := []byte{0x40, 0x00}
		transferSyntaxLen := make([]byte, 2)
		binary.BigEndian.PutUint16(transferSyntaxLen, uint16(len(ctx.TransferSyntax)))
		transferSyntaxItem = append(transferSyntaxItem, transferSyntaxLen...)
		transferSyntaxItem = append(transferSyntaxItem, []byte(ctx.TransferSyntax)...)

		presContextItem := []byte{0x21, 0x00}
		presContextLen := make([]byte, 2)
		binary.BigEndian.PutUint16(presContextLen, uint16(4+len(transferSyntaxItem)))
		presContextItem = append(presContextItem, presContextLen...)
		presContextItem = append(presContextItem, ctx.ID, ctx.Result, 0x00, 0x00)
		presContextItem = append(presContextItem, transferSyntaxItem...)

		allPresContextItems = append(allPresContextItems, presContextItem...)
	}

	// User Information Item
	maxPDUItem := []byte{0x51, 0x00, 0x00, 0x04}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, 16384)
	maxPDUItem = append(maxPDUItem, maxPDUValue...)

	implClassUID := types.GatewayImplementationClassUID
	implClassItem := []byte{0x52, 0x00}
	implClassLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implClassLen, uint16(len(implClassUID)))
	implClassItem = append(implClassItem, implClassLen...)
	implClassItem = append(implClassItem, []byte(implClassUID)...)

	implVersionName := types.GatewayImplementationVersionName
	implVersionItem := []byte{0x55, 0x00}
	implVersionLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implVersionLen, uint16(len(implVersionName)))
	implVersionItem = append(implVersionItem, implVersionLen...)
	implVersionItem = append(implVersionItem, []byte(implVersionName)...)

	userInfoData := append(maxPDUItem, implClassItem...)
	userInfoData = append(userInfoData, implVersionItem...)

	// Mirror SCP/SCU role selections proposed by the peer. Storage classes are
	// confirmed in both roles so viewers that negotiate roles for C-GET and
	// viewers that skip role selection both interoperate.
	for _, role := range p.associationCtx.RoleSelections {
		uid := role.SOPClassUID
		scu, scp := role.SCURole, role.SCPRole
		if types.IsStorageSOPClass(uid) {
			scu, scp = 1, 1
		}
		roleValue := make([]byte, 2)
		binary.BigEndian.PutUint16(roleValue, uint16(len(uid)))
		roleValue = append(roleValue, []byte(uid)...)
		roleValue = append(roleValue, scu, scp)

		roleItem := []byte{0x54, 0x00}
		roleLen := make([]byte, 2)
		binary.BigEndian.PutUint16(roleLen, uint16(len(roleValue)))
		roleItem = append(roleItem, roleLen...)
		roleItem = append(roleItem, roleValue...)
		userInfoData = append(userInfoData, roleItem...)
	}

	userInfoItem := []byte{0x50, 0x00}
	userInfoLen := make([]byte, 2)
	binary.BigEndian.PutUint16(userInfoLen, uint16(len(userInfoData)))
	userInfoItem = append(userInfoItem, userInfoLen...)
	userInfoItem = append(userInfoItem, userInfoData...)

	// Combine all
	variableItems := append(appContextItem, allPresContextItems...)
	variableItems = append(variableItems, userInfoItem...)
	pduData := append(fixedFields, variableItems...)

	// Create PDU header
	pduHeader := []byte{TypeAssociateAC, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pduData)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, pduData...)
}

// parseAssociationRequest parses an A-ASSOCIATE-RQ PDU to extract presentation contexts and AE titles
func (p *Layer) parseAssociationRequest(pdu *PDU) error {
	p.logger.Debug("Parsing association request", zap.Int("pdu_length", len(pdu.Data)))

	if len(pdu.Data) < 68 {
		return fmt.Errorf("association request too short")
	}

	data := pdu.Data

	// Called AE Title (bytes 4-19)
	calledAE := string(data[4:20])
	if idx := strings.IndexByte(calledAE, 0); idx != -1 {
		calledAE = calledAE[:idx]
	}
	calledAE = strings.TrimSpace(calledAE)

	// Calling AE Title (bytes 20-35)
	callingAE := string(data[20:36])
	if idx := strings.IndexByte(callingAE, 0); idx != -1 {
		callingAE = callingAE[:idx]
	}
	callingAE = strings.TrimSpace(callingAE)

	p.associationCtx.CalledAETitle = calledAE
	p.associationCtx.CallingAETitle = callingAE

	p.logger.Info("Extracted AE titles from association request",
		zap.String("calling_ae", callingAE),
		zap.String("called_ae", calledAE))

	// Parse variable items starting from offset 68
	offset := 68
	var proposedContexts int
	var acceptedContexts int

	for offset < len(data) {
		if offset+4 > len(data) {
			break
		}

		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10: // Application Context
		case 0x20: // Presentation Context
			proposedContexts++
			ctx, err := parsePresentationContext(itemData, p.logger)
			if err != nil {
				p.logger.Warn("Failed to parse presentation context", zap.Error(err))
			} else {
				p.associationCtx.PresentationCtxs[ctx.ID] = ctx
				if ctx.Result == presentationResultAcceptance {
					acceptedContexts++
				}
			}
		case 0x50: // User Information
			maxPDULength, roles, err := parseUserInformation(itemData)
			if err != nil {
				p.logger.Warn("Failed to parse user information", zap.Error(err))
				break
			}
			if maxPDULength > 0 {
				p.associationCtx.MaxPDULength = maxPDULength
			}
			p.associationCtx.RoleSelections = roles
		}

		offset = valueEnd
	}

	if proposedContexts == 0 {
		p.logger.Warn("No presentation contexts found in association request")
	} else {
		p.logger.Info("Negotiated presentation contexts",
			zap.Int("proposed", proposedContexts),
			zap.Int("accepted", acceptedContexts),
			zap.Uint32("max_pdu_length", p.associationCtx.MaxPDULength))
	}

	return nil
}
