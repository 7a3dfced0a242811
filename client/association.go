package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	dicomerr "github.com/caio-sobreiro/dicomgw/errors"
	"github.com/caio-sobreiro/dicomgw/pdu"
	"github.com/caio-sobreiro/dicomgw/types"
)

// Association represents a client-side DICOM association
type Association struct {
	conn                      net.Conn
	callingAETitle            string
	calledAETitle             string
	maxPDULength              uint32
	presentationCtxs          map[byte]*PresentationContext
	logger                    *zap.Logger
	preferredTransferSyntaxes []string
	roleSelections            map[string]RoleSelection
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// RoleSelection proposes SCP/SCU roles for a SOP class. A C-GET SCU must
// offer the SCP role for storage classes so the peer can send C-STORE
// sub-operations back over the same association.
type RoleSelection struct {
	SCURole byte
	SCPRole byte
}

// Config holds client configuration
type Config struct {
	CallingAETitle            string
	CalledAETitle             string
	MaxPDULength              uint32
	ConnectTimeout            time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout               time.Duration // Timeout for read operations (default: 60s)
	WriteTimeout              time.Duration // Timeout for write operations (default: 60s)
	Logger                    *zap.Logger
	PreferredTransferSyntaxes []string // Transfer syntaxes to propose (default: Explicit VR, Implicit VR)

	// AbstractSyntaxes lists the SOP classes to propose, one presentation
	// context each. When empty a default set covering verification, the
	// common storage classes and Study Root Q/R is proposed.
	AbstractSyntaxes []string

	// RoleSelections maps SOP class UIDs to proposed roles. Only needed
	// for C-GET, where storage classes require scu=0 scp=1.
	RoleSelections map[string]RoleSelection
}

// DefaultAbstractSyntaxes is the context set proposed when the caller does
// not pick its own. It covers C-ECHO, the storage classes the gateway
// handles and Study Root query/retrieve.
func DefaultAbstractSyntaxes() []string {
	return []string{
		types.VerificationSOPClass,
		types.CTImageStorage,
		types.MRImageStorage,
		types.UltrasoundImageStorage,
		types.SecondaryCaptureImageStorage,
		types.XRayAngiographicImageStorage,
		types.ComputedRadiographyImageStorage,
		types.DigitalXRayImageStorageForPresentation,
		types.DigitalXRayImageStorageForProcessing,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelGet,
	}
}

// Connect establishes a DICOM association with a remote SCP
func Connect(address string, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384 // Default 16KB
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}

	dialer := &net.Dialer{
		Timeout: config.ConnectTimeout,
	}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transferSyntaxes := config.PreferredTransferSyntaxes
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
		}
	}

	abstractSyntaxes := config.AbstractSyntaxes
	if len(abstractSyntaxes) == 0 {
		abstractSyntaxes = DefaultAbstractSyntaxes()
	}

	assoc := &Association{
		conn:                      conn,
		callingAETitle:            config.CallingAETitle,
		calledAETitle:             config.CalledAETitle,
		maxPDULength:              config.MaxPDULength,
		presentationCtxs:          make(map[byte]*PresentationContext),
		logger:                    logger,
		preferredTransferSyntaxes: transferSyntaxes,
		roleSelections:            config.RoleSelections,
	}

	if err := assoc.sendAssociateRQ(abstractSyntaxes); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}

	if err := assoc.receiveAssociateAC(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to receive A-ASSOCIATE-AC: %w", err)
	}

	logger.Info("DICOM association established",
		zap.String("remote_addr", address),
		zap.String("calling_ae", config.CallingAETitle),
		zap.String("called_ae", config.CalledAETitle))

	return assoc, nil
}

// Close gracefully closes the association
func (a *Association) Close() error {
	if err := a.sendReleaseRQ(); err != nil {
		a.logger.Warn("Failed to send release request", zap.Error(err))
	}

	// Wait for release response (with timeout handled by TCP)
	a.receiveReleaseRP()

	return a.conn.Close()
}

// MaxPDULength returns the negotiated maximum PDU length.
func (a *Association) MaxPDULength() uint32 {
	return a.maxPDULength
}

// sendAssociateRQ sends an A-ASSOCIATE-RQ PDU proposing one presentation
// context per abstract syntax.
func (a *Association) sendAssociateRQ(abstractSyntaxes []string) error {
	buf := make([]byte, 0, 1024)

	// Protocol version (2 bytes) = 0x0001
	buf = append(buf, 0x00, 0x01)

	// Reserved (2 bytes)
	buf = append(buf, 0x00, 0x00)

	// Called AE Title (16 bytes, space-padded)
	calledAE := make([]byte, 16)
	copy(calledAE, a.calledAETitle)
	for i := len(a.calledAETitle); i < 16; i++ {
		calledAE[i] = ' '
	}
	buf = append(buf, calledAE...)

	// Calling AE Title (16 bytes, space-padded)
	callingAE := make([]byte, 16)
	copy(callingAE, a.callingAETitle)
	for i := len(a.callingAETitle); i < 16; i++ {
		callingAE[i] = ' '
	}
	buf = append(buf, callingAE...)

	// Reserved (32 bytes)
	buf = append(buf, make([]byte, 32)...)

	// Application Context Item
	appContext := types.ApplicationContextUID
	buf = append(buf, 0x10, 0x00)
	buf = append(buf, 0x00, byte(len(appContext)))
	buf = append(buf, []byte(appContext)...)

	// Presentation contexts use odd IDs 1, 3, 5, ...
	contextID := byte(1)
	for _, as := range abstractSyntaxes {
		buf = a.addPresentationContext(buf, contextID, as)
		contextID += 2
	}

	// User Information Item
	buf = a.addUserInformation(buf)

	// Write PDU header
	pduHeader := make([]byte, 6)
	pduHeader[0] = pdu.TypeAssociateRQ
	pduHeader[1] = 0x00 // Reserved
	binary.BigEndian.PutUint32(pduHeader[2:6], uint32(len(buf)))

	if _, err := a.conn.Write(append(pduHeader, buf...)); err != nil {
		return err
	}

	return nil
}

// addPresentationContext adds a presentation context to the buffer
func (a *Association) addPresentationContext(buf []byte, contextID byte, abstractSyntax string) []byte {
	pcStart := len(buf)

	// Presentation Context Item
	buf = append(buf, 0x20)             // Item type
	buf = append(buf, 0x00)             // Reserved
	buf = append(buf, 0x00, 0x00)       // Length placeholder
	buf = append(buf, contextID)        // Presentation context ID
	buf = append(buf, 0x00, 0x00, 0x00) // Reserved

	// Abstract Syntax Sub-Item
	buf = append(buf, 0x30)                            // Item type
	buf = append(buf, 0x00)                            // Reserved
	buf = append(buf, 0x00, byte(len(abstractSyntax))) // Length
	buf = append(buf, []byte(abstractSyntax)...)

	// Transfer Syntax Sub-Items (order matters, first is preferred)
	for _, ts := range a.preferredTransferSyntaxes {
		buf = append(buf, 0x40)                // Item type
		buf = append(buf, 0x00)                // Reserved
		buf = append(buf, 0x00, byte(len(ts))) // Length
		buf = append(buf, []byte(ts)...)
	}

	// Update Presentation Context length
	pcLength := len(buf) - pcStart - 4
	binary.BigEndian.PutUint16(buf[pcStart+2:pcStart+4], uint16(pcLength))

	a.presentationCtxs[contextID] = &PresentationContext{
		ID:             contextID,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: "",
		Accepted:       false,
	}

	return buf
}

// addUserInformation adds user information to the buffer
func (a *Association) addUserInformation(buf []byte) []byte {
	uiStart := len(buf)

	// User Information Item
	buf = append(buf, 0x50)       // Item type
	buf = append(buf, 0x00)       // Reserved
	buf = append(buf, 0x00, 0x00) // Length placeholder

	// Maximum Length Sub-Item
	buf = append(buf, 0x51)       // Item type
	buf = append(buf, 0x00)       // Reserved
	buf = append(buf, 0x00, 0x04) // Length
	maxLengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLengthBytes, a.maxPDULength)
	buf = append(buf, maxLengthBytes...)

	// Implementation Class UID Sub-Item
	implClassUID := types.GatewayImplementationClassUID
	buf = append(buf, 0x52)                          // Item type
	buf = append(buf, 0x00)                          // Reserved
	buf = append(buf, 0x00, byte(len(implClassUID))) // Length
	buf = append(buf, []byte(implClassUID)...)

	// SCP/SCU Role Selection Sub-Items
	for sopClass, role := range a.roleSelections {
		itemLen := 2 + len(sopClass) + 2
		buf = append(buf, 0x54, 0x00)
		buf = append(buf, byte(itemLen>>8), byte(itemLen))
		buf = append(buf, byte(len(sopClass)>>8), byte(len(sopClass)))
		buf = append(buf, []byte(sopClass)...)
		buf = append(buf, role.SCURole, role.SCPRole)
	}

	// Implementation Version Name Sub-Item
	implVersion := types.GatewayImplementationVersionName
	buf = append(buf, 0x55)                         // Item type
	buf = append(buf, 0x00)                         // Reserved
	buf = append(buf, 0x00, byte(len(implVersion))) // Length
	buf = append(buf, []byte(implVersion)...)

	// Update User Information length
	uiLength := len(buf) - uiStart - 4
	binary.BigEndian.PutUint16(buf[uiStart+2:uiStart+4], uint16(uiLength))

	return buf
}

// receiveAssociateAC receives and parses A-ASSOCIATE-AC
func (a *Association) receiveAssociateAC() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return fmt.Errorf("failed to read PDU header: %w", err)
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	if pduType == pdu.TypeAssociateRJ {
		body := make([]byte, pduLength)
		if _, err := io.ReadFull(a.conn, body); err != nil || len(body) < 4 {
			return dicomerr.ErrAssociationRejected
		}
		return dicomerr.NewAssociationError(
			dicomerr.AssociationRejectSource(body[2]),
			dicomerr.AssociationRejectReason(body[3]),
			"association rejected by peer")
	}

	if pduType != pdu.TypeAssociateAC {
		return fmt.Errorf("unexpected PDU type: 0x%02x (expected A-ASSOCIATE-AC)", pduType)
	}

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return fmt.Errorf("failed to read PDU data: %w", err)
	}

	// Parse variable items after the 68 fixed bytes
	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			break
		}

		switch itemType {
		case 0x21: // Presentation Context Result
			contextID := data[offset+4]
			result := byte(0xff)
			if itemLength >= 4 {
				result = data[offset+7]
			}

			transferSyntax := ""
			subOffset := offset + 8
			for subOffset+4 <= itemEnd {
				subItemType := data[subOffset]
				subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
				subItemEnd := subOffset + 4 + int(subItemLength)
				if subItemEnd > itemEnd {
					break
				}

				if subItemType == 0x40 && subItemLength > 0 {
					tsVal := string(data[subOffset+4 : subItemEnd])
					transferSyntax = strings.TrimRight(tsVal, "\x00 ")
				}

				subOffset = subItemEnd
			}

			if pc, ok := a.presentationCtxs[contextID]; ok {
				pc.Accepted = (result == 0)
				if pc.Accepted && transferSyntax != "" {
					pc.TransferSyntax = transferSyntax
				}
				a.logger.Debug("Presentation context negotiation",
					zap.Uint8("context_id", contextID),
					zap.String("abstract_syntax", pc.AbstractSyntax),
					zap.Uint8("result", result),
					zap.Bool("accepted", pc.Accepted),
					zap.String("transfer_syntax", pc.TransferSyntax))
			}
		case 0x50: // User Information (peer max PDU length)
			subOffset := offset + 4
			for subOffset+4 <= itemEnd {
				subItemType := data[subOffset]
				subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
				subItemEnd := subOffset + 4 + int(subItemLength)
				if subItemEnd > itemEnd {
					break
				}
				if subItemType == 0x51 && subItemLength == 4 {
					peerMax := binary.BigEndian.Uint32(data[subOffset+4 : subOffset+8])
					if peerMax > 0 && peerMax < a.maxPDULength {
						a.maxPDULength = peerMax
					}
				}
				subOffset = subItemEnd
			}
		}

		offset = itemEnd
	}

	return nil
}

// sendReleaseRQ sends an A-RELEASE-RQ PDU
func (a *Association) sendReleaseRQ() error {
	pduData := make([]byte, 10)
	pduData[0] = pdu.TypeReleaseRQ
	pduData[1] = 0x00
	binary.BigEndian.PutUint32(pduData[2:6], 4) // Length is always 4

	if _, err := a.conn.Write(pduData); err != nil {
		return err
	}

	return nil
}

// receiveReleaseRP receives A-RELEASE-RP (or timeout)
func (a *Association) receiveReleaseRP() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return err // Connection closed or timeout
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	if pduType != pdu.TypeReleaseRP {
		return fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
	}

	// Read and discard PDU data
	data := make([]byte, pduLength)
	io.ReadFull(a.conn, data)

	return nil
}

// GetPresentationContextID finds an accepted presentation context for the
// given abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	for _, pc := range a.presentationCtxs {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted {
			return pc.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", dicomerr.ErrNoPresentationCtx, abstractSyntax)
}

// TransferSyntaxFor reports the negotiated transfer syntax for an accepted
// presentation context.
func (a *Association) TransferSyntaxFor(contextID byte) (string, error) {
	pc, ok := a.presentationCtxs[contextID]
	if !ok || !pc.Accepted {
		return "", fmt.Errorf("presentation context %d not accepted", contextID)
	}
	if pc.TransferSyntax == "" {
		return types.ImplicitVRLittleEndian, nil
	}
	return pc.TransferSyntax, nil
}
