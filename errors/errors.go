// Package errors defines the error taxonomy of the gateway: sentinels and
// typed errors for the DICOM wire layers, plus the central-API error kinds
// in api.go.
package errors

import (
	"errors"
	"fmt"
)

// Sentinels for conditions callers branch on with errors.Is.
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrUnsupportedTransfer = errors.New("dicom: unsupported transfer syntax")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage      = errors.New("dicom: invalid DIMSE message")
	ErrOperationCanceled   = errors.New("dicom: operation canceled")
)

// AssociationRejectReason is the reason byte of an A-ASSOCIATE-RJ.
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

func (r AssociationRejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// AssociationRejectSource is the source byte of an A-ASSOCIATE-RJ.
type AssociationRejectSource byte

const (
	RejectSourceUnknown         AssociationRejectSource = 0x00
	RejectSourceServiceUser     AssociationRejectSource = 0x01
	RejectSourceServiceProvider AssociationRejectSource = 0x02
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// AssociationError carries the decoded source and reason of a peer's
// A-ASSOCIATE-RJ. It unwraps to ErrAssociationRejected.
type AssociationError struct {
	Reason AssociationRejectReason
	Source AssociationRejectSource
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, reason: %s)",
		e.Msg, e.Source, e.Reason)
}

func (e *AssociationError) Unwrap() error {
	return ErrAssociationRejected
}

// NewAssociationError builds an AssociationError from the reject PDU bytes.
func NewAssociationError(source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{Source: source, Reason: reason, Msg: msg}
}

// DIMSEError is a non-success DIMSE response status.
type DIMSEError struct {
	Status    uint16
	Operation string
	Msg       string
}

func (e *DIMSEError) Error() string {
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

// NewDIMSEError wraps a DIMSE status code for the named operation.
func NewDIMSEError(operation string, status uint16, msg string) *DIMSEError {
	return &DIMSEError{Operation: operation, Status: status, Msg: msg}
}

// Status-class predicates per PS3.7 Annex C.
func (e *DIMSEError) IsSuccess() bool { return e.Status == 0x0000 }
func (e *DIMSEError) IsPending() bool { return e.Status == 0xFF00 }
func (e *DIMSEError) IsWarning() bool { return (e.Status & 0xFF00) == 0x0100 }
func (e *DIMSEError) IsFailure() bool {
	return (e.Status&0xF000) == 0xC000 || (e.Status&0xF000) == 0xA000
}

// TimeoutError marks an operation that exceeded its deadline. Timeout()
// satisfies the net.Error convention so IsTransient treats it as retryable.
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool { return true }

// NewTimeoutError creates a timeout error for the named operation.
func NewTimeoutError(operation, duration string) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// NetworkError wraps a transport-level failure with the operation that hit
// it. It unwraps to the underlying error.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps err with the operation name.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// PDUError is a malformed or unexpected PDU. It unwraps to ErrInvalidPDU.
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

func (e *PDUError) Unwrap() error {
	return ErrInvalidPDU
}

// NewPDUError creates a PDU protocol error.
func NewPDUError(pduType byte, msg string) *PDUError {
	return &PDUError{PDUType: pduType, Msg: msg}
}

// AbortError is a received A-ABORT.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	source := "unknown"
	switch e.Source {
	case 0x00:
		source = "service-user"
	case 0x02:
		source = "service-provider"
	}
	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", source, e.Reason)
}

// NewAbortError creates an abort error from the A-ABORT source and reason
// bytes.
func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{Source: source, Reason: reason}
}
