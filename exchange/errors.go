package exchange

import "fmt"

// ErrorKind is the closed set of failures the core reports. Everything
// that can go wrong maps onto one of these; embedders never see raw
// transport errors.
type ErrorKind int

const (
	// ErrRadioUnavailable: a track's radio is off, unauthorized, or
	// unsupported while the service is armed.
	ErrRadioUnavailable ErrorKind = iota
	// ErrSerialization: the local card failed to encode.
	ErrSerialization
	// ErrDeserializationIncomplete: a buffered document is still truncated.
	// Internal bookkeeping only; never reported to the embedder.
	ErrDeserializationIncomplete
	// ErrDeserializationInvalid: a received stream can never decode.
	ErrDeserializationInvalid
	// ErrChannelOperationFailed: a read, write, or subscribe failed.
	ErrChannelOperationFailed
	// ErrConnectionFailed: an outbound connect attempt failed.
	ErrConnectionFailed
	// ErrChannelSetupFailed: publishing our channel or discovering the
	// peer's failed.
	ErrChannelSetupFailed
	// ErrAdvertisingFailed: the inbound track could not advertise.
	ErrAdvertisingFailed
	// ErrInternalInconsistency: impossible state, such as a local save
	// carrying a foreign owner identity.
	ErrInternalInconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRadioUnavailable:
		return "radioUnavailable"
	case ErrSerialization:
		return "serializationError"
	case ErrDeserializationIncomplete:
		return "deserializationIncomplete"
	case ErrDeserializationInvalid:
		return "deserializationInvalid"
	case ErrChannelOperationFailed:
		return "channelOperationFailed"
	case ErrConnectionFailed:
		return "connectionFailed"
	case ErrChannelSetupFailed:
		return "channelSetupFailed"
	case ErrAdvertisingFailed:
		return "advertisingFailed"
	case ErrInternalInconsistency:
		return "internalInconsistency"
	default:
		return "unknown"
	}
}

// Error is one reported failure occurrence. Peer is set when the failure
// is scoped to a single link.
type Error struct {
	Kind ErrorKind
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("exchange: %s (peer %s): %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("exchange: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
