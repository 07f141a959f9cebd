// Package radio defines the transport capability the exchange core drives.
// Implementations (the socket bench in radiosim, BlueZ in bleradio) own all
// platform concerns; the core only sees this interface and its event stream.
package radio

import "errors"

// Encounter card exchange service and characteristic UUIDs
// These are the stable identifiers for the GATT table both roles use
const (
	// Service UUID - advertised by the inbound track, scanned for by the outbound track
	ServiceUUID = "F3A74E29-88D0-4C81-AF52-9B1E0D6C43B7"

	// Exchange characteristic - cards flow both ways over this single channel
	// (write: push to peer, notify: peer pushes to us, read: pull)
	ExchangeCharUUID = "F3A74E29-88D0-4C81-AF52-9B1E0D6C43B8"
)

// Role names one of the two radio tracks a device runs simultaneously.
type Role int

const (
	RoleOutbound Role = iota // central: scans and connects
	RoleInbound              // peripheral: publishes and advertises
)

func (r Role) String() string {
	if r == RoleInbound {
		return "inbound"
	}
	return "outbound"
}

// State is the power/authorization state of one radio track.
type State int

const (
	StateUnknown State = iota
	StatePoweredOff
	StatePoweredOn
	StateUnauthorized
	StateUnsupported
)

func (s State) String() string {
	switch s {
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	case StateUnauthorized:
		return "unauthorized"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ChannelProps describes what a discovered or published channel supports.
type ChannelProps struct {
	Read   bool
	Write  bool
	Notify bool
}

// EventKind discriminates Event. One enum covers both tracks so the core
// can drive everything through a single serialized queue.
type EventKind int

const (
	EventAdapterState EventKind = iota // Role, State
	EventDiscovered                    // Peer, Name, RSSI
	EventConnected                     // Peer (links this side initiated via Connect)
	EventConnectFailed                 // Peer, Err
	EventDisconnected                  // Peer, Err (nil on clean close; Connect-initiated links only)
	EventChannelDiscovered             // Peer, Channel, Props; Err when discovery failed
	EventSubscribed                    // Peer, Channel, Err
	EventReadResult                    // Peer, Channel, Data, Err
	EventWriteResult                   // Peer, Channel, Err
	EventValueUpdate                   // Peer, Channel, Data, Offset (negative when the transport cannot tell)
	EventWriteRequest                  // Peer, Channel, Data, Offset, Respond
	EventReadRequest                   // Peer, Channel, Offset, Reply
	EventSubscriberAdded               // Peer, Channel
	EventSubscriberRemoved             // Peer, Channel
	EventReadyToSend                   // Peer: transport drained, more chunks may go
	EventAdvertising                   // Err when advertising could not start
	EventChannelPublished              // Err when the GATT table could not be published
)

func (k EventKind) String() string {
	switch k {
	case EventAdapterState:
		return "adapterState"
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connectFailed"
	case EventDisconnected:
		return "disconnected"
	case EventChannelDiscovered:
		return "channelDiscovered"
	case EventSubscribed:
		return "subscribed"
	case EventReadResult:
		return "readResult"
	case EventWriteResult:
		return "writeResult"
	case EventValueUpdate:
		return "valueUpdate"
	case EventWriteRequest:
		return "writeRequest"
	case EventReadRequest:
		return "readRequest"
	case EventSubscriberAdded:
		return "subscriberAdded"
	case EventSubscriberRemoved:
		return "subscriberRemoved"
	case EventReadyToSend:
		return "readyToSend"
	case EventAdvertising:
		return "advertising"
	case EventChannelPublished:
		return "channelPublished"
	default:
		return "unknown"
	}
}

// Event is one occurrence delivered by a Radio. Which fields are set
// depends on Kind (see the EventKind comments).
type Event struct {
	Kind    EventKind
	Role    Role
	State   State
	Peer    string
	Name    string
	RSSI    int
	Channel string
	Props   ChannelProps
	Data    []byte
	Offset  int
	Err     error

	// Respond acknowledges a write request (success or failure status back
	// to the writer). Set only for EventWriteRequest.
	Respond func(ok bool)
	// Reply answers a read request with value bytes. Set only for
	// EventReadRequest.
	Reply func(data []byte, ok bool)
}

// Handler receives radio events. Implementations may call it from any
// goroutine; the core serializes internally.
type Handler func(Event)

var (
	// ErrSendBusy means the transport's outgoing window is full. The caller
	// should hold the fragment and resume on EventReadyToSend.
	ErrSendBusy = errors.New("radio: send queue busy")
	// ErrUnknownPeer means the peer is not connected on the relevant track.
	ErrUnknownPeer = errors.New("radio: unknown peer")
	// ErrNotWritable means the target channel does not accept writes.
	ErrNotWritable = errors.New("radio: channel not writable")
)

// Radio is the full dual-role transport capability.
type Radio interface {
	// SetHandler installs the event sink. Must be called before any track
	// is armed; events may arrive from arbitrary goroutines.
	SetHandler(Handler)

	// Outbound (central) track.
	StartScan(serviceID string) error
	StopScan()
	Connect(peer string) error
	Disconnect(peer string)
	DiscoverChannel(peer, serviceID, channelID string) error
	Subscribe(peer, channelID string) error
	Read(peer, channelID string) error
	// Write pushes one fragment to the peer's channel. offset is the
	// fragment's byte position within the sender's current transfer;
	// transports that can carry it let the receiver spot a restarted
	// transfer (an offset-zero write landing on a non-empty buffer).
	Write(peer, channelID string, data []byte, offset int, withResponse bool) error
	// MaxPayload reports the peer's current per-fragment capacity. The
	// value may change over a link's lifetime; callers must re-query
	// before every fragment.
	MaxPayload(peer string) int

	// Inbound (peripheral) track.
	PublishChannel(serviceID, channelID string, props ChannelProps) error
	StartAdvertising(serviceID, localName string) error
	StopAdvertising()
	// Notify pushes one fragment to a subscriber. offset is the fragment's
	// byte position within the current transfer, carried to the receiver by
	// transports that can; returns ErrSendBusy when the outgoing window is
	// full.
	Notify(peer, channelID string, data []byte, offset int) error

	Close() error
}
