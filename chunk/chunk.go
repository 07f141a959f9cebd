// Package chunk splits encoded documents into transport-sized fragments and
// reassembles them on the receiving side. Fragments carry no framing of
// their own; completion is inferred by speculatively decoding the
// accumulated buffer after every fragment.
package chunk

import (
	"errors"
	"fmt"

	"github.com/user/aircard/card"
)

// Direction distinguishes the two transfer paths a single peer can occupy
// at the same time (we connected to them vs. they subscribed to us).
type Direction int

const (
	DirOutbound Direction = iota
	DirInbound
)

func (d Direction) String() string {
	if d == DirInbound {
		return "inbound"
	}
	return "outbound"
}

// Key identifies one transfer stream. At most one SendState and one
// reassembly buffer exist per key.
type Key struct {
	Peer      string
	Channel   string
	Direction Direction
}

func (k Key) String() string {
	peer := k.Peer
	if len(peer) > 8 {
		peer = peer[:8]
	}
	return fmt.Sprintf("%s/%s/%s", peer, k.Channel, k.Direction)
}

// ErrBadChunkSize is returned when the negotiated payload size is unusable.
var ErrBadChunkSize = errors.New("chunk: payload size must be positive")

// SendState is a resumable cursor over one outgoing document. The owner
// advances it one fragment at a time, passing the payload size the
// transport reports right now; the size may shrink or grow between calls
// and the cursor honors whatever the latest value is.
type SendState struct {
	key     Key
	payload []byte
	offset  int
}

// NewSendState starts a cursor at the beginning of payload.
func NewSendState(key Key, payload []byte) *SendState {
	return &SendState{key: key, payload: payload}
}

// Key returns the transfer key this cursor belongs to.
func (s *SendState) Key() Key { return s.key }

// Next returns the next fragment of at most size bytes, or nil once the
// payload is exhausted.
func (s *SendState) Next(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrBadChunkSize
	}
	if s.offset >= len(s.payload) {
		return nil, nil
	}
	end := s.offset + size
	if end > len(s.payload) {
		end = len(s.payload)
	}
	frag := s.payload[s.offset:end]
	s.offset = end
	return frag, nil
}

// Rewind returns n bytes to the cursor after the transport refused a
// fragment. The retry re-cuts at whatever payload size applies then.
func (s *SendState) Rewind(n int) {
	s.offset -= n
	if s.offset < 0 {
		s.offset = 0
	}
}

// Done reports whether every byte has been handed out.
func (s *SendState) Done() bool { return s.offset >= len(s.payload) }

// Progress returns bytes handed out so far and the payload total.
func (s *SendState) Progress() (sent, total int) { return s.offset, len(s.payload) }

// DefaultMaxAssembled bounds a single reassembly buffer. A peer that
// streams more than this without producing a decodable document is sending
// garbage.
const DefaultMaxAssembled = 64 * 1024

// ErrAssemblyOverflow is returned when a buffer exceeds the assembler cap.
var ErrAssemblyOverflow = errors.New("chunk: reassembly buffer exceeded cap")

// Outcome is the result of ingesting one fragment.
type Outcome int

const (
	// NeedMore: the buffer is a valid prefix, keep waiting.
	NeedMore Outcome = iota
	// Complete: a document decoded; the buffer was consumed and cleared.
	Complete
	// Aborted: the stream can never decode; the buffer was discarded.
	Aborted
)

// Assembler accumulates fragments per transfer key and attempts a decode
// after every append. Buffers are removed explicitly on completion, abort,
// peer teardown, or reset.
type Assembler struct {
	limit   int
	buffers map[Key][]byte
}

// NewAssembler creates an assembler; limit <= 0 selects DefaultMaxAssembled.
func NewAssembler(limit int) *Assembler {
	if limit <= 0 {
		limit = DefaultMaxAssembled
	}
	return &Assembler{limit: limit, buffers: make(map[Key][]byte)}
}

// Ingest appends one fragment to the key's buffer and speculatively decodes
// the result. resetHint is set when the transport marked this fragment as
// the start of a new transfer (an offset-zero write); a stale buffer is
// discarded before appending in that case.
func (a *Assembler) Ingest(key Key, fragment []byte, resetHint bool) (Outcome, *card.Card, error) {
	buf := a.buffers[key]
	if resetHint && len(buf) > 0 {
		buf = nil
	}
	buf = append(buf, fragment...)
	if len(buf) > a.limit {
		delete(a.buffers, key)
		return Aborted, nil, fmt.Errorf("%w: %d bytes on %s", ErrAssemblyOverflow, len(buf), key)
	}

	c, err := card.Decode(buf)
	switch {
	case err == nil:
		delete(a.buffers, key)
		return Complete, &c, nil
	case card.IsIncomplete(err):
		a.buffers[key] = buf
		return NeedMore, nil, nil
	default:
		delete(a.buffers, key)
		return Aborted, nil, err
	}
}

// Pending returns how many bytes are buffered for key.
func (a *Assembler) Pending(key Key) int { return len(a.buffers[key]) }

// Active returns the number of keys with buffered data.
func (a *Assembler) Active() int { return len(a.buffers) }

// Drop discards the buffer for one transfer key, if any.
func (a *Assembler) Drop(key Key) {
	delete(a.buffers, key)
}

// DropPeer discards every buffer belonging to peer.
func (a *Assembler) DropPeer(peer string) {
	for k := range a.buffers {
		if k.Peer == peer {
			delete(a.buffers, k)
		}
	}
}

// Reset discards all buffers.
func (a *Assembler) Reset() {
	a.buffers = make(map[Key][]byte)
}
