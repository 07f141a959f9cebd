package exchange

import (
	"github.com/user/aircard/card"
	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
)

// Events are the embedder-facing callbacks. Every field is optional.
// Callbacks run in order on a dedicated goroutine so a slow embedder can
// never stall the exchange loop.
type Events struct {
	// StateChanged fires on every radio power/authorization transition.
	StateChanged func(role radio.Role, state radio.State)
	// CardReceived fires once per accepted encounter card. rssi is the
	// signal strength seen at discovery, or 0 when unknown.
	CardReceived func(c card.Card, rssi int)
	// ExchangeCompleted fires when an outbound link closes after settling.
	// full is false for a half exchange (received but could not send).
	ExchangeCompleted func(peer string, full bool)
	// ErrorOccurred fires once per reported failure.
	ErrorOccurred func(e *Error)
	// Log receives the milestone lines the service logs, for embedders
	// that surface an activity feed.
	Log func(line string)
}

// emitter serializes embedder callbacks off the exchange loop. The queue
// is bounded; if an embedder falls hopelessly behind, notifications are
// dropped rather than blocking the loop (persisted state is unaffected).
type emitter struct {
	prefix string
	ch     chan func()
	done   chan struct{}
}

func newEmitter(prefix string) *emitter {
	e := &emitter{
		prefix: prefix,
		ch:     make(chan func(), 256),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) run() {
	defer close(e.done)
	for fn := range e.ch {
		fn()
	}
}

// post enqueues one callback. Only the exchange loop calls this.
func (e *emitter) post(fn func()) {
	if fn == nil {
		return
	}
	select {
	case e.ch <- fn:
	default:
		logger.Warn(e.prefix, "event queue full, dropping notification")
	}
}

// close drains and stops the callback goroutine.
func (e *emitter) close() {
	close(e.ch)
	<-e.done
}
