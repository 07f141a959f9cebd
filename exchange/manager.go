// Package exchange is the core of the encounter-card service: a dual-role
// state machine that scans for nearby devices while advertising to them,
// exchanges cards over a single characteristic, and feeds received cards
// through debounce into the encounter store.
//
// All mutable state lives on one goroutine. Radio callbacks and public API
// calls post onto one serialized queue; chunked sends yield back to that
// queue between fragments so nothing ever monopolizes the loop.
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/aircard/card"
	"github.com/user/aircard/chunk"
	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
	"github.com/user/aircard/store"
)

// fallbackPayload is used when the transport cannot report a payload size
// for a peer (the BLE minimum ATT payload).
const fallbackPayload = 20

// ErrClosed is returned by API calls after Close.
var ErrClosed = errors.New("exchange: manager closed")

// Config tunes the manager. Zero values select defaults.
type Config struct {
	ServiceUUID   string
	ChannelUUID   string
	LocalName     string // advertised name; defaults to the card's display name
	AssembleLimit int
	QueueDepth    int
}

func (c Config) withDefaults() Config {
	if c.ServiceUUID == "" {
		c.ServiceUUID = radio.ServiceUUID
	}
	if c.ChannelUUID == "" {
		c.ChannelUUID = radio.ExchangeCharUUID
	}
	if c.AssembleLimit <= 0 {
		c.AssembleLimit = chunk.DefaultMaxAssembled
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	return c
}

type linkPhase int

const (
	phaseIdle linkPhase = iota
	phaseScanning
	phaseConnecting
	phaseConnected
)

func (p linkPhase) String() string {
	switch p {
	case phaseScanning:
		return "scanning"
	case phaseConnecting:
		return "connecting"
	case phaseConnected:
		return "connected"
	default:
		return "idle"
	}
}

// link is the single outbound slot: a tagged value, never a nullable
// reference. peer is meaningful only in the connecting/connected phases.
type link struct {
	phase      linkPhase
	peer       string
	rssi       int
	props      radio.ChannelProps
	propsKnown bool
	subscribed bool
	sendDone   bool // our card went out, or sending is impossible
	sentAll    bool // every byte was actually delivered
	recvDone   bool // their card arrived, or nothing will ever arrive
	received   bool // a document actually arrived
	closing    bool // we initiated the disconnect
}

type eventKind int

const (
	evRadio eventKind = iota
	evResume
	evStart
	evStop
	evSaveCard
	evQuery
	evClose
)

type event struct {
	kind  eventKind
	re    radio.Event
	key   chunk.Key
	card  card.Card
	reply chan result
}

type result struct {
	card   card.Card
	cards  []card.Card
	status Status
	err    error
}

// Status is a point-in-time snapshot of the manager, for logging and tests.
type Status struct {
	Armed         bool
	LinkPhase     string
	LinkPeer      string
	Published     bool
	Advertising   bool
	Subscribers   int
	ActiveSends   int
	ActiveBuffers int
}

// Manager runs both radio tracks and owns all exchange state.
type Manager struct {
	cfg    Config
	r      radio.Radio
	enc    *store.Encounters
	local  *store.LocalCard
	events Events
	em     *emitter
	prefix string

	queue   chan event
	pending []event // actor-internal follow-ups (chunk resumes)
	quit    chan struct{}
	stopped chan struct{}

	// Actor-owned state below; the loop goroutine is the only toucher.
	armed         bool
	outboundState radio.State
	inboundState  radio.State
	link          link
	published     bool
	advertising   bool
	sends         map[chunk.Key]*chunk.SendState
	waiting       map[chunk.Key]bool // sends parked on a busy transport
	asm           *chunk.Assembler
	subs          map[string]bool
}

// NewManager wires the manager to its radio and stores and starts the
// event loop (disarmed). local must already be loaded.
func NewManager(cfg Config, r radio.Radio, enc *store.Encounters, local *store.LocalCard, events Events) *Manager {
	cfg = cfg.withDefaults()
	if cfg.LocalName == "" {
		cfg.LocalName = local.Current().DisplayName
	}
	prefix := shortID(local.Current().OwnerID)
	m := &Manager{
		cfg:     cfg,
		r:       r,
		enc:     enc,
		local:   local,
		events:  events,
		em:      newEmitter(prefix),
		prefix:  prefix,
		queue:   make(chan event, cfg.QueueDepth),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		sends:   make(map[chunk.Key]*chunk.SendState),
		waiting: make(map[chunk.Key]bool),
		asm:     chunk.NewAssembler(cfg.AssembleLimit),
		subs:    make(map[string]bool),
	}
	r.SetHandler(m.onRadioEvent)
	go m.loop()
	return m
}

// Start arms both tracks. Scanning and advertising begin as soon as the
// respective radio reports powered-on; until then the intent is remembered.
func (m *Manager) Start() {
	m.do(event{kind: evStart})
}

// Stop cancels the outbound link, halts scanning and advertising, and
// discards every transfer in flight. Channel publication survives; Start
// re-arms from scratch otherwise.
func (m *Manager) Stop() {
	m.do(event{kind: evStop})
}

// Close stops the service and shuts down the loop, the emitter, and the
// radio. The manager is unusable afterwards.
func (m *Manager) Close() {
	select {
	case m.queue <- event{kind: evClose}:
	case <-m.quit:
	}
	<-m.stopped
}

// SaveLocalCard runs an edit through the local-card pipeline and pushes
// the fresh card to any idle subscribers.
func (m *Manager) SaveLocalCard(next card.Card) (card.Card, error) {
	res := m.do(event{kind: evSaveCard, card: next})
	return res.card, res.err
}

// LocalCard returns the device's own card.
func (m *Manager) LocalCard() card.Card {
	return m.do(event{kind: evQuery}).card
}

// Encounters returns the received cards, most recent first.
func (m *Manager) Encounters() []card.Card {
	return m.do(event{kind: evQuery}).cards
}

// Status returns a snapshot of the manager's state.
func (m *Manager) Status() Status {
	return m.do(event{kind: evQuery}).status
}

func (m *Manager) onRadioEvent(ev radio.Event) {
	select {
	case m.queue <- event{kind: evRadio, re: ev}:
	case <-m.quit:
	}
}

func (m *Manager) do(ev event) result {
	ev.reply = make(chan result, 1)
	select {
	case m.queue <- ev:
	case <-m.quit:
		return result{err: ErrClosed}
	}
	select {
	case res := <-ev.reply:
		return res
	case <-m.quit:
		// The loop may have replied just before shutting down.
		select {
		case res := <-ev.reply:
			return res
		default:
			return result{err: ErrClosed}
		}
	}
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		var ev event
		// External events (radio, commands) take priority; queued chunk
		// resumes run only when nothing external waits. A long send
		// therefore interleaves with stop() and incoming traffic.
		select {
		case ev = <-m.queue:
		default:
			if len(m.pending) > 0 {
				ev = m.pending[0]
				m.pending = m.pending[1:]
			} else {
				ev = <-m.queue
			}
		}
		if m.dispatch(ev) {
			return
		}
	}
}

func (m *Manager) dispatch(ev event) (closed bool) {
	switch ev.kind {
	case evRadio:
		m.onRadio(ev.re)
	case evResume:
		m.advanceSend(ev.key)
	case evStart:
		m.start()
		ev.reply <- result{}
	case evStop:
		m.stop()
		ev.reply <- result{}
	case evSaveCard:
		c, err := m.saveLocal(ev.card)
		ev.reply <- result{card: c, err: err}
	case evQuery:
		ev.reply <- result{card: m.local.Current(), cards: m.enc.Cards(), status: m.status()}
	case evClose:
		m.stop()
		close(m.quit)
		m.em.close()
		if err := m.r.Close(); err != nil {
			logger.Warn(m.prefix, "radio close: %v", err)
		}
		return true
	}
	return false
}

func (m *Manager) onRadio(ev radio.Event) {
	switch ev.Kind {
	case radio.EventAdapterState:
		m.onAdapterState(ev)
	case radio.EventDiscovered:
		m.onDiscovered(ev)
	case radio.EventConnected:
		m.onConnected(ev)
	case radio.EventConnectFailed:
		m.onConnectFailed(ev)
	case radio.EventDisconnected:
		m.onDisconnected(ev)
	case radio.EventChannelDiscovered:
		m.onChannelDiscovered(ev)
	case radio.EventSubscribed:
		m.onSubscribed(ev)
	case radio.EventReadResult:
		m.onReadResult(ev)
	case radio.EventWriteResult:
		m.onWriteResult(ev)
	case radio.EventValueUpdate:
		m.onValueUpdate(ev)
	case radio.EventWriteRequest:
		m.onWriteRequest(ev)
	case radio.EventReadRequest:
		m.onReadRequest(ev)
	case radio.EventSubscriberAdded:
		m.onSubscriberAdded(ev)
	case radio.EventSubscriberRemoved:
		m.onSubscriberRemoved(ev)
	case radio.EventReadyToSend:
		m.onReadyToSend(ev)
	case radio.EventAdvertising:
		m.onAdvertisingResult(ev)
	case radio.EventChannelPublished:
		m.onChannelPublished(ev)
	}
}

func (m *Manager) start() {
	if m.armed {
		return
	}
	m.armed = true
	m.note("🚀 exchange service armed")
	m.armOutbound()
	m.armInbound()
}

func (m *Manager) stop() {
	if !m.armed {
		return
	}
	m.armed = false
	m.note("🛑 exchange service stopped")
	if m.link.phase == phaseConnecting || m.link.phase == phaseConnected {
		m.link.closing = true
		m.r.Disconnect(m.link.peer)
	}
	m.r.StopScan()
	m.r.StopAdvertising()
	m.advertising = false
	m.link = link{}
	m.sends = make(map[chunk.Key]*chunk.SendState)
	m.waiting = make(map[chunk.Key]bool)
	m.pending = nil
	m.asm.Reset()
	m.subs = make(map[string]bool)
	// published survives: the channel stays in the GATT table for the
	// life of the process unless the radio itself resets.
}

func (m *Manager) onAdapterState(ev radio.Event) {
	m.note("⚡ %s radio %s", ev.Role, ev.State)
	if ev.Role == radio.RoleOutbound {
		m.outboundState = ev.State
		if ev.State == radio.StatePoweredOn {
			m.armOutbound()
		} else {
			if m.link.phase == phaseConnecting || m.link.phase == phaseConnected {
				m.cleanupLink("radio lost")
			}
			m.link = link{}
			if m.armed && ev.State != radio.StateUnknown {
				m.report(&Error{Kind: ErrRadioUnavailable, Err: fmt.Errorf("outbound radio %s", ev.State)})
			}
		}
	} else {
		m.inboundState = ev.State
		if ev.State == radio.StatePoweredOn {
			m.armInbound()
		} else {
			// A power cycle tears down the published table and every
			// subscriber with it.
			m.published = false
			m.advertising = false
			m.dropAllSubscribers()
			if m.armed && ev.State != radio.StateUnknown {
				m.report(&Error{Kind: ErrRadioUnavailable, Err: fmt.Errorf("inbound radio %s", ev.State)})
			}
		}
	}
	if m.events.StateChanged != nil {
		cb := m.events.StateChanged
		role, state := ev.Role, ev.State
		m.em.post(func() { cb(role, state) })
	}
}

// note logs one milestone line and mirrors it to the embedder's feed.
func (m *Manager) note(format string, args ...any) {
	logger.Info(m.prefix, format, args...)
	if m.events.Log != nil {
		cb := m.events.Log
		line := fmt.Sprintf(format, args...)
		m.em.post(func() { cb(line) })
	}
}

// report surfaces one failure occurrence: logged once, delivered to the
// embedder once. Incomplete deserialization never leaves the core.
func (m *Manager) report(e *Error) {
	if e.Kind == ErrDeserializationIncomplete {
		logger.Trace(m.prefix, "still buffering: %v", e.Err)
		return
	}
	logger.Error(m.prefix, "❌ %v", e)
	if m.events.ErrorOccurred != nil {
		cb := m.events.ErrorOccurred
		m.em.post(func() { cb(e) })
	}
}

func (m *Manager) saveLocal(next card.Card) (card.Card, error) {
	saved, err := m.local.Save(next)
	if err != nil {
		if errors.Is(err, store.ErrOwnerMismatch) {
			m.report(&Error{Kind: ErrInternalInconsistency, Err: err})
		}
		return card.Card{}, err
	}
	m.note("💾 local card saved (id %s)", shortID(saved.ID))
	// Idle subscribers get the fresh card right away; an in-flight push
	// finishes with the revision it started with.
	for peer := range m.subs {
		m.startInboundSend(peer)
	}
	return saved, nil
}

// acceptCard runs a fully decoded card through ingestion.
func (m *Manager) acceptCard(c card.Card, rssi int) {
	if c.OwnerID == m.local.Current().OwnerID {
		logger.Trace(m.prefix, "ignoring our own card echoed back")
		return
	}
	res, err := m.enc.Ingest(c, time.Now().UTC())
	if err != nil {
		logger.Error(m.prefix, "❌ persisting card from %s: %v", shortID(c.OwnerID), err)
		return
	}
	switch res {
	case store.Accepted:
		m.note("💾 stored %q from %s (%d total)", c.DisplayName, shortID(c.OwnerID), m.enc.Len())
		if m.events.CardReceived != nil {
			cb := m.events.CardReceived
			cc := c
			hint := rssi
			m.em.post(func() { cb(cc, hint) })
		}
	default:
		logger.Debug(m.prefix, "↩️  card from %s %s", shortID(c.OwnerID), res)
	}
}

func (m *Manager) status() Status {
	return Status{
		Armed:         m.armed,
		LinkPhase:     m.link.phase.String(),
		LinkPeer:      m.link.peer,
		Published:     m.published,
		Advertising:   m.advertising,
		Subscribers:   len(m.subs),
		ActiveSends:   len(m.sends),
		ActiveBuffers: m.asm.Active(),
	}
}

// resume queues one cursor advance behind any external events.
func (m *Manager) resume(key chunk.Key) {
	m.pending = append(m.pending, event{kind: evResume, key: key})
}

func (m *Manager) dropTransfers(key chunk.Key) {
	delete(m.sends, key)
	delete(m.waiting, key)
	m.asm.Drop(key)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
