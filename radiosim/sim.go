// Package radiosim implements radio.Radio over unix sockets (or TCP in
// LAN mode) so the exchange core can be exercised without Bluetooth
// hardware. Every simulated device owns one listening socket; a link is
// one dialed connection, so a dual-role pair talking both ways holds two
// sockets. The simulator mirrors the shape of a real stack: MTU is
// negotiated per link and may change mid-transfer, notifications are
// credit-windowed and return ErrSendBusy when the window is empty, and
// long reads are chunked internally so the caller sees one result.
package radiosim

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
)

const (
	minMTU = 23  // BLE floor
	maxMTU = 512 // ATT cap

	// ATT opcode/handle overheads per PDU kind.
	writeOverhead = 3
	readOverhead  = 1

	handshakeTimeout = 5 * time.Second
)

// Config shapes one simulated device.
type Config struct {
	// DeviceID is the stable identity announced to peers. Required.
	DeviceID string
	// Dir holds sockets and advertising sidecars; devices sharing a Dir
	// can see each other. Defaults to <tmp>/aircard-sim.
	Dir string
	// MaxMTU is this device's negotiation ceiling. Peers settle on the
	// smaller of the two ceilings, clamped to the BLE floor of 23.
	MaxMTU int
	// NotifyWindow is how many unacked notifications may be in flight per
	// subscriber before Notify reports ErrSendBusy.
	NotifyWindow int
	// ScanInterval is the advertising poll cadence.
	ScanInterval time.Duration
	// ConnectDelay is the upper bound of the simulated connection setup
	// time. Zero connects immediately.
	ConnectDelay time.Duration
	// FailureRate is the probability in [0,1) that a Connect attempt ends
	// in EventConnectFailed instead of a link.
	FailureRate float64
	// LAN switches discovery to mDNS and links to TCP so devices on
	// different hosts can find each other.
	LAN bool
	// LANPort fixes the TCP listener port in LAN mode; zero picks a free
	// one. The mDNS record carries whichever port was bound.
	LANPort int
	// Seed fixes the randomness for reproducible runs. Zero seeds from
	// the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = filepath.Join(os.TempDir(), "aircard-sim")
	}
	if c.MaxMTU <= 0 {
		c.MaxMTU = maxMTU
	}
	if c.MaxMTU < minMTU {
		c.MaxMTU = minMTU
	}
	if c.MaxMTU > maxMTU {
		c.MaxMTU = maxMTU
	}
	if c.NotifyWindow <= 0 {
		c.NotifyWindow = 8
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 300 * time.Millisecond
	}
	return c
}

// linkKey separates the two directions a dual-role pair can hold open:
// the link we dialed and the link the peer dialed.
type linkKey struct {
	peer      string
	initiated bool
}

type publishedChannel struct {
	service string
	channel string
	props   radio.ChannelProps
}

// SimRadio is one simulated device. It satisfies radio.Radio.
type SimRadio struct {
	cfg    Config
	prefix string

	mu          sync.Mutex
	handler     radio.Handler
	stateSent   bool
	links       map[linkKey]*simLink
	published   *publishedChannel
	advertising bool
	scanning    bool
	scanStop    chan struct{}
	addrs       map[string]string // LAN: peer id -> host:port
	zc          zeroconfServer
	closed      bool

	listener net.Listener

	events chan radio.Event
	quit   chan struct{}
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// zeroconfServer is what we need from the mDNS registration; an
// interface keeps Close from depending on LAN mode.
type zeroconfServer interface {
	Shutdown()
}

// New brings up the device's listener and event loop. The device is
// invisible until StartAdvertising and answers nothing until a channel
// is published.
func New(cfg Config) (*SimRadio, error) {
	cfg = cfg.withDefaults()
	if cfg.DeviceID == "" {
		return nil, errors.New("radiosim: Config.DeviceID required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("radiosim: create dir: %w", err)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &SimRadio{
		cfg:    cfg,
		prefix: fmt.Sprintf("%s sim", short(cfg.DeviceID)),
		links:  make(map[linkKey]*simLink),
		addrs:  make(map[string]string),
		events: make(chan radio.Event, 256),
		quit:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(seed)),
	}

	var ln net.Listener
	var err error
	if cfg.LAN {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.LANPort))
	} else {
		path := s.socketPath(cfg.DeviceID)
		os.Remove(path)
		ln, err = net.Listen("unix", path)
	}
	if err != nil {
		return nil, fmt.Errorf("radiosim: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(2)
	go s.acceptLoop()
	go s.dispatchLoop()
	return s, nil
}

func (s *SimRadio) SetHandler(h radio.Handler) {
	s.mu.Lock()
	s.handler = h
	first := !s.stateSent
	s.stateSent = true
	s.mu.Unlock()
	if first {
		// Both tracks share the simulated adapter and come up together.
		s.post(radio.Event{Kind: radio.EventAdapterState, Role: radio.RoleOutbound, State: radio.StatePoweredOn})
		s.post(radio.Event{Kind: radio.EventAdapterState, Role: radio.RoleInbound, State: radio.StatePoweredOn})
	}
}

// post hands an event to the dispatch goroutine. Handlers never run on
// a caller's or a read loop's stack.
func (s *SimRadio) post(ev radio.Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *SimRadio) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h(ev)
			}
		case <-s.quit:
			return
		}
	}
}

// simLink is one direction of a connected pair: the socket, the
// negotiated MTU, and per-direction protocol state.
type simLink struct {
	r         *SimRadio
	peer      string
	initiated bool
	conn      net.Conn

	sendMu sync.Mutex

	mu         sync.Mutex
	mtu        int
	closing    bool
	subscribed bool   // accepted side: peer subscribed to our channel
	subChannel string // accepted side: which channel they subscribed to
	credits    int    // accepted side: notify window remaining
	reading    bool   // initiated side: long read in flight
	readChan   string
	readBuf    []byte
}

func (l *simLink) send(env *envelope) error {
	frame := frameBytes(env)
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("radiosim: send %s to %s: %w", env.Op, short(l.peer), err)
	}
	return nil
}

func (l *simLink) payload(overhead int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu - overhead
}

func (s *SimRadio) link(peer string, initiated bool) *simLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[linkKey{peer, initiated}]
}

func (s *SimRadio) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		type deadliner interface{ SetDeadline(time.Time) error }
		if d, ok := s.listener.(deadliner); ok {
			d.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.quit:
			default:
				logger.Warn(s.prefix, "accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleInbound(conn)
	}
}

// handleInbound runs the accepted side of a link: hello handshake, MTU
// answer, then the frame loop until the peer hangs up.
func (s *SimRadio) handleInbound(conn net.Conn) {
	defer s.wg.Done()
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := readFrame(conn)
	if err != nil || hello.Op != opHello || hello.Sender == "" {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	mtu := negotiateMTU(int(hello.MTU), s.cfg.MaxMTU)
	l := &simLink{r: s, peer: hello.Sender, initiated: false, conn: conn, mtu: mtu, credits: s.cfg.NotifyWindow}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	key := linkKey{hello.Sender, false}
	if old := s.links[key]; old != nil {
		// Peer reconnected before we noticed the old socket die.
		old.conn.Close()
	}
	s.links[key] = l
	s.mu.Unlock()

	if err := l.send(&envelope{Op: opHelloAck, Sender: s.cfg.DeviceID, MTU: uint64(mtu)}); err != nil {
		s.dropLink(l)
		return
	}
	logger.Debug(s.prefix, "accepted link from %s (mtu %d)", short(hello.Sender), mtu)
	l.frameLoop()
	s.dropLink(l)
}

func (l *simLink) frameLoop() {
	for {
		env, err := readFrame(l.conn)
		if err != nil {
			if err != io.EOF {
				logger.Trace(l.r.prefix, "link %s: %v", short(l.peer), err)
			}
			return
		}
		l.r.handleFrame(l, env)
	}
}

// dropLink tears down one link and reports its loss the way the real
// stack would: a Disconnected event for links we dialed, a
// SubscriberRemoved for accepted links that were subscribed.
func (s *SimRadio) dropLink(l *simLink) {
	l.conn.Close()
	s.mu.Lock()
	key := linkKey{l.peer, l.initiated}
	if s.links[key] == l {
		delete(s.links, key)
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	l.mu.Lock()
	closing := l.closing
	subscribed := l.subscribed
	subChannel := l.subChannel
	l.mu.Unlock()

	if l.initiated {
		var err error
		if !closing {
			err = errors.New("radiosim: link lost")
		}
		s.post(radio.Event{Kind: radio.EventDisconnected, Peer: l.peer, Err: err})
	} else if subscribed {
		s.post(radio.Event{Kind: radio.EventSubscriberRemoved, Peer: l.peer, Channel: subChannel})
	}
	logger.Debug(s.prefix, "link %s down", short(l.peer))
}

// handleFrame reacts to one envelope from a peer. Replies go straight
// back down the same link; anything the embedder must see is posted.
func (s *SimRadio) handleFrame(l *simLink, env *envelope) {
	switch env.Op {
	case opDiscover:
		s.mu.Lock()
		pub := s.published
		s.mu.Unlock()
		resp := &envelope{Op: opDiscoverResult, Channel: env.Channel}
		if pub != nil && pub.service == env.Service && pub.channel == env.Channel {
			resp.Props = propsMask(pub.props)
		} else {
			resp.Status = statusFailed
		}
		if err := l.send(resp); err != nil {
			logger.Trace(s.prefix, "%v", err)
		}

	case opDiscoverResult:
		ev := radio.Event{Kind: radio.EventChannelDiscovered, Peer: l.peer, Channel: env.Channel}
		if env.Status == statusOK {
			ev.Props = maskProps(env.Props)
		} else {
			ev.Err = fmt.Errorf("radiosim: peer has no channel %s", short(env.Channel))
		}
		s.post(ev)

	case opSubscribe:
		l.mu.Lock()
		l.subscribed = true
		l.subChannel = env.Channel
		l.credits = s.cfg.NotifyWindow
		l.mu.Unlock()
		if err := l.send(&envelope{Op: opSubscribeResult, Channel: env.Channel}); err != nil {
			logger.Trace(s.prefix, "%v", err)
			return
		}
		s.post(radio.Event{Kind: radio.EventSubscriberAdded, Peer: l.peer, Channel: env.Channel})

	case opSubscribeResult:
		ev := radio.Event{Kind: radio.EventSubscribed, Peer: l.peer, Channel: env.Channel}
		if env.Status != statusOK {
			ev.Err = errors.New("radiosim: subscribe refused")
		}
		s.post(ev)

	case opUnsubscribe:
		l.mu.Lock()
		was := l.subscribed
		l.subscribed = false
		l.mu.Unlock()
		if was {
			s.post(radio.Event{Kind: radio.EventSubscriberRemoved, Peer: l.peer, Channel: env.Channel})
		}

	case opRead:
		// Answer with at most one read-chunk of the value; the initiator
		// keeps issuing offset reads until a short chunk arrives.
		chunk := l.payload(readOverhead)
		offset := env.Offset
		s.post(radio.Event{
			Kind:    radio.EventReadRequest,
			Peer:    l.peer,
			Channel: env.Channel,
			Offset:  int(offset),
			Reply: func(data []byte, ok bool) {
				resp := &envelope{Op: opReadResult, Channel: env.Channel, Offset: offset}
				if !ok {
					resp.Status = statusFailed
				} else {
					if len(data) > chunk {
						data = data[:chunk]
					}
					resp.Payload = data
				}
				if err := l.send(resp); err != nil {
					logger.Trace(s.prefix, "%v", err)
				}
			},
		})

	case opReadResult:
		s.continueRead(l, env)

	case opWrite:
		respond := func(bool) {}
		if !env.NoAck {
			respond = func(ok bool) {
				resp := &envelope{Op: opWriteResult, Channel: env.Channel}
				if !ok {
					resp.Status = statusFailed
				}
				if err := l.send(resp); err != nil {
					logger.Trace(s.prefix, "%v", err)
				}
			}
		}
		s.post(radio.Event{
			Kind:    radio.EventWriteRequest,
			Peer:    l.peer,
			Channel: env.Channel,
			Data:    env.Payload,
			Offset:  int(env.Offset),
			Respond: respond,
		})

	case opWriteResult:
		ev := radio.Event{Kind: radio.EventWriteResult, Peer: l.peer, Channel: env.Channel}
		if env.Status != statusOK {
			ev.Err = errors.New("radiosim: write rejected")
		}
		s.post(ev)

	case opNotify:
		s.post(radio.Event{
			Kind:    radio.EventValueUpdate,
			Peer:    l.peer,
			Channel: env.Channel,
			Data:    env.Payload,
			Offset:  int(env.Offset),
		})
		if err := l.send(&envelope{Op: opNotifyAck, Channel: env.Channel}); err != nil {
			logger.Trace(s.prefix, "%v", err)
		}

	case opNotifyAck:
		l.mu.Lock()
		wasEmpty := l.credits == 0
		l.credits++
		l.mu.Unlock()
		if wasEmpty {
			s.post(radio.Event{Kind: radio.EventReadyToSend, Peer: l.peer})
		}

	case opMTU:
		l.mu.Lock()
		l.mtu = int(env.MTU)
		l.mu.Unlock()
		logger.Debug(s.prefix, "link %s mtu now %d", short(l.peer), env.MTU)

	default:
		logger.Trace(s.prefix, "ignoring %s from %s", env.Op, short(l.peer))
	}
}

// continueRead accumulates long-read chunks on the initiated side. A
// chunk shorter than the read payload ends the value; the embedder sees
// one EventReadResult with the whole thing.
func (s *SimRadio) continueRead(l *simLink, env *envelope) {
	if env.Status != statusOK {
		l.mu.Lock()
		ch := l.readChan
		l.reading = false
		l.readBuf = nil
		l.mu.Unlock()
		s.post(radio.Event{Kind: radio.EventReadResult, Peer: l.peer, Channel: ch, Err: errors.New("radiosim: read refused")})
		return
	}
	chunk := l.payload(readOverhead)
	l.mu.Lock()
	if !l.reading {
		l.mu.Unlock()
		return
	}
	l.readBuf = append(l.readBuf, env.Payload...)
	done := len(env.Payload) < chunk
	ch := l.readChan
	var buf []byte
	var next uint64
	if done {
		buf = l.readBuf
		l.reading = false
		l.readBuf = nil
	} else {
		next = uint64(len(l.readBuf))
	}
	l.mu.Unlock()

	if done {
		s.post(radio.Event{Kind: radio.EventReadResult, Peer: l.peer, Channel: ch, Data: buf})
		return
	}
	if err := l.send(&envelope{Op: opRead, Channel: ch, Offset: next}); err != nil {
		logger.Trace(s.prefix, "%v", err)
	}
}

// ---- outbound (central) track ----

func (s *SimRadio) Connect(peer string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("radiosim: closed")
	}
	if _, up := s.links[linkKey{peer, true}]; up {
		s.mu.Unlock()
		return fmt.Errorf("radiosim: already linked to %s", short(peer))
	}
	s.mu.Unlock()
	s.wg.Add(1)
	go s.dial(peer)
	return nil
}

func (s *SimRadio) dial(peer string) {
	defer s.wg.Done()
	if d := s.cfg.ConnectDelay; d > 0 {
		select {
		case <-time.After(s.jitter(d)):
		case <-s.quit:
			return
		}
	}
	if s.cfg.FailureRate > 0 && s.roll() < s.cfg.FailureRate {
		s.post(radio.Event{Kind: radio.EventConnectFailed, Peer: peer, Err: errors.New("radiosim: interference")})
		return
	}

	conn, err := s.dialPeer(peer)
	if err != nil {
		s.post(radio.Event{Kind: radio.EventConnectFailed, Peer: peer, Err: err})
		return
	}

	hello := &envelope{Op: opHello, Sender: s.cfg.DeviceID, MTU: uint64(s.cfg.MaxMTU)}
	if _, err := conn.Write(frameBytes(hello)); err != nil {
		conn.Close()
		s.post(radio.Event{Kind: radio.EventConnectFailed, Peer: peer, Err: err})
		return
	}
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	ack, err := readFrame(conn)
	if err != nil || ack.Op != opHelloAck {
		conn.Close()
		s.post(radio.Event{Kind: radio.EventConnectFailed, Peer: peer, Err: errors.New("radiosim: handshake failed")})
		return
	}
	conn.SetReadDeadline(time.Time{})

	mtu := negotiateMTU(int(ack.MTU), s.cfg.MaxMTU)
	l := &simLink{r: s, peer: peer, initiated: true, conn: conn, mtu: mtu}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.links[linkKey{peer, true}] = l
	s.mu.Unlock()

	logger.Info(s.prefix, "link to %s up (mtu %d)", short(peer), mtu)
	s.post(radio.Event{Kind: radio.EventConnected, Peer: peer})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.frameLoop()
		s.dropLink(l)
	}()
}

func (s *SimRadio) dialPeer(peer string) (net.Conn, error) {
	if s.cfg.LAN {
		s.mu.Lock()
		addr := s.addrs[peer]
		s.mu.Unlock()
		if addr == "" {
			return nil, fmt.Errorf("radiosim: no address for %s", short(peer))
		}
		return net.DialTimeout("tcp", addr, handshakeTimeout)
	}
	return net.DialTimeout("unix", s.socketPath(peer), handshakeTimeout)
}

func (s *SimRadio) Disconnect(peer string) {
	l := s.link(peer, true)
	if l == nil {
		return
	}
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.conn.Close()
}

func (s *SimRadio) DiscoverChannel(peer, serviceID, channelID string) error {
	l := s.link(peer, true)
	if l == nil {
		return radio.ErrUnknownPeer
	}
	return l.send(&envelope{Op: opDiscover, Service: serviceID, Channel: channelID})
}

func (s *SimRadio) Subscribe(peer, channelID string) error {
	l := s.link(peer, true)
	if l == nil {
		return radio.ErrUnknownPeer
	}
	return l.send(&envelope{Op: opSubscribe, Channel: channelID})
}

func (s *SimRadio) Read(peer, channelID string) error {
	l := s.link(peer, true)
	if l == nil {
		return radio.ErrUnknownPeer
	}
	l.mu.Lock()
	if l.reading {
		l.mu.Unlock()
		return fmt.Errorf("radiosim: read already running on %s", short(peer))
	}
	l.reading = true
	l.readChan = channelID
	l.readBuf = nil
	l.mu.Unlock()
	return l.send(&envelope{Op: opRead, Channel: channelID})
}

func (s *SimRadio) Write(peer, channelID string, data []byte, offset int, withResponse bool) error {
	l := s.link(peer, true)
	if l == nil {
		return radio.ErrUnknownPeer
	}
	if max := l.payload(writeOverhead); len(data) > max {
		return fmt.Errorf("radiosim: %d bytes exceeds link payload %d", len(data), max)
	}
	return l.send(&envelope{
		Op:      opWrite,
		Channel: channelID,
		Payload: data,
		Offset:  uint64(offset),
		NoAck:   !withResponse,
	})
}

func (s *SimRadio) MaxPayload(peer string) int {
	l := s.link(peer, true)
	if l == nil {
		if l = s.link(peer, false); l == nil {
			return 0
		}
	}
	return l.payload(writeOverhead)
}

// ---- inbound (peripheral) track ----

func (s *SimRadio) PublishChannel(serviceID, channelID string, props radio.ChannelProps) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("radiosim: closed")
	}
	s.published = &publishedChannel{service: serviceID, channel: channelID, props: props}
	s.mu.Unlock()
	logger.Debug(s.prefix, "published channel %s", short(channelID))
	s.post(radio.Event{Kind: radio.EventChannelPublished})
	return nil
}

func (s *SimRadio) Notify(peer, channelID string, data []byte, offset int) error {
	l := s.link(peer, false)
	if l == nil {
		return radio.ErrUnknownPeer
	}
	l.mu.Lock()
	if !l.subscribed {
		l.mu.Unlock()
		return fmt.Errorf("radiosim: %s is not subscribed", short(peer))
	}
	if max := l.mtu - writeOverhead; len(data) > max {
		l.mu.Unlock()
		return fmt.Errorf("radiosim: %d bytes exceeds link payload %d", len(data), max)
	}
	if l.credits == 0 {
		l.mu.Unlock()
		return radio.ErrSendBusy
	}
	l.credits--
	l.mu.Unlock()
	err := l.send(&envelope{Op: opNotify, Channel: channelID, Payload: data, Offset: uint64(offset)})
	if err != nil {
		l.mu.Lock()
		l.credits++
		l.mu.Unlock()
	}
	return err
}

// RenegotiateMTU changes the link MTU mid-flight, as real stacks may do
// after connection parameter updates. Both ends see the new value; the
// bench uses this to shake out fragment-size assumptions.
func (s *SimRadio) RenegotiateMTU(peer string, mtu int) error {
	mtu = negotiateMTU(mtu, s.cfg.MaxMTU)
	for _, initiated := range []bool{true, false} {
		l := s.link(peer, initiated)
		if l == nil {
			continue
		}
		l.mu.Lock()
		l.mtu = mtu
		l.mu.Unlock()
		return l.send(&envelope{Op: opMTU, MTU: uint64(mtu)})
	}
	return radio.ErrUnknownPeer
}

func (s *SimRadio) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := make([]*simLink, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	scanStop := s.scanStop
	s.scanStop = nil
	s.scanning = false
	zc := s.zc
	s.zc = nil
	advertising := s.advertising
	s.advertising = false
	s.mu.Unlock()

	close(s.quit)
	if scanStop != nil {
		close(scanStop)
	}
	s.listener.Close()
	for _, l := range links {
		l.conn.Close()
	}
	if zc != nil {
		zc.Shutdown()
	}
	s.wg.Wait()

	if advertising && !s.cfg.LAN {
		os.Remove(s.advPath(s.cfg.DeviceID))
	}
	if !s.cfg.LAN {
		os.Remove(s.socketPath(s.cfg.DeviceID))
	}
	logger.Debug(s.prefix, "closed")
	return nil
}

// ---- helpers ----

func negotiateMTU(remote, localMax int) int {
	mtu := remote
	if mtu <= 0 || mtu > localMax {
		mtu = localMax
	}
	if mtu < minMTU {
		mtu = minMTU
	}
	return mtu
}

func (s *SimRadio) socketPath(id string) string {
	return filepath.Join(s.cfg.Dir, "aircard-"+id+".sock")
}

func (s *SimRadio) advPath(id string) string {
	return filepath.Join(s.cfg.Dir, "aircard-"+id+".adv.json")
}

func (s *SimRadio) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// jitter spreads a delay over [d/2, d].
func (s *SimRadio) jitter(d time.Duration) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return d/2 + time.Duration(s.rng.Int63n(int64(d/2)+1))
}

// rssi fakes signal strength around a plausible near-field base.
func (s *SimRadio) rssi() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return -50 - s.rng.Intn(21)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
