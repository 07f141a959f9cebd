package radiosim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/aircard/radio"
)

const (
	waitFor  = 3 * time.Second
	waitTick = 5 * time.Millisecond
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &envelope{
		Op:      opWrite,
		Sender:  "device-1",
		Name:    "Pocket",
		Service: radio.ServiceUUID,
		Channel: radio.ExchangeCharUUID,
		Payload: []byte("hello there"),
		Status:  statusFailed,
		Offset:  4096,
		MTU:     185,
		Props:   propsMask(radio.ChannelProps{Read: true, Notify: true}),
		NoAck:   true,
	}
	out, err := parseEnvelope(in.marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	props := maskProps(out.Props)
	assert.True(t, props.Read)
	assert.False(t, props.Write)
	assert.True(t, props.Notify)
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	_, err := parseEnvelope([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	// Valid wire bytes but no op field.
	e := &envelope{Sender: "x"}
	raw := e.marshal()[2:] // strip the op tag+value
	_, err = parseEnvelope(raw)
	assert.Error(t, err)
}

func TestFrameReadRejectsOversize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], maxFrame+1)
		client.Write(hdr[:])
	}()
	_, err := readFrame(server)
	assert.Error(t, err)
}

func TestFrameRoundTripOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	in := &envelope{Op: opNotify, Channel: "c", Payload: []byte{1, 2, 3}, Offset: 20}
	go client.Write(frameBytes(in))
	out, err := readFrame(server)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNegotiateMTU(t *testing.T) {
	assert.Equal(t, 185, negotiateMTU(185, 512), "remote below local cap wins")
	assert.Equal(t, 185, negotiateMTU(512, 185), "local cap bounds the remote ask")
	assert.Equal(t, minMTU, negotiateMTU(10, 512), "floor holds")
	assert.Equal(t, 512, negotiateMTU(0, 512), "zero ask falls back to local cap")
}

func TestTxtToMap(t *testing.T) {
	m := txtToMap([]string{"device_id=abc", "service=s", "junk", "=nokey", "name=Pocket Device"})
	assert.Equal(t, "abc", m["device_id"])
	assert.Equal(t, "Pocket Device", m["name"])
	_, ok := m[""]
	assert.False(t, ok)
}

// eventLog captures radio events for assertions. Handlers run on the
// sim's dispatch goroutine, so everything is mutex-guarded.
type eventLog struct {
	mu  sync.Mutex
	evs []radio.Event
}

func (e *eventLog) handler(ev radio.Event) {
	e.mu.Lock()
	e.evs = append(e.evs, ev)
	e.mu.Unlock()
}

func (e *eventLog) all(kind radio.EventKind) []radio.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []radio.Event
	for _, ev := range e.evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *eventLog) count(kind radio.EventKind) int {
	return len(e.all(kind))
}

func (e *eventLog) last(kind radio.EventKind) (radio.Event, bool) {
	evs := e.all(kind)
	if len(evs) == 0 {
		return radio.Event{}, false
	}
	return evs[len(evs)-1], true
}

func (e *eventLog) clear() {
	e.mu.Lock()
	e.evs = nil
	e.mu.Unlock()
}

func newSim(t *testing.T, dir, id string, mutate func(*Config)) (*SimRadio, *eventLog) {
	t.Helper()
	cfg := Config{DeviceID: id, Dir: dir, ScanInterval: 20 * time.Millisecond, Seed: 1}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	log := &eventLog{}
	s.SetHandler(log.handler)
	t.Cleanup(func() { s.Close() })
	return s, log
}

func connect(t *testing.T, a *SimRadio, alog *eventLog, peer string) {
	t.Helper()
	require.NoError(t, a.Connect(peer))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventConnected) > 0
	}, waitFor, waitTick, "link never came up")
}

func TestHandlerGetsPoweredOnOnce(t *testing.T) {
	dir := t.TempDir()
	s, log := newSim(t, dir, uuid.New().String(), nil)
	require.Eventually(t, func() bool {
		return log.count(radio.EventAdapterState) == 2
	}, waitFor, waitTick)

	states := log.all(radio.EventAdapterState)
	roles := map[radio.Role]radio.State{}
	for _, ev := range states {
		roles[ev.Role] = ev.State
	}
	assert.Equal(t, radio.StatePoweredOn, roles[radio.RoleOutbound])
	assert.Equal(t, radio.StatePoweredOn, roles[radio.RoleInbound])

	// Re-installing the handler must not replay adapter state.
	s.SetHandler(log.handler)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, log.count(radio.EventAdapterState))
}

func TestScanFindsAdvertisedPeer(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, _ := newSim(t, dir, idB, nil)

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Read: true}))
	require.NoError(t, b.StartAdvertising(radio.ServiceUUID, "Bravo"))
	require.NoError(t, a.StartScan(radio.ServiceUUID))

	require.Eventually(t, func() bool {
		return alog.count(radio.EventDiscovered) > 0
	}, waitFor, waitTick, "advertised peer never discovered")

	ev, _ := alog.last(radio.EventDiscovered)
	assert.Equal(t, idB, ev.Peer)
	assert.Equal(t, "Bravo", ev.Name)
	assert.Negative(t, ev.RSSI)

	// Stopping advertising removes the sidecar; discovery dries up.
	b.StopAdvertising()
	time.Sleep(60 * time.Millisecond)
	alog.clear()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, alog.count(radio.EventDiscovered), "still discovering a silent peer")
}

func TestScanIgnoresForeignService(t *testing.T) {
	dir := t.TempDir()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	b, _ := newSim(t, dir, uuid.New().String(), nil)

	require.NoError(t, b.StartAdvertising("0000AAAA-0000-1000-8000-00805F9B34FB", "Other"))
	require.NoError(t, a.StartScan(radio.ServiceUUID))
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, alog.count(radio.EventDiscovered))
}

func TestConnectNegotiatesMTU(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), func(c *Config) { c.MaxMTU = 185 })
	b, _ := newSim(t, dir, idB, nil) // default 512 cap

	connect(t, a, alog, idB)
	assert.Equal(t, 185-writeOverhead, a.MaxPayload(idB))
	require.Eventually(t, func() bool {
		return b.MaxPayload(a.cfg.DeviceID) == 185-writeOverhead
	}, waitFor, waitTick, "accepted side settled on a different mtu")
}

func TestConnectFailsWhenPeerAbsent(t *testing.T) {
	dir := t.TempDir()
	a, alog := newSim(t, dir, uuid.New().String(), nil)

	require.NoError(t, a.Connect(uuid.New().String()))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventConnectFailed) == 1
	}, waitFor, waitTick)
	ev, _ := alog.last(radio.EventConnectFailed)
	assert.Error(t, ev.Err)
}

func TestDiscoverChannelReportsProps(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	b, _ := newSim(t, dir, idB, nil)

	props := radio.ChannelProps{Read: true, Write: true, Notify: true}
	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, props))

	connect(t, a, alog, idB)
	require.NoError(t, a.DiscoverChannel(idB, radio.ServiceUUID, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventChannelDiscovered) == 1
	}, waitFor, waitTick)

	ev, _ := alog.last(radio.EventChannelDiscovered)
	require.NoError(t, ev.Err)
	assert.Equal(t, props, ev.Props)
	assert.Equal(t, radio.ExchangeCharUUID, ev.Channel)
}

func TestDiscoverUnpublishedChannelFails(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	newSim(t, dir, idB, nil)

	connect(t, a, alog, idB)
	require.NoError(t, a.DiscoverChannel(idB, radio.ServiceUUID, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventChannelDiscovered) == 1
	}, waitFor, waitTick)
	ev, _ := alog.last(radio.EventChannelDiscovered)
	assert.Error(t, ev.Err)
}

func TestSubscribeThenNotifyCarriesOffsets(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, blog := newSim(t, dir, idB, nil)

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Notify: true}))
	connect(t, a, alog, idB)

	require.NoError(t, a.Subscribe(idB, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventSubscribed) == 1 && blog.count(radio.EventSubscriberAdded) == 1
	}, waitFor, waitTick)
	sub, _ := blog.last(radio.EventSubscriberAdded)
	assert.Equal(t, idA, sub.Peer)

	require.NoError(t, b.Notify(idA, radio.ExchangeCharUUID, []byte("first"), 0))
	require.NoError(t, b.Notify(idA, radio.ExchangeCharUUID, []byte("second"), 5))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventValueUpdate) == 2
	}, waitFor, waitTick)

	updates := alog.all(radio.EventValueUpdate)
	assert.Equal(t, []byte("first"), updates[0].Data)
	assert.Equal(t, 0, updates[0].Offset)
	assert.Equal(t, []byte("second"), updates[1].Data)
	assert.Equal(t, 5, updates[1].Offset)
}

func TestNotifyWithoutSubscriptionFails(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, _ := newSim(t, dir, idB, nil)

	connect(t, a, alog, idB)
	err := b.Notify(idA, radio.ExchangeCharUUID, []byte("x"), 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, radio.ErrSendBusy)
}

func TestNotifyWindowFillsAndDrains(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, blog := newSim(t, dir, idB, func(c *Config) { c.NotifyWindow = 2 })

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Notify: true}))
	connect(t, a, alog, idB)
	require.NoError(t, a.Subscribe(idB, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return blog.count(radio.EventSubscriberAdded) == 1
	}, waitFor, waitTick)

	// Pump without yielding until the window fills. Acks need two socket
	// hops, so a tight loop always gets ahead of them.
	sent := 0
	busy := false
	for i := 0; i < 10000 && !busy; i++ {
		err := b.Notify(idA, radio.ExchangeCharUUID, []byte{byte(i)}, i)
		if errors.Is(err, radio.ErrSendBusy) {
			busy = true
			break
		}
		require.NoError(t, err)
		sent++
	}
	require.True(t, busy, "window never filled")

	// Acks restore credits and announce readiness.
	require.Eventually(t, func() bool {
		return blog.count(radio.EventReadyToSend) > 0
	}, waitFor, waitTick)
	require.NoError(t, b.Notify(idA, radio.ExchangeCharUUID, []byte("more"), sent))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventValueUpdate) == sent+1
	}, waitFor, waitTick, "parked fragment never arrived")
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, blog := newSim(t, dir, idB, nil)

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Write: true}))
	connect(t, a, alog, idB)

	// Auto-ack writes on the receiving side.
	require.NoError(t, a.Write(idB, radio.ExchangeCharUUID, []byte("payload"), 42, true))
	require.Eventually(t, func() bool {
		return blog.count(radio.EventWriteRequest) == 1
	}, waitFor, waitTick)

	req, _ := blog.last(radio.EventWriteRequest)
	assert.Equal(t, idA, req.Peer)
	assert.Equal(t, []byte("payload"), req.Data)
	assert.Equal(t, 42, req.Offset)
	require.NotNil(t, req.Respond)

	req.Respond(true)
	require.Eventually(t, func() bool {
		return alog.count(radio.EventWriteResult) == 1
	}, waitFor, waitTick)
	res, _ := alog.last(radio.EventWriteResult)
	assert.NoError(t, res.Err)

	// A refused write surfaces as an errored result.
	require.NoError(t, a.Write(idB, radio.ExchangeCharUUID, []byte("again"), 0, true))
	require.Eventually(t, func() bool {
		return blog.count(radio.EventWriteRequest) == 2
	}, waitFor, waitTick)
	req, _ = blog.last(radio.EventWriteRequest)
	req.Respond(false)
	require.Eventually(t, func() bool {
		return alog.count(radio.EventWriteResult) == 2
	}, waitFor, waitTick)
	res, _ = alog.last(radio.EventWriteResult)
	assert.Error(t, res.Err)
}

func TestWriteWithoutResponseSkipsAck(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	b, blog := newSim(t, dir, idB, nil)

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Write: true}))
	connect(t, a, alog, idB)

	require.NoError(t, a.Write(idB, radio.ExchangeCharUUID, []byte("fire and forget"), 0, false))
	require.Eventually(t, func() bool {
		return blog.count(radio.EventWriteRequest) == 1
	}, waitFor, waitTick)
	req, _ := blog.last(radio.EventWriteRequest)
	req.Respond(true) // no-op respond; nothing must come back
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, alog.count(radio.EventWriteResult))
}

func TestOversizeWriteRefused(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), func(c *Config) { c.MaxMTU = 64 })
	newSim(t, dir, idB, nil)

	connect(t, a, alog, idB)
	err := a.Write(idB, radio.ExchangeCharUUID, bytes.Repeat([]byte{7}, 62), 0, true)
	assert.Error(t, err, "fragment above mtu-3 must be refused locally")
	assert.NoError(t, a.Write(idB, radio.ExchangeCharUUID, bytes.Repeat([]byte{7}, 61), 0, true))
}

func TestLongReadAssemblesWholeValue(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	b, _ := newSim(t, dir, idB, nil)

	value := bytes.Repeat([]byte("0123456789"), 130) // 1300 bytes, several read chunks at mtu 512
	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Read: true}))
	b.SetHandler(func(ev radio.Event) {
		if ev.Kind != radio.EventReadRequest {
			return
		}
		if ev.Offset >= len(value) {
			ev.Reply(nil, true)
			return
		}
		ev.Reply(value[ev.Offset:], true)
	})

	connect(t, a, alog, idB)
	require.NoError(t, a.Read(idB, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventReadResult) == 1
	}, waitFor, waitTick)

	res, _ := alog.last(radio.EventReadResult)
	require.NoError(t, res.Err)
	assert.Equal(t, value, res.Data)
}

func TestReadRefusalSurfacesError(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	b, _ := newSim(t, dir, idB, nil)

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Read: true}))
	b.SetHandler(func(ev radio.Event) {
		if ev.Kind == radio.EventReadRequest {
			ev.Reply(nil, false)
		}
	})

	connect(t, a, alog, idB)
	require.NoError(t, a.Read(idB, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return alog.count(radio.EventReadResult) == 1
	}, waitFor, waitTick)
	res, _ := alog.last(radio.EventReadResult)
	assert.Error(t, res.Err)
	assert.Empty(t, res.Data)
}

func TestRenegotiateMTUReachesBothSides(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, _ := newSim(t, dir, idB, nil)

	connect(t, a, alog, idB)
	require.Eventually(t, func() bool {
		return b.MaxPayload(idA) > 0
	}, waitFor, waitTick)

	require.NoError(t, b.RenegotiateMTU(idA, 64))
	assert.Equal(t, 64-writeOverhead, b.MaxPayload(idA))
	require.Eventually(t, func() bool {
		return a.MaxPayload(idB) == 64-writeOverhead
	}, waitFor, waitTick, "initiator never saw the new mtu")
}

func TestDisconnectIsCleanForInitiatorAndSubscriber(t *testing.T) {
	dir := t.TempDir()
	idA, idB := uuid.New().String(), uuid.New().String()
	a, alog := newSim(t, dir, idA, nil)
	b, blog := newSim(t, dir, idB, nil)

	require.NoError(t, b.PublishChannel(radio.ServiceUUID, radio.ExchangeCharUUID, radio.ChannelProps{Notify: true}))
	connect(t, a, alog, idB)
	require.NoError(t, a.Subscribe(idB, radio.ExchangeCharUUID))
	require.Eventually(t, func() bool {
		return blog.count(radio.EventSubscriberAdded) == 1
	}, waitFor, waitTick)

	a.Disconnect(idB)
	require.Eventually(t, func() bool {
		return alog.count(radio.EventDisconnected) == 1 && blog.count(radio.EventSubscriberRemoved) == 1
	}, waitFor, waitTick)

	ev, _ := alog.last(radio.EventDisconnected)
	assert.NoError(t, ev.Err, "requested disconnect must read as clean")
	removed, _ := blog.last(radio.EventSubscriberRemoved)
	assert.Equal(t, idA, removed.Peer)
	assert.Equal(t, radio.ExchangeCharUUID, removed.Channel)
}

func TestPeerVanishingReadsAsLinkLoss(t *testing.T) {
	dir := t.TempDir()
	idB := uuid.New().String()
	a, alog := newSim(t, dir, uuid.New().String(), nil)
	b, _ := newSim(t, dir, idB, nil)

	connect(t, a, alog, idB)
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return alog.count(radio.EventDisconnected) == 1
	}, waitFor, waitTick)
	ev, _ := alog.last(radio.EventDisconnected)
	assert.Error(t, ev.Err, "peer crash must not read as clean close")
}

func TestCloseRemovesSocketAndSidecar(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New().String()
	s, _ := newSim(t, dir, id, nil)
	require.NoError(t, s.StartAdvertising(radio.ServiceUUID, "Gone Soon"))

	sock := s.socketPath(id)
	adv := s.advPath(id)
	require.NoError(t, s.Close())
	assert.NoFileExists(t, sock)
	assert.NoFileExists(t, adv)

	require.NoError(t, s.Close(), "close is idempotent")
}
