//go:build linux

// Package bleradio adapts the BlueZ stack (through tinygo.org/x/bluetooth)
// to the radio capability. The stack hides several things the capability
// models, so the adapter fills the gaps the way the events document:
//
//   - CCCD subscriptions are not surfaced, so every central that connects
//     while the channel is published counts as a subscriber. Notifications
//     to a central that never subscribed are dropped by the stack.
//   - Notifications cannot target one central; they broadcast to every
//     subscriber on the channel.
//   - Write requests carry the ATT value offset, not the sender's transfer
//     offset, so EventWriteRequest and EventValueUpdate report Offset -1.
//   - Characteristic property flags are not readable on discovered
//     channels; the exchange channel is always published with
//     read/write/notify, so discovery reports that shape.
package bleradio

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
)

const (
	attOverhead = 3
	readBufSize = 64 * 1024
)

// BLERadio drives one BlueZ adapter in both roles. It satisfies
// radio.Radio.
type BLERadio struct {
	adapter *bluetooth.Adapter
	prefix  string

	mu          sync.Mutex
	handler     radio.Handler
	stateSent   bool
	scanning    bool
	advertising bool
	published   bool
	pubChannel  string
	results     map[string]bluetooth.ScanResult
	dialing     map[string]bool
	conns       map[string]*centralConn
	subs        map[string]bool
	closed      bool

	adv  *bluetooth.Advertisement
	char bluetooth.Characteristic

	events chan radio.Event
	quit   chan struct{}
	wg     sync.WaitGroup
}

// centralConn is one link this side dialed.
type centralConn struct {
	device   bluetooth.Device
	char     bluetooth.DeviceCharacteristic
	haveChar bool
	mtu      int
	closing  bool
}

// New enables the default adapter. Failure here usually means bluetoothd
// is not running or the process lacks permission.
func New() (*BLERadio, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bleradio: enable adapter: %w", err)
	}
	r := &BLERadio{
		adapter: adapter,
		prefix:  "bleradio",
		results: make(map[string]bluetooth.ScanResult),
		dialing: make(map[string]bool),
		conns:   make(map[string]*centralConn),
		subs:    make(map[string]bool),
		events:  make(chan radio.Event, 256),
		quit:    make(chan struct{}),
	}
	adapter.SetConnectHandler(r.onConnectChange)
	r.wg.Add(1)
	go r.dispatchLoop()
	return r, nil
}

func (r *BLERadio) SetHandler(h radio.Handler) {
	r.mu.Lock()
	r.handler = h
	first := !r.stateSent
	r.stateSent = true
	r.mu.Unlock()
	if first {
		// The adapter was enabled in New; BlueZ reports no later state
		// transitions through this stack, so power-on is all we ever see.
		r.post(radio.Event{Kind: radio.EventAdapterState, Role: radio.RoleOutbound, State: radio.StatePoweredOn})
		r.post(radio.Event{Kind: radio.EventAdapterState, Role: radio.RoleInbound, State: radio.StatePoweredOn})
	}
}

func (r *BLERadio) post(ev radio.Event) {
	select {
	case r.events <- ev:
	case <-r.quit:
	}
}

func (r *BLERadio) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.mu.Lock()
			h := r.handler
			r.mu.Unlock()
			if h != nil {
				h(ev)
			}
		case <-r.quit:
			return
		}
	}
}

// onConnectChange fires for links in either direction. Our own dials are
// reported by the dial goroutine; anything else connecting while the
// channel is up is a central worth pushing to.
func (r *BLERadio) onConnectChange(device bluetooth.Device, connected bool) {
	peer := device.Address.String()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if connected {
		ours := r.dialing[peer] || r.conns[peer] != nil
		subscriber := r.published && !ours && !r.subs[peer]
		if subscriber {
			r.subs[peer] = true
		}
		channel := r.pubChannel
		r.mu.Unlock()
		if subscriber {
			logger.Debug(r.prefix, "central %s connected", peer)
			r.post(radio.Event{Kind: radio.EventSubscriberAdded, Peer: peer, Channel: channel})
		}
		return
	}

	conn := r.conns[peer]
	delete(r.conns, peer)
	closing := conn != nil && conn.closing
	wasSub := r.subs[peer]
	delete(r.subs, peer)
	channel := r.pubChannel
	r.mu.Unlock()

	if conn != nil {
		var err error
		if !closing {
			err = errors.New("bleradio: link lost")
		}
		r.post(radio.Event{Kind: radio.EventDisconnected, Peer: peer, Err: err})
	}
	if wasSub {
		r.post(radio.Event{Kind: radio.EventSubscriberRemoved, Peer: peer, Channel: channel})
	}
}

// ---- outbound (central) track ----

func (r *BLERadio) StartScan(serviceID string) error {
	uid, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return fmt.Errorf("bleradio: bad service uuid: %w", err)
	}
	r.mu.Lock()
	if r.scanning || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Scan blocks until StopScan.
		err := r.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !res.HasServiceUUID(uid) {
				return
			}
			peer := res.Address.String()
			r.mu.Lock()
			r.results[peer] = res
			r.mu.Unlock()
			r.post(radio.Event{
				Kind: radio.EventDiscovered,
				Peer: peer,
				Name: res.LocalName(),
				RSSI: int(res.RSSI),
			})
		})
		if err != nil {
			logger.Warn(r.prefix, "scan ended: %v", err)
		}
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
	}()
	return nil
}

func (r *BLERadio) StopScan() {
	r.mu.Lock()
	scanning := r.scanning
	r.mu.Unlock()
	if scanning {
		r.adapter.StopScan()
	}
}

func (r *BLERadio) Connect(peer string) error {
	r.mu.Lock()
	res, seen := r.results[peer]
	if !seen {
		r.mu.Unlock()
		return radio.ErrUnknownPeer
	}
	if r.dialing[peer] || r.conns[peer] != nil {
		r.mu.Unlock()
		return fmt.Errorf("bleradio: already linked to %s", peer)
	}
	r.dialing[peer] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		device, err := r.adapter.Connect(res.Address, bluetooth.ConnectionParams{})
		r.mu.Lock()
		delete(r.dialing, peer)
		if err == nil {
			r.conns[peer] = &centralConn{device: device}
		}
		r.mu.Unlock()
		if err != nil {
			r.post(radio.Event{Kind: radio.EventConnectFailed, Peer: peer, Err: err})
			return
		}
		logger.Info(r.prefix, "connected to %s", peer)
		r.post(radio.Event{Kind: radio.EventConnected, Peer: peer})
	}()
	return nil
}

func (r *BLERadio) Disconnect(peer string) {
	r.mu.Lock()
	conn := r.conns[peer]
	if conn != nil {
		conn.closing = true
	}
	r.mu.Unlock()
	if conn != nil {
		conn.device.Disconnect()
	}
}

func (r *BLERadio) conn(peer string) *centralConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[peer]
}

// channelOf snapshots the discovered characteristic under the lock;
// DeviceCharacteristic is a value and safe to use from any goroutine.
func (r *BLERadio) channelOf(peer string) (bluetooth.DeviceCharacteristic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[peer]
	if c == nil || !c.haveChar {
		return bluetooth.DeviceCharacteristic{}, false
	}
	return c.char, true
}

func (r *BLERadio) DiscoverChannel(peer, serviceID, channelID string) error {
	conn := r.conn(peer)
	if conn == nil {
		return radio.ErrUnknownPeer
	}
	svcUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return fmt.Errorf("bleradio: bad service uuid: %w", err)
	}
	chUUID, err := bluetooth.ParseUUID(channelID)
	if err != nil {
		return fmt.Errorf("bleradio: bad channel uuid: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fail := func(err error) {
			r.post(radio.Event{Kind: radio.EventChannelDiscovered, Peer: peer, Channel: channelID, Err: err})
		}
		svcs, err := conn.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			fail(err)
			return
		}
		if len(svcs) == 0 {
			fail(errors.New("bleradio: service not found"))
			return
		}
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chUUID})
		if err != nil {
			fail(err)
			return
		}
		if len(chars) == 0 {
			fail(errors.New("bleradio: channel not found"))
			return
		}

		mtu := 0
		if m, err := chars[0].GetMTU(); err == nil {
			mtu = int(m)
		}
		r.mu.Lock()
		if c := r.conns[peer]; c != nil {
			c.char = chars[0]
			c.haveChar = true
			c.mtu = mtu
		}
		r.mu.Unlock()
		logger.Debug(r.prefix, "channel on %s ready (mtu %d)", peer, mtu)
		r.post(radio.Event{
			Kind:    radio.EventChannelDiscovered,
			Peer:    peer,
			Channel: channelID,
			Props:   radio.ChannelProps{Read: true, Write: true, Notify: true},
		})
	}()
	return nil
}

func (r *BLERadio) Subscribe(peer, channelID string) error {
	ch, ok := r.channelOf(peer)
	if !ok {
		return radio.ErrUnknownPeer
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := ch.EnableNotifications(func(buf []byte) {
			// The stack reuses the buffer.
			data := make([]byte, len(buf))
			copy(data, buf)
			r.post(radio.Event{
				Kind:    radio.EventValueUpdate,
				Peer:    peer,
				Channel: channelID,
				Data:    data,
				Offset:  -1,
			})
		})
		r.post(radio.Event{Kind: radio.EventSubscribed, Peer: peer, Channel: channelID, Err: err})
	}()
	return nil
}

func (r *BLERadio) Read(peer, channelID string) error {
	ch, ok := r.channelOf(peer)
	if !ok {
		return radio.ErrUnknownPeer
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// BlueZ performs the offset reads internally and hands back the
		// whole value.
		buf := make([]byte, readBufSize)
		n, err := ch.Read(buf)
		ev := radio.Event{Kind: radio.EventReadResult, Peer: peer, Channel: channelID, Err: err}
		if err == nil {
			ev.Data = buf[:n]
		}
		r.post(ev)
	}()
	return nil
}

func (r *BLERadio) Write(peer, channelID string, data []byte, offset int, withResponse bool) error {
	ch, ok := r.channelOf(peer)
	if !ok {
		return radio.ErrUnknownPeer
	}
	d := make([]byte, len(data))
	copy(d, data)
	if !withResponse {
		_, err := ch.WriteWithoutResponse(d)
		return err
	}
	// The request round trip can take tens of milliseconds; run it off
	// the caller and deliver the ack as an event. The exchange core never
	// overlaps acked writes, so ordering holds.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err := ch.Write(d)
		r.post(radio.Event{Kind: radio.EventWriteResult, Peer: peer, Channel: channelID, Err: err})
	}()
	return nil
}

func (r *BLERadio) MaxPayload(peer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[peer]
	if conn == nil || conn.mtu == 0 {
		return 0
	}
	return conn.mtu - attOverhead
}

// ---- inbound (peripheral) track ----

func (r *BLERadio) PublishChannel(serviceID, channelID string, props radio.ChannelProps) error {
	svcUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return fmt.Errorf("bleradio: bad service uuid: %w", err)
	}
	chUUID, err := bluetooth.ParseUUID(channelID)
	if err != nil {
		return fmt.Errorf("bleradio: bad channel uuid: %w", err)
	}

	var flags bluetooth.CharacteristicPermissions
	if props.Read {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if props.Write {
		flags |= bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if props.Notify {
		flags |= bluetooth.CharacteristicNotifyPermission
	}

	err = r.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{{
			UUID:   chUUID,
			Flags:  flags,
			Handle: &r.char,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				data := make([]byte, len(value))
				copy(data, value)
				// The stack acks writes itself and does not say which
				// central wrote; one shared identity covers them.
				r.post(radio.Event{
					Kind:    radio.EventWriteRequest,
					Peer:    fmt.Sprintf("central-%d", client),
					Channel: channelID,
					Data:    data,
					Offset:  -1,
				})
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("bleradio: publish channel: %w", err)
	}

	r.mu.Lock()
	r.published = true
	r.pubChannel = channelID
	r.mu.Unlock()
	logger.Info(r.prefix, "GATT table published")
	r.post(radio.Event{Kind: radio.EventChannelPublished})
	return nil
}

func (r *BLERadio) StartAdvertising(serviceID, localName string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return fmt.Errorf("bleradio: bad service uuid: %w", err)
	}
	r.mu.Lock()
	if r.advertising || r.closed {
		r.mu.Unlock()
		return nil
	}
	adv := r.adapter.DefaultAdvertisement()
	r.adv = adv
	r.mu.Unlock()

	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	})
	if err == nil {
		err = adv.Start()
	}
	if err != nil {
		r.post(radio.Event{Kind: radio.EventAdvertising, Err: err})
		return nil
	}
	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()
	logger.Info(r.prefix, "advertising as %q", localName)
	r.post(radio.Event{Kind: radio.EventAdvertising})
	return nil
}

func (r *BLERadio) StopAdvertising() {
	r.mu.Lock()
	adv := r.adv
	advertising := r.advertising
	r.advertising = false
	r.mu.Unlock()
	if advertising && adv != nil {
		adv.Stop()
	}
}

func (r *BLERadio) Notify(peer, channelID string, data []byte, offset int) error {
	r.mu.Lock()
	published := r.published
	known := r.subs[peer]
	r.mu.Unlock()
	if !published || !known {
		return radio.ErrUnknownPeer
	}
	// Broadcasts to every subscriber; peer and offset cannot be carried.
	_, err := r.char.Write(data)
	return err
}

func (r *BLERadio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*centralConn, 0, len(r.conns))
	for _, c := range r.conns {
		c.closing = true
		conns = append(conns, c)
	}
	r.mu.Unlock()

	r.StopScan()
	r.StopAdvertising()
	for _, c := range conns {
		c.device.Disconnect()
	}
	close(r.quit)
	r.wg.Wait()
	return nil
}
