package exchange

import (
	"github.com/user/aircard/card"
	"github.com/user/aircard/chunk"
	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
)

// Inbound track: publish the exchange channel once, advertise, push our
// card to whoever subscribes, and assemble cards written to us.

func (m *Manager) armInbound() {
	if !m.armed || m.inboundState != radio.StatePoweredOn {
		return
	}
	if !m.published {
		props := radio.ChannelProps{Read: true, Write: true, Notify: true}
		if err := m.r.PublishChannel(m.cfg.ServiceUUID, m.cfg.ChannelUUID, props); err != nil {
			m.report(&Error{Kind: ErrChannelSetupFailed, Err: err})
			return
		}
		logger.Debug(m.prefix, "📋 publishing exchange channel")
		return // advertising starts once the publish confirms
	}
	m.startAdvertising()
}

func (m *Manager) onChannelPublished(ev radio.Event) {
	if ev.Err != nil {
		m.published = false
		m.report(&Error{Kind: ErrChannelSetupFailed, Err: ev.Err})
		return
	}
	m.published = true
	m.note("📋 exchange channel published")
	if m.armed {
		m.startAdvertising()
	}
}

func (m *Manager) startAdvertising() {
	if m.advertising {
		return
	}
	if err := m.r.StartAdvertising(m.cfg.ServiceUUID, m.cfg.LocalName); err != nil {
		m.report(&Error{Kind: ErrAdvertisingFailed, Err: err})
		return
	}
	m.advertising = true
	m.note("📣 advertising as %q", m.cfg.LocalName)
}

func (m *Manager) onAdvertisingResult(ev radio.Event) {
	if ev.Err != nil {
		m.advertising = false
		m.report(&Error{Kind: ErrAdvertisingFailed, Err: ev.Err})
	}
}

func (m *Manager) inboundKey(peer string) chunk.Key {
	return chunk.Key{Peer: peer, Channel: m.cfg.ChannelUUID, Direction: chunk.DirInbound}
}

func (m *Manager) onSubscriberAdded(ev radio.Event) {
	if !m.armed {
		return
	}
	if m.subs[ev.Peer] {
		return // duplicate subscribe; any running push keeps going
	}
	m.subs[ev.Peer] = true
	m.note("🔔 %s subscribed", shortID(ev.Peer))
	m.startInboundSend(ev.Peer)
}

func (m *Manager) onSubscriberRemoved(ev radio.Event) {
	if m.subs[ev.Peer] {
		logger.Debug(m.prefix, "🔕 %s unsubscribed", shortID(ev.Peer))
	}
	delete(m.subs, ev.Peer)
	m.dropTransfers(m.inboundKey(ev.Peer))
}

// startInboundSend pushes the current card to one subscriber, unless a
// push to them is already running.
func (m *Manager) startInboundSend(peer string) {
	key := m.inboundKey(peer)
	if _, exists := m.sends[key]; exists {
		return
	}
	data, err := card.Encode(m.local.Current())
	if err != nil {
		m.report(&Error{Kind: ErrSerialization, Err: err})
		return
	}
	m.sends[key] = chunk.NewSendState(key, data)
	m.note("📤 pushing card to %s (%d bytes)", shortID(peer), len(data))
	m.resume(key)
}

func (m *Manager) dropAllSubscribers() {
	for peer := range m.subs {
		m.dropTransfers(m.inboundKey(peer))
	}
	m.subs = make(map[string]bool)
}

// onWriteRequest assembles card fragments a remote writes to our channel.
// Partial-but-plausible fragments are acked so the writer's confirmations
// keep flowing; only a hopeless buffer is refused.
func (m *Manager) onWriteRequest(ev radio.Event) {
	respond := ev.Respond
	if respond == nil {
		respond = func(bool) {}
	}
	if !m.armed {
		respond(false)
		return
	}
	key := chunk.Key{Peer: ev.Peer, Channel: ev.Channel, Direction: chunk.DirInbound}
	outcome, c, err := m.asm.Ingest(key, ev.Data, ev.Offset == 0)
	switch outcome {
	case chunk.NeedMore:
		respond(true)
		logger.Trace(m.prefix, "📥 %s buffered %d bytes", key, m.asm.Pending(key))
	case chunk.Complete:
		respond(true)
		m.note("📥 received card from %s", shortID(ev.Peer))
		m.acceptCard(*c, 0)
	case chunk.Aborted:
		respond(false)
		m.report(&Error{Kind: ErrDeserializationInvalid, Peer: ev.Peer, Err: err})
	}
}

// onReadRequest serves the current card, honoring long-read offsets.
func (m *Manager) onReadRequest(ev radio.Event) {
	reply := ev.Reply
	if reply == nil {
		reply = func([]byte, bool) {}
	}
	if !m.armed {
		reply(nil, false)
		return
	}
	data, err := card.Encode(m.local.Current())
	if err != nil {
		m.report(&Error{Kind: ErrSerialization, Err: err})
		reply(nil, false)
		return
	}
	if ev.Offset < 0 || ev.Offset > len(data) {
		reply(nil, false)
		return
	}
	reply(data[ev.Offset:], true)
	logger.Debug(m.prefix, "📖 %s read card at offset %d", shortID(ev.Peer), ev.Offset)
}
