package exchange

import (
	"errors"

	"github.com/user/aircard/card"
	"github.com/user/aircard/chunk"
	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
)

// Outbound track: scan, connect to one peer at a time, discover the
// exchange channel, subscribe or read for their card, write ours in
// chunks, then close the link once both halves settle.

func (m *Manager) armOutbound() {
	if !m.armed || m.outboundState != radio.StatePoweredOn {
		return
	}
	if m.link.phase != phaseIdle {
		return
	}
	if err := m.r.StartScan(m.cfg.ServiceUUID); err != nil {
		m.report(&Error{Kind: ErrRadioUnavailable, Err: err})
		return
	}
	m.link = link{phase: phaseScanning}
	m.note("📡 scanning for %s", m.cfg.ServiceUUID)
}

func (m *Manager) outboundKey() chunk.Key {
	return chunk.Key{Peer: m.link.peer, Channel: m.cfg.ChannelUUID, Direction: chunk.DirOutbound}
}

func (m *Manager) onDiscovered(ev radio.Event) {
	if !m.armed {
		return
	}
	if m.link.phase != phaseScanning {
		// Busy with another peer. Discoveries are dropped, not queued;
		// anyone still around gets picked up by the next scan pass.
		logger.Trace(m.prefix, "ignoring %s while %s", shortID(ev.Peer), m.link.phase)
		return
	}
	m.note("🔍 discovered %s %q rssi=%d", shortID(ev.Peer), ev.Name, ev.RSSI)
	m.link = link{phase: phaseConnecting, peer: ev.Peer, rssi: ev.RSSI}
	if err := m.r.Connect(ev.Peer); err != nil {
		m.report(&Error{Kind: ErrConnectionFailed, Peer: ev.Peer, Err: err})
		m.link = link{phase: phaseScanning}
	}
}

func (m *Manager) onConnected(ev radio.Event) {
	if m.link.phase != phaseConnecting || m.link.peer != ev.Peer {
		return
	}
	m.link.phase = phaseConnected
	m.note("🔗 connected to %s", shortID(ev.Peer))
	if err := m.r.DiscoverChannel(ev.Peer, m.cfg.ServiceUUID, m.cfg.ChannelUUID); err != nil {
		m.failLink(&Error{Kind: ErrChannelSetupFailed, Peer: ev.Peer, Err: err})
	}
}

func (m *Manager) onConnectFailed(ev radio.Event) {
	if m.link.phase != phaseConnecting || m.link.peer != ev.Peer {
		return
	}
	m.report(&Error{Kind: ErrConnectionFailed, Peer: ev.Peer, Err: ev.Err})
	m.link = link{phase: phaseScanning}
}

func (m *Manager) onDisconnected(ev radio.Event) {
	if m.link.peer == ev.Peer && m.link.phase >= phaseConnecting {
		if ev.Err != nil && !m.link.closing {
			logger.Warn(m.prefix, "⚠️ link to %s dropped: %v", shortID(ev.Peer), ev.Err)
		}
		m.cleanupLink("disconnected")
		return
	}
	// Stray disconnect for a link already torn down locally.
	m.dropTransfers(chunk.Key{Peer: ev.Peer, Channel: m.cfg.ChannelUUID, Direction: chunk.DirOutbound})
}

func (m *Manager) onChannelDiscovered(ev radio.Event) {
	if m.link.phase != phaseConnected || m.link.peer != ev.Peer {
		return
	}
	if ev.Err != nil {
		m.failLink(&Error{Kind: ErrChannelSetupFailed, Peer: ev.Peer, Err: ev.Err})
		return
	}
	m.link.props = ev.Props
	m.link.propsKnown = true
	logger.Debug(m.prefix, "🧭 channel on %s: read=%v write=%v notify=%v",
		shortID(ev.Peer), ev.Props.Read, ev.Props.Write, ev.Props.Notify)
	switch {
	case ev.Props.Notify:
		if err := m.r.Subscribe(ev.Peer, m.cfg.ChannelUUID); err != nil {
			m.failLink(&Error{Kind: ErrChannelOperationFailed, Peer: ev.Peer, Err: err})
			return
		}
	case ev.Props.Read:
		if err := m.r.Read(ev.Peer, m.cfg.ChannelUUID); err != nil {
			m.failLink(&Error{Kind: ErrChannelOperationFailed, Peer: ev.Peer, Err: err})
			return
		}
	default:
		// Their channel pushes nothing and serves nothing.
		m.link.recvDone = true
	}
	m.beginOutboundSend()
	m.checkCompletion()
}

func (m *Manager) onSubscribed(ev radio.Event) {
	if m.link.phase != phaseConnected || m.link.peer != ev.Peer {
		return
	}
	if ev.Err != nil {
		m.report(&Error{Kind: ErrChannelOperationFailed, Peer: ev.Peer, Err: ev.Err})
		if m.link.props.Read {
			// Fall back to pulling their card.
			if err := m.r.Read(ev.Peer, m.cfg.ChannelUUID); err != nil {
				m.abortLink()
			}
			return
		}
		// No pull path either: their card can never arrive.
		m.abortLink()
		return
	}
	m.link.subscribed = true
	logger.Debug(m.prefix, "🔔 subscribed on %s", shortID(ev.Peer))
}

func (m *Manager) onReadResult(ev radio.Event) {
	if m.link.phase != phaseConnected || m.link.peer != ev.Peer {
		return
	}
	if ev.Err != nil {
		m.report(&Error{Kind: ErrChannelOperationFailed, Peer: ev.Peer, Err: ev.Err})
		if !m.link.subscribed {
			m.abortLink()
		}
		return
	}
	m.ingestOutbound(ev.Data, ev.Offset == 0)
}

func (m *Manager) onValueUpdate(ev radio.Event) {
	if m.link.phase != phaseConnected || m.link.peer != ev.Peer {
		return
	}
	m.ingestOutbound(ev.Data, ev.Offset == 0)
}

// ingestOutbound feeds one fragment of the peer's card into reassembly.
func (m *Manager) ingestOutbound(data []byte, reset bool) {
	key := m.outboundKey()
	outcome, c, err := m.asm.Ingest(key, data, reset)
	switch outcome {
	case chunk.NeedMore:
		logger.Trace(m.prefix, "📥 %s buffered %d bytes", key, m.asm.Pending(key))
	case chunk.Complete:
		m.note("📥 received card from %s", shortID(key.Peer))
		m.acceptCard(*c, m.link.rssi)
		m.link.recvDone = true
		m.link.received = true
		m.checkCompletion()
	case chunk.Aborted:
		m.failLink(&Error{Kind: ErrDeserializationInvalid, Peer: key.Peer, Err: err})
	}
}

// beginOutboundSend encodes the local card and starts the chunk pump
// toward the connected peer.
func (m *Manager) beginOutboundSend() {
	peer := m.link.peer
	if !m.link.props.Write {
		logger.Warn(m.prefix, "⚠️ channel on %s not writable, receive-only exchange", shortID(peer))
		m.link.sendDone = true
		return
	}
	key := m.outboundKey()
	if _, exists := m.sends[key]; exists {
		logger.Warn(m.prefix, "⚠️ send to %s already running", shortID(peer))
		return
	}
	data, err := card.Encode(m.local.Current())
	if err != nil {
		m.report(&Error{Kind: ErrSerialization, Err: err})
		m.link.sendDone = true
		return
	}
	m.sends[key] = chunk.NewSendState(key, data)
	m.note("📤 sending card to %s (%d bytes)", shortID(peer), len(data))
	m.resume(key)
}

// advanceSend cuts and ships one fragment for the given transfer, then
// either waits for an ack (outbound writes), queues the next advance
// (inbound notifies), or parks on a busy transport.
func (m *Manager) advanceSend(key chunk.Key) {
	s := m.sends[key]
	if s == nil {
		return // torn down while the resume sat in the queue
	}
	if key.Direction == chunk.DirOutbound &&
		(m.link.phase != phaseConnected || m.link.peer != key.Peer) {
		m.dropTransfers(key)
		return
	}
	size := m.r.MaxPayload(key.Peer)
	if size <= 0 {
		size = fallbackPayload
	}
	frag, err := s.Next(size)
	if err != nil {
		m.dropTransfers(key)
		if key.Direction == chunk.DirOutbound {
			m.failLink(&Error{Kind: ErrChannelOperationFailed, Peer: key.Peer, Err: err})
		}
		return
	}
	if frag == nil {
		m.finishSend(key)
		return
	}
	sent, total := s.Progress()
	offset := sent - len(frag)
	var werr error
	if key.Direction == chunk.DirOutbound {
		werr = m.r.Write(key.Peer, key.Channel, frag, offset, true)
	} else {
		werr = m.r.Notify(key.Peer, key.Channel, frag, offset)
	}
	switch {
	case werr == nil:
		logger.Trace(m.prefix, "📦 %s bytes %d..%d of %d", key, offset, sent, total)
		if key.Direction == chunk.DirInbound {
			// Notifications carry no ack; yield, then keep pumping.
			m.resume(key)
		}
	case errors.Is(werr, radio.ErrSendBusy):
		s.Rewind(len(frag))
		m.waiting[key] = true
		logger.Trace(m.prefix, "⏳ %s parked at %d/%d, transport busy", key, offset, total)
	default:
		m.dropTransfers(key)
		if key.Direction == chunk.DirOutbound {
			m.failLink(&Error{Kind: ErrChannelOperationFailed, Peer: key.Peer, Err: werr})
		} else {
			logger.Warn(m.prefix, "⚠️ notify to %s failed: %v", shortID(key.Peer), werr)
		}
	}
}

func (m *Manager) finishSend(key chunk.Key) {
	delete(m.sends, key)
	delete(m.waiting, key)
	if key.Direction == chunk.DirOutbound {
		if m.link.peer == key.Peer {
			m.link.sendDone = true
			m.link.sentAll = true
			m.note("✅ card sent to %s", shortID(key.Peer))
			m.checkCompletion()
		}
		return
	}
	m.note("✅ card pushed to subscriber %s", shortID(key.Peer))
}

func (m *Manager) onWriteResult(ev radio.Event) {
	if m.link.phase != phaseConnected || m.link.peer != ev.Peer {
		return
	}
	if ev.Err != nil {
		m.failLink(&Error{Kind: ErrChannelOperationFailed, Peer: ev.Peer, Err: ev.Err})
		return
	}
	key := m.outboundKey()
	if m.sends[key] != nil && !m.waiting[key] {
		m.resume(key)
	}
}

func (m *Manager) onReadyToSend(ev radio.Event) {
	for key := range m.waiting {
		if key.Peer == ev.Peer {
			delete(m.waiting, key)
			m.resume(key)
		}
	}
}

// checkCompletion fires once both halves of the exchange have settled,
// reports the outcome, and proactively closes the link so both radios
// get back to discovery.
func (m *Manager) checkCompletion() {
	if m.link.phase != phaseConnected || !m.link.propsKnown {
		return
	}
	if !m.link.sendDone || !m.link.recvDone {
		return
	}
	peer := m.link.peer
	full := m.link.sentAll && m.link.received
	if full {
		m.note("🤝 exchange with %s complete", shortID(peer))
	} else {
		m.note("🤝 exchange with %s settled (sent=%v received=%v)",
			shortID(peer), m.link.sentAll, m.link.received)
	}
	if m.events.ExchangeCompleted != nil {
		cb := m.events.ExchangeCompleted
		m.em.post(func() { cb(peer, full) })
	}
	m.link.closing = true
	m.r.Disconnect(peer)
	m.cleanupLink("exchange settled")
}

// failLink reports the error once, then closes the link.
func (m *Manager) failLink(e *Error) {
	m.report(e)
	m.abortLink()
}

// abortLink closes the link without reporting anything.
func (m *Manager) abortLink() {
	if m.link.phase == phaseConnecting || m.link.phase == phaseConnected {
		m.link.closing = true
		m.r.Disconnect(m.link.peer)
	}
	m.cleanupLink("aborted")
}

// cleanupLink drops the link's transfer state and returns to scanning.
func (m *Manager) cleanupLink(reason string) {
	if m.link.peer != "" {
		logger.Debug(m.prefix, "🔌 link %s closed: %s", shortID(m.link.peer), reason)
		m.dropTransfers(m.outboundKey())
	}
	m.link = link{}
	m.armOutbound()
}
