package radiosim

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/aircard/radio"
)

// Link frames are length-prefixed protobuf wire bytes. The envelope is
// hand-rolled over protowire so the format stays stable and inspectable
// without a codegen step.

type op uint64

const (
	opHello op = iota + 1
	opHelloAck
	opDiscover
	opDiscoverResult
	opSubscribe
	opSubscribeResult
	opUnsubscribe
	opRead
	opReadResult
	opWrite
	opWriteResult
	opNotify
	opNotifyAck
	opMTU
)

func (o op) String() string {
	switch o {
	case opHello:
		return "hello"
	case opHelloAck:
		return "helloAck"
	case opDiscover:
		return "discover"
	case opDiscoverResult:
		return "discoverResult"
	case opSubscribe:
		return "subscribe"
	case opSubscribeResult:
		return "subscribeResult"
	case opUnsubscribe:
		return "unsubscribe"
	case opRead:
		return "read"
	case opReadResult:
		return "readResult"
	case opWrite:
		return "write"
	case opWriteResult:
		return "writeResult"
	case opNotify:
		return "notify"
	case opNotifyAck:
		return "notifyAck"
	case opMTU:
		return "mtu"
	}
	return fmt.Sprintf("op(%d)", uint64(o))
}

const (
	statusOK     uint64 = 0
	statusFailed uint64 = 1
)

// envelope field numbers, fixed for wire compatibility.
const (
	fieldOp      = 1
	fieldSender  = 2
	fieldName    = 3
	fieldChannel = 4
	fieldPayload = 5
	fieldStatus  = 6
	fieldOffset  = 7
	fieldMTU     = 8
	fieldProps   = 9
	fieldNoAck   = 10
	fieldService = 11
)

type envelope struct {
	Op      op
	Sender  string
	Name    string
	Service string
	Channel string
	Payload []byte
	Status  uint64
	Offset  uint64
	MTU     uint64
	Props   uint64
	NoAck   bool
}

func (e *envelope) marshal() []byte {
	b := protowire.AppendTag(nil, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Op))
	if e.Sender != "" {
		b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
		b = protowire.AppendString(b, e.Sender)
	}
	if e.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, e.Name)
	}
	if e.Service != "" {
		b = protowire.AppendTag(b, fieldService, protowire.BytesType)
		b = protowire.AppendString(b, e.Service)
	}
	if e.Channel != "" {
		b = protowire.AppendTag(b, fieldChannel, protowire.BytesType)
		b = protowire.AppendString(b, e.Channel)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Status)
	}
	if e.Offset != 0 {
		b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Offset)
	}
	if e.MTU != 0 {
		b = protowire.AppendTag(b, fieldMTU, protowire.VarintType)
		b = protowire.AppendVarint(b, e.MTU)
	}
	if e.Props != 0 {
		b = protowire.AppendTag(b, fieldProps, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Props)
	}
	if e.NoAck {
		b = protowire.AppendTag(b, fieldNoAck, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func parseEnvelope(data []byte) (*envelope, error) {
	e := &envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldOp:
				e.Op = op(v)
			case fieldStatus:
				e.Status = v
			case fieldOffset:
				e.Offset = v
			case fieldMTU:
				e.MTU = v
			case fieldProps:
				e.Props = v
			case fieldNoAck:
				e.NoAck = v != 0
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldSender:
				e.Sender = string(v)
			case fieldName:
				e.Name = string(v)
			case fieldService:
				e.Service = string(v)
			case fieldChannel:
				e.Channel = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if e.Op == 0 {
		return nil, fmt.Errorf("radiosim: frame missing op")
	}
	return e, nil
}

// maxFrame bounds a single link frame; well above any document plus
// envelope overhead.
const maxFrame = 1 << 20

func readFrame(conn net.Conn) (*envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("radiosim: bad frame length %d", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return parseEnvelope(data)
}

func frameBytes(e *envelope) []byte {
	data := e.marshal()
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	return frame
}

func propsMask(p radio.ChannelProps) uint64 {
	var m uint64
	if p.Read {
		m |= 1
	}
	if p.Write {
		m |= 2
	}
	if p.Notify {
		m |= 4
	}
	return m
}

func maskProps(m uint64) radio.ChannelProps {
	return radio.ChannelProps{Read: m&1 != 0, Write: m&2 != 0, Notify: m&4 != 0}
}
