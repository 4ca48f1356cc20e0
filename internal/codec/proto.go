package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"clusterd/internal/clock"
	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/reachability"
	"clusterd/internal/transport"
)

// Proto encodes messages in the protobuf wire format. The schema is
//
//	Frame             { uint32 kind = 1; bytes payload = 2; }
//	UniqueAddress     { string host = 1; uint32 port = 2; uint64 incarnation = 3; }
//	Member            { UniqueAddress node = 1; uint32 status = 2; repeated string roles = 3; uint32 up_number = 4; }
//	Record            { UniqueAddress observer = 1; UniqueAddress subject = 2; uint32 status = 3; int64 version = 4; }
//	ObserverVersion   { UniqueAddress observer = 1; int64 version = 2; }
//	ClockEntry        { string node = 1; int64 counter = 2; }
//	Gossip            { repeated Member members = 1; repeated UniqueAddress seen = 2;
//	                    repeated Record records = 3; repeated ObserverVersion versions = 4;
//	                    repeated ClockEntry version = 5; }
//	GossipEnvelope    { UniqueAddress from = 1; UniqueAddress to = 2; Gossip gossip = 3; }
//	GossipStatus      { UniqueAddress from = 1; UniqueAddress to = 2; repeated ClockEntry version = 3; }
//	Heartbeat         { UniqueAddress from = 1; UniqueAddress to = 2; uint64 seq = 3; }
//	HeartbeatResponse { UniqueAddress from = 1; uint64 seq = 2; }
//	JoinRequest       { UniqueAddress node = 1; repeated string roles = 2; }
//	Welcome           { UniqueAddress from = 1; UniqueAddress to = 2; Gossip gossip = 3; }
//
// Unknown fields are skipped.
type Proto struct{}

// Name implements Codec.
func (Proto) Name() string { return "proto" }

// Encode implements Codec.
func (Proto) Encode(msg transport.Message) ([]byte, error) {
	var payload []byte
	switch m := msg.(type) {
	case transport.GossipEnvelope:
		payload = appendMsg(payload, 1, appendUA(nil, m.From))
		payload = appendMsg(payload, 2, appendUA(nil, m.To))
		payload = appendMsg(payload, 3, appendGossip(nil, m.Gossip))
	case transport.GossipStatus:
		payload = appendMsg(payload, 1, appendUA(nil, m.From))
		payload = appendMsg(payload, 2, appendUA(nil, m.To))
		payload = appendEntries(payload, 3, m.Version.Entries())
	case transport.Heartbeat:
		payload = appendMsg(payload, 1, appendUA(nil, m.From))
		payload = appendMsg(payload, 2, appendUA(nil, m.To))
		payload = appendUint(payload, 3, m.Seq)
	case transport.HeartbeatResponse:
		payload = appendMsg(payload, 1, appendUA(nil, m.From))
		payload = appendUint(payload, 2, m.Seq)
	case transport.JoinRequest:
		payload = appendMsg(payload, 1, appendUA(nil, m.Node))
		for _, r := range m.Roles {
			payload = appendString(payload, 2, r)
		}
	case transport.Welcome:
		payload = appendMsg(payload, 1, appendUA(nil, m.From))
		payload = appendMsg(payload, 2, appendUA(nil, m.To))
		payload = appendMsg(payload, 3, appendGossip(nil, m.Gossip))
	default:
		return nil, fmt.Errorf("proto: unsupported message %T", msg)
	}
	frame := appendUint(nil, 1, uint64(msg.Kind()))
	return protowire.AppendBytes(protowire.AppendTag(frame, 2, protowire.BytesType), payload), nil
}

// Decode implements Codec.
func (Proto) Decode(data []byte) (transport.Message, error) {
	var kind uint64
	var payload []byte
	err := walk(data, func(f field) error {
		var err error
		switch f.num {
		case 1:
			kind, err = f.uint()
		case 2:
			payload, err = f.bytes()
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	switch transport.Kind(kind) {
	case transport.KindGossipEnvelope:
		from, to, g, err := decodeAddressed(payload)
		if err != nil {
			return nil, err
		}
		return transport.GossipEnvelope{From: from, To: to, Gossip: g}, nil
	case transport.KindWelcome:
		from, to, g, err := decodeAddressed(payload)
		if err != nil {
			return nil, err
		}
		return transport.Welcome{From: from, To: to, Gossip: g}, nil
	case transport.KindGossipStatus:
		var m transport.GossipStatus
		var entries []clock.Entry
		err := walk(payload, func(f field) error {
			switch f.num {
			case 1:
				return f.message(func(b []byte) (err error) { m.From, err = decodeUA(b); return })
			case 2:
				return f.message(func(b []byte) (err error) { m.To, err = decodeUA(b); return })
			case 3:
				return f.message(func(b []byte) error {
					e, err := decodeEntry(b)
					entries = append(entries, e)
					return err
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.Version = clock.FromEntries(entries)
		return m, nil
	case transport.KindHeartbeat:
		var m transport.Heartbeat
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				return f.message(func(b []byte) (err error) { m.From, err = decodeUA(b); return })
			case 2:
				return f.message(func(b []byte) (err error) { m.To, err = decodeUA(b); return })
			case 3:
				m.Seq, err = f.uint()
			}
			return err
		})
		return m, err
	case transport.KindHeartbeatResponse:
		var m transport.HeartbeatResponse
		err := walk(payload, func(f field) (err error) {
			switch f.num {
			case 1:
				return f.message(func(b []byte) (err error) { m.From, err = decodeUA(b); return })
			case 2:
				m.Seq, err = f.uint()
			}
			return err
		})
		return m, err
	case transport.KindJoinRequest:
		var m transport.JoinRequest
		err := walk(payload, func(f field) error {
			switch f.num {
			case 1:
				return f.message(func(b []byte) (err error) { m.Node, err = decodeUA(b); return })
			case 2:
				r, err := f.bytes()
				m.Roles = append(m.Roles, string(r))
				return err
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if m.Node.IsZero() {
			return nil, malformed("join request without node")
		}
		return m, nil
	}
	return nil, malformed("unknown kind %d", kind)
}

func decodeAddressed(payload []byte) (from, to member.UniqueAddress, g gossip.Gossip, err error) {
	var gb []byte
	err = walk(payload, func(f field) error {
		switch f.num {
		case 1:
			return f.message(func(b []byte) (err error) { from, err = decodeUA(b); return })
		case 2:
			return f.message(func(b []byte) (err error) { to, err = decodeUA(b); return })
		case 3:
			var err error
			gb, err = f.bytes()
			return err
		}
		return nil
	})
	if err != nil {
		return
	}
	g, err = decodeGossip(gb)
	return
}

// field is one decoded tag and value.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	raw    []byte
}

func (f field) uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, malformed("field %d: want varint, got wire type %d", f.num, f.typ)
	}
	return f.varint, nil
}

func (f field) int64() (int64, error) {
	v, err := f.uint()
	if err == nil && v > math.MaxInt64 {
		return 0, malformed("field %d: value out of range", f.num)
	}
	return int64(v), err
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, malformed("field %d: want bytes, got wire type %d", f.num, f.typ)
	}
	return f.raw, nil
}

func (f field) message(fn func([]byte) error) error {
	b, err := f.bytes()
	if err != nil {
		return err
	}
	return fn(b)
}

// walk calls fn for every field in b, skipping groups and fixed-width
// values.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return malformed("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMsg(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendUA(b []byte, u member.UniqueAddress) []byte {
	b = appendString(b, 1, u.Address.Host)
	b = appendUint(b, 2, uint64(u.Address.Port))
	return appendUint(b, 3, u.Incarnation)
}

func decodeUA(b []byte) (member.UniqueAddress, error) {
	var u member.UniqueAddress
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			h, err := f.bytes()
			u.Address.Host = string(h)
			return err
		case 2:
			p, err := f.uint()
			if err == nil && p > math.MaxUint16 {
				return malformed("port %d out of range", p)
			}
			u.Address.Port = int(p)
			return err
		case 3:
			var err error
			u.Incarnation, err = f.uint()
			return err
		}
		return nil
	})
	return u, err
}

func appendEntries(b []byte, num protowire.Number, entries []clock.Entry) []byte {
	for _, e := range entries {
		var eb []byte
		eb = appendString(eb, 1, e.Node)
		eb = appendUint(eb, 2, uint64(e.Counter))
		b = appendMsg(b, num, eb)
	}
	return b
}

func decodeEntry(b []byte) (clock.Entry, error) {
	var e clock.Entry
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			var s []byte
			s, err = f.bytes()
			e.Node = string(s)
		case 2:
			e.Counter, err = f.int64()
		}
		return err
	})
	return e, err
}

func appendGossip(b []byte, g gossip.Gossip) []byte {
	s := g.Snapshot()
	for _, m := range s.Members {
		var mb []byte
		mb = appendMsg(mb, 1, appendUA(nil, m.Node))
		mb = appendUint(mb, 2, uint64(m.Status))
		for _, r := range m.Roles {
			mb = appendString(mb, 3, r)
		}
		mb = appendUint(mb, 4, uint64(m.UpNumber))
		b = appendMsg(b, 1, mb)
	}
	for _, n := range s.Seen {
		b = appendMsg(b, 2, appendUA(nil, n))
	}
	for _, r := range s.Records {
		var rb []byte
		rb = appendMsg(rb, 1, appendUA(nil, r.Observer))
		rb = appendMsg(rb, 2, appendUA(nil, r.Subject))
		rb = appendUint(rb, 3, uint64(r.Status))
		rb = appendUint(rb, 4, uint64(r.Version))
		b = appendMsg(b, 3, rb)
	}
	for _, ov := range s.ObserverVersions {
		var ob []byte
		ob = appendMsg(ob, 1, appendUA(nil, ov.Observer))
		ob = appendUint(ob, 2, uint64(ov.Version))
		b = appendMsg(b, 4, ob)
	}
	return appendEntries(b, 5, s.Version)
}

func decodeGossip(b []byte) (gossip.Gossip, error) {
	var s gossip.Snapshot
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.message(func(b []byte) error {
				m, err := decodeMember(b)
				s.Members = append(s.Members, m)
				return err
			})
		case 2:
			return f.message(func(b []byte) error {
				u, err := decodeUA(b)
				s.Seen = append(s.Seen, u)
				return err
			})
		case 3:
			return f.message(func(b []byte) error {
				r, err := decodeRecord(b)
				s.Records = append(s.Records, r)
				return err
			})
		case 4:
			return f.message(func(b []byte) error {
				var ov reachability.ObserverVersion
				err := walk(b, func(f field) (err error) {
					switch f.num {
					case 1:
						return f.message(func(b []byte) (err error) { ov.Observer, err = decodeUA(b); return })
					case 2:
						ov.Version, err = f.int64()
					}
					return err
				})
				s.ObserverVersions = append(s.ObserverVersions, ov)
				return err
			})
		case 5:
			return f.message(func(b []byte) error {
				e, err := decodeEntry(b)
				s.Version = append(s.Version, e)
				return err
			})
		}
		return nil
	})
	if err != nil {
		return gossip.Gossip{}, err
	}
	g, err := gossip.FromSnapshot(s)
	if err != nil {
		return gossip.Gossip{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return g, nil
}

func decodeMember(b []byte) (member.Member, error) {
	var m member.Member
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.message(func(b []byte) (err error) { m.Node, err = decodeUA(b); return })
		case 2:
			v, err := f.uint()
			if err == nil && v > uint64(member.Removed) {
				return malformed("member status %d", v)
			}
			m.Status = member.Status(v)
			return err
		case 3:
			r, err := f.bytes()
			m.Roles = append(m.Roles, string(r))
			return err
		case 4:
			v, err := f.uint()
			if err == nil && v > math.MaxInt32 {
				return malformed("up number %d out of range", v)
			}
			m.UpNumber = int(v)
			return err
		}
		return nil
	})
	return m, err
}

func decodeRecord(b []byte) (reachability.Record, error) {
	var r reachability.Record
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			return f.message(func(b []byte) (err error) { r.Observer, err = decodeUA(b); return })
		case 2:
			return f.message(func(b []byte) (err error) { r.Subject, err = decodeUA(b); return })
		case 3:
			var v uint64
			v, err = f.uint()
			if err == nil && v > uint64(reachability.Terminated) {
				return malformed("reachability status %d", v)
			}
			r.Status = reachability.Status(v)
		case 4:
			r.Version, err = f.int64()
		}
		return err
	})
	return r, err
}
