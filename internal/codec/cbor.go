package codec

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"clusterd/internal/clock"
	"clusterd/internal/gossip"
	"clusterd/internal/member"
	"clusterd/internal/reachability"
	"clusterd/internal/transport"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// CBOR encodes messages as canonical CBOR maps with integer keys. Every
// message carries its kind under key 0 so the decoder can pick a type
// before decoding the body.
type CBOR struct{}

// Name implements Codec.
func (CBOR) Name() string { return "cbor" }

type cborBase struct {
	T transport.Kind `cbor:"0,keyasint"`
}

type cborUA struct {
	Host        string `cbor:"1,keyasint"`
	Port        int    `cbor:"2,keyasint"`
	Incarnation uint64 `cbor:"3,keyasint"`
}

type cborMember struct {
	Node     cborUA   `cbor:"1,keyasint"`
	Status   int      `cbor:"2,keyasint"`
	Roles    []string `cbor:"3,keyasint,omitempty"`
	UpNumber int      `cbor:"4,keyasint,omitempty"`
}

type cborRecord struct {
	Observer cborUA `cbor:"1,keyasint"`
	Subject  cborUA `cbor:"2,keyasint"`
	Status   int    `cbor:"3,keyasint"`
	Version  int64  `cbor:"4,keyasint"`
}

type cborObserverVersion struct {
	Observer cborUA `cbor:"1,keyasint"`
	Version  int64  `cbor:"2,keyasint"`
}

type cborEntry struct {
	Node    string `cbor:"1,keyasint"`
	Counter int64  `cbor:"2,keyasint"`
}

type cborGossip struct {
	Members  []cborMember          `cbor:"1,keyasint"`
	Seen     []cborUA              `cbor:"2,keyasint,omitempty"`
	Records  []cborRecord          `cbor:"3,keyasint,omitempty"`
	Versions []cborObserverVersion `cbor:"4,keyasint,omitempty"`
	Version  []cborEntry           `cbor:"5,keyasint,omitempty"`
}

type cborAddressed struct {
	cborBase
	From   cborUA     `cbor:"1,keyasint"`
	To     cborUA     `cbor:"2,keyasint"`
	Gossip cborGossip `cbor:"3,keyasint"`
}

type cborStatus struct {
	cborBase
	From    cborUA      `cbor:"1,keyasint"`
	To      cborUA      `cbor:"2,keyasint"`
	Version []cborEntry `cbor:"3,keyasint,omitempty"`
}

type cborHeartbeat struct {
	cborBase
	From cborUA `cbor:"1,keyasint"`
	To   cborUA `cbor:"2,keyasint"`
	Seq  uint64 `cbor:"3,keyasint"`
}

type cborJoin struct {
	cborBase
	Node  cborUA   `cbor:"1,keyasint"`
	Roles []string `cbor:"2,keyasint,omitempty"`
}

// Encode implements Codec.
func (CBOR) Encode(msg transport.Message) ([]byte, error) {
	base := cborBase{T: msg.Kind()}
	var v any
	switch m := msg.(type) {
	case transport.GossipEnvelope:
		v = &cborAddressed{cborBase: base, From: toCborUA(m.From), To: toCborUA(m.To), Gossip: toCborGossip(m.Gossip)}
	case transport.Welcome:
		v = &cborAddressed{cborBase: base, From: toCborUA(m.From), To: toCborUA(m.To), Gossip: toCborGossip(m.Gossip)}
	case transport.GossipStatus:
		v = &cborStatus{cborBase: base, From: toCborUA(m.From), To: toCborUA(m.To), Version: toCborEntries(m.Version.Entries())}
	case transport.Heartbeat:
		v = &cborHeartbeat{cborBase: base, From: toCborUA(m.From), To: toCborUA(m.To), Seq: m.Seq}
	case transport.HeartbeatResponse:
		v = &cborHeartbeat{cborBase: base, From: toCborUA(m.From), Seq: m.Seq}
	case transport.JoinRequest:
		v = &cborJoin{cborBase: base, Node: toCborUA(m.Node), Roles: m.Roles}
	default:
		return nil, fmt.Errorf("cbor: unsupported message %T", msg)
	}
	return cborEnc.Marshal(v)
}

// Decode implements Codec.
func (CBOR) Decode(data []byte) (transport.Message, error) {
	var base cborBase
	if err := cborDec.Unmarshal(data, &base); err != nil {
		return nil, malformed("cbor: %v", err)
	}
	switch base.T {
	case transport.KindGossipEnvelope, transport.KindWelcome:
		var m cborAddressed
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return nil, malformed("cbor: %v", err)
		}
		from, err := fromCborUA(m.From)
		if err != nil {
			return nil, err
		}
		to, err := fromCborUA(m.To)
		if err != nil {
			return nil, err
		}
		g, err := fromCborGossip(m.Gossip)
		if err != nil {
			return nil, err
		}
		if base.T == transport.KindWelcome {
			return transport.Welcome{From: from, To: to, Gossip: g}, nil
		}
		return transport.GossipEnvelope{From: from, To: to, Gossip: g}, nil
	case transport.KindGossipStatus:
		var m cborStatus
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return nil, malformed("cbor: %v", err)
		}
		from, err := fromCborUA(m.From)
		if err != nil {
			return nil, err
		}
		to, err := fromCborUA(m.To)
		if err != nil {
			return nil, err
		}
		return transport.GossipStatus{From: from, To: to, Version: clock.FromEntries(fromCborEntries(m.Version))}, nil
	case transport.KindHeartbeat, transport.KindHeartbeatResponse:
		var m cborHeartbeat
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return nil, malformed("cbor: %v", err)
		}
		from, err := fromCborUA(m.From)
		if err != nil {
			return nil, err
		}
		if base.T == transport.KindHeartbeatResponse {
			return transport.HeartbeatResponse{From: from, Seq: m.Seq}, nil
		}
		to, err := fromCborUA(m.To)
		if err != nil {
			return nil, err
		}
		return transport.Heartbeat{From: from, To: to, Seq: m.Seq}, nil
	case transport.KindJoinRequest:
		var m cborJoin
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return nil, malformed("cbor: %v", err)
		}
		node, err := fromCborUA(m.Node)
		if err != nil {
			return nil, err
		}
		if node.IsZero() {
			return nil, malformed("join request without node")
		}
		return transport.JoinRequest{Node: node, Roles: m.Roles}, nil
	}
	return nil, malformed("unknown kind %d", base.T)
}

func toCborUA(u member.UniqueAddress) cborUA {
	return cborUA{Host: u.Address.Host, Port: u.Address.Port, Incarnation: u.Incarnation}
}

func fromCborUA(c cborUA) (member.UniqueAddress, error) {
	if c.Port < 0 || c.Port > 65535 {
		return member.UniqueAddress{}, malformed("port %d out of range", c.Port)
	}
	return member.UniqueAddress{Address: member.Address{Host: c.Host, Port: c.Port}, Incarnation: c.Incarnation}, nil
}

func toCborEntries(entries []clock.Entry) []cborEntry {
	out := make([]cborEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cborEntry{Node: e.Node, Counter: e.Counter})
	}
	return out
}

func fromCborEntries(entries []cborEntry) []clock.Entry {
	out := make([]clock.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, clock.Entry{Node: e.Node, Counter: e.Counter})
	}
	return out
}

func toCborGossip(g gossip.Gossip) cborGossip {
	s := g.Snapshot()
	out := cborGossip{Version: toCborEntries(s.Version)}
	for _, m := range s.Members {
		out.Members = append(out.Members, cborMember{
			Node:     toCborUA(m.Node),
			Status:   int(m.Status),
			Roles:    m.Roles,
			UpNumber: m.UpNumber,
		})
	}
	for _, n := range s.Seen {
		out.Seen = append(out.Seen, toCborUA(n))
	}
	for _, r := range s.Records {
		out.Records = append(out.Records, cborRecord{
			Observer: toCborUA(r.Observer),
			Subject:  toCborUA(r.Subject),
			Status:   int(r.Status),
			Version:  r.Version,
		})
	}
	for _, ov := range s.ObserverVersions {
		out.Versions = append(out.Versions, cborObserverVersion{Observer: toCborUA(ov.Observer), Version: ov.Version})
	}
	return out
}

func fromCborGossip(c cborGossip) (gossip.Gossip, error) {
	s := gossip.Snapshot{Version: fromCborEntries(c.Version)}
	for _, cm := range c.Members {
		node, err := fromCborUA(cm.Node)
		if err != nil {
			return gossip.Gossip{}, err
		}
		s.Members = append(s.Members, member.Member{
			Node:     node,
			Status:   member.Status(cm.Status),
			Roles:    cm.Roles,
			UpNumber: cm.UpNumber,
		})
	}
	for _, cu := range c.Seen {
		u, err := fromCborUA(cu)
		if err != nil {
			return gossip.Gossip{}, err
		}
		s.Seen = append(s.Seen, u)
	}
	for _, cr := range c.Records {
		obs, err := fromCborUA(cr.Observer)
		if err != nil {
			return gossip.Gossip{}, err
		}
		subj, err := fromCborUA(cr.Subject)
		if err != nil {
			return gossip.Gossip{}, err
		}
		s.Records = append(s.Records, reachability.Record{
			Observer: obs,
			Subject:  subj,
			Status:   reachability.Status(cr.Status),
			Version:  cr.Version,
		})
	}
	for _, cv := range c.Versions {
		obs, err := fromCborUA(cv.Observer)
		if err != nil {
			return gossip.Gossip{}, err
		}
		s.ObserverVersions = append(s.ObserverVersions, reachability.ObserverVersion{Observer: obs, Version: cv.Version})
	}
	g, err := gossip.FromSnapshot(s)
	if err != nil {
		return gossip.Gossip{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return g, nil
}
