package transport

import (
	"fmt"

	"clusterd/internal/clock"
	"clusterd/internal/gossip"
	"clusterd/internal/member"
)

// Kind identifies a message type on the wire.
type Kind uint8

const (
	KindGossipEnvelope Kind = iota + 1
	KindGossipStatus
	KindHeartbeat
	KindHeartbeatResponse
	KindJoinRequest
	KindWelcome
)

func (k Kind) String() string {
	switch k {
	case KindGossipEnvelope:
		return "gossip_envelope"
	case KindGossipStatus:
		return "gossip_status"
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatResponse:
		return "heartbeat_response"
	case KindJoinRequest:
		return "join_request"
	case KindWelcome:
		return "welcome"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one of the membership protocol messages defined below.
type Message interface {
	Kind() Kind
	// Sender is the unique address of the originating node.
	Sender() member.UniqueAddress
}

// GossipEnvelope carries a full gossip to the node To.
type GossipEnvelope struct {
	From   member.UniqueAddress
	To     member.UniqueAddress
	Gossip gossip.Gossip
}

// GossipStatus carries only the version, telling To that From has seen it.
type GossipStatus struct {
	From    member.UniqueAddress
	To      member.UniqueAddress
	Version clock.VectorClock
}

// Heartbeat asks To for a HeartbeatResponse.
type Heartbeat struct {
	From member.UniqueAddress
	To   member.UniqueAddress
	Seq  uint64
}

// HeartbeatResponse answers a Heartbeat.
type HeartbeatResponse struct {
	From member.UniqueAddress
	Seq  uint64
}

// JoinRequest asks a member to add Node to the cluster.
type JoinRequest struct {
	Node  member.UniqueAddress
	Roles []string
}

// Welcome answers a JoinRequest with the gossip that contains the joiner.
type Welcome struct {
	From   member.UniqueAddress
	To     member.UniqueAddress
	Gossip gossip.Gossip
}

func (GossipEnvelope) Kind() Kind    { return KindGossipEnvelope }
func (GossipStatus) Kind() Kind      { return KindGossipStatus }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (HeartbeatResponse) Kind() Kind { return KindHeartbeatResponse }
func (JoinRequest) Kind() Kind       { return KindJoinRequest }
func (Welcome) Kind() Kind           { return KindWelcome }

func (m GossipEnvelope) Sender() member.UniqueAddress    { return m.From }
func (m GossipStatus) Sender() member.UniqueAddress      { return m.From }
func (m Heartbeat) Sender() member.UniqueAddress         { return m.From }
func (m HeartbeatResponse) Sender() member.UniqueAddress { return m.From }
func (m JoinRequest) Sender() member.UniqueAddress       { return m.Node }
func (m Welcome) Sender() member.UniqueAddress           { return m.From }
