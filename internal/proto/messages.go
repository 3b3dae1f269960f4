package proto

import "encoding/json"

type MessageKind string

const (
	KindPing       MessageKind = "PING"
	KindPong       MessageKind = "PONG"
	KindFind       MessageKind = "FIND"
	KindFound      MessageKind = "FOUND"
	KindPublish    MessageKind = "PUBLISH"
	KindPublishAck MessageKind = "PUBLISH_ACK"
)

// IsReply reports whether a message of this kind answers a pending RPC.
func (k MessageKind) IsReply() bool {
	return k == KindPong || k == KindFound || k == KindPublishAck
}

// Payload flags carried in SecuredAddressPayload.Flags.
const (
	FlagWithdraw uint32 = 1 << 0
	FlagNodeKey  uint32 = 1 << 1
)

// FindMode selects how a responder matches its local registrations.
type FindMode string

const (
	FindExact   FindMode = "exact"
	FindNearest FindMode = "nearest"
	FindRange   FindMode = "range"
	// FindNodes asks only for routing entries, no registrations.
	FindNodes FindMode = "nodes"
)

// Envelope is the single datagram format exchanged between nodes.
// Keep it flat + explicit for forwards-compat.
type Envelope struct {
	Kind  MessageKind `json:"kind"`
	RPCID string      `json:"rpc_id,omitempty"`

	// From is the sender's node key (64 hex chars).
	From       string `json:"from"`
	Credential []byte `json:"credential,omitempty"`

	Nonce  []byte   `json:"nonce,omitempty"`
	Target string   `json:"target,omitempty"`
	Min    string   `json:"min,omitempty"`
	Max    string   `json:"max,omitempty"`
	Mode   FindMode `json:"mode,omitempty"`
	Limit  int      `json:"limit,omitempty"`

	Records []Record    `json:"records,omitempty"`
	Nodes   []RouteNode `json:"nodes,omitempty"`

	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Record is one registration published or returned by a node. Secured is
// an encoded SecuredAddressPayload; Inner is the application payload it
// covers.
type Record struct {
	Key       string `json:"key"`
	Secured   []byte `json:"secured"`
	Inner     []byte `json:"inner,omitempty"`
	CertChain []byte `json:"cert_chain,omitempty"`
}

// RouteNode is a routing table entry handed to a searcher.
type RouteNode struct {
	Key   string `json:"key"`
	Addr  string `json:"addr"`
	Flags uint32 `json:"flags,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}
