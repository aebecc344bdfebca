package store

import "time"

// NeedState is the lifecycle state of a published need.
type NeedState string

const (
	NeedActive   NeedState = "ACTIVE"
	NeedInactive NeedState = "INACTIVE"
	NeedDeleted  NeedState = "DELETED"
)

// ConnectionState is the per-connection protocol state. NONE is never
// stored; it denotes the absence of a connection record.
type ConnectionState string

const (
	StateNone            ConnectionState = "NONE"
	StateRequestSent     ConnectionState = "REQUEST_SENT"
	StateRequestReceived ConnectionState = "REQUEST_RECEIVED"
	StateConnected       ConnectionState = "CONNECTED"
	StateClosed          ConnectionState = "CLOSED"
)

// Terminal reports whether no further transitions are legal from s.
func (s ConnectionState) Terminal() bool { return s == StateClosed }

// Need is a published want/offer hosted by this node.
type Need struct {
	URI        string
	State      NeedState
	Content    string
	FacetURIs  []string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Connection is this side's half of a bilateral link. RemoteConnectionURI
// stays empty until the handshake completes and is immutable once set.
type Connection struct {
	URI                 string
	NeedURI             string
	RemoteNeedURI       string
	RemoteConnectionURI string
	FacetURI            string
	State               ConnectionState
	CreatedAt           time.Time
	ModifiedAt          time.Time
}
