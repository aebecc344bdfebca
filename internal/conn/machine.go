// Package conn is the single authority over connection-state legality.
// The pipeline and the facets consult it before executing side effects;
// nothing else mutates connection state.
package conn

import (
	"context"
	"errors"
	"fmt"

	"needmesh/internal/proto"
	"needmesh/internal/store"
)

var (
	ErrIllegalMessageForConnectionState = errors.New("illegal message for connection state")
	ErrConnectionAlreadyExists          = errors.New("connection already exists")
	ErrNeedNotActive                    = errors.New("need not active")

	// ErrNoSuchConnection is the store's sentinel, re-exported so callers
	// branching on protocol errors need only this package.
	ErrNoSuchConnection = store.ErrNoSuchConnection
)

type Machine struct {
	store *store.Store
	arena *Arena
}

func NewMachine(s *store.Store) *Machine {
	return &Machine{store: s, arena: NewArena()}
}

// next returns the state the connection moves to when msgType is applied
// in state cur, or an error if the transition is illegal. CLOSE from
// CLOSED is idempotent: it returns CLOSED with ok=false so callers can
// skip re-persisting.
func next(cur store.ConnectionState, msgType proto.MessageType) (store.ConnectionState, bool, error) {
	switch cur {
	case store.StateRequestSent, store.StateRequestReceived:
		switch msgType {
		case proto.MsgTypeOpen:
			return store.StateConnected, true, nil
		case proto.MsgTypeClose:
			return store.StateClosed, true, nil
		}
	case store.StateConnected:
		switch msgType {
		case proto.MsgTypeSendMessage:
			return store.StateConnected, false, nil
		case proto.MsgTypeClose:
			return store.StateClosed, true, nil
		}
	case store.StateClosed:
		if msgType == proto.MsgTypeClose {
			return store.StateClosed, false, nil
		}
	}
	return "", false, fmt.Errorf("%w: %s in state %s", ErrIllegalMessageForConnectionState, msgType, cur)
}

// ApplyEnvelope persists env and applies the transition it causes, in one
// store transaction under the connection's exclusive scope. A message URI
// already on record fails with ErrDuplicateMessageURI before legality is
// consulted, so a redelivered envelope is recognized as a duplicate rather
// than misreported as illegal for the post-transition state.
func (m *Machine) ApplyEnvelope(ctx context.Context, connURI, needURI string, env *proto.Envelope) (*store.Connection, error) {
	var out *store.Connection
	err := m.arena.Do(connURI, func() error {
		dup, err := m.store.HasEnvelope(ctx, env.MessageURI)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s", store.ErrDuplicateMessageURI, env.MessageURI)
		}
		c, err := m.store.GetConnection(ctx, connURI)
		if err != nil {
			return err
		}
		nextState, changed, err := next(c.State, env.Type)
		if err != nil {
			return err
		}
		if changed {
			if err := m.store.SaveEnvelopeAndState(ctx, env, connURI, needURI, c.State, nextState); err != nil {
				return err
			}
		} else if err := m.store.SaveEnvelope(ctx, env, connURI, needURI); err != nil {
			return err
		}
		c.State = nextState
		out = c
		return nil
	})
	return out, err
}

// Transition applies msgType to the connection under its exclusive scope
// and persists the new state. This is for node-built messages that have
// no envelope to record; protocol traffic goes through ApplyEnvelope.
// Unknown connection URIs fail with ErrNoSuchConnection.
func (m *Machine) Transition(ctx context.Context, connURI string, msgType proto.MessageType) (*store.Connection, error) {
	var out *store.Connection
	err := m.arena.Do(connURI, func() error {
		c, err := m.store.GetConnection(ctx, connURI)
		if err != nil {
			return err
		}
		nextState, changed, err := next(c.State, msgType)
		if err != nil {
			return err
		}
		if changed {
			if err := m.store.UpdateConnectionState(ctx, connURI, c.State, nextState); err != nil {
				return err
			}
		}
		c.State = nextState
		out = c
		return nil
	})
	return out, err
}

// ConnectOutbound creates this side's half of a new connection in
// REQUEST_SENT. When the caller already knows the remote half's URI (a
// connect answering a request learned out of band) it is stored at
// creation. The guard that the remote need is ACTIVE lives with the
// remote node; locally only the owning need's state is checked.
func (m *Machine) ConnectOutbound(ctx context.Context, env *proto.Envelope, connURI, needURI, remoteNeedURI, remoteConnURI, facetURI string) (*store.Connection, error) {
	return m.create(ctx, env, store.Connection{
		URI:                 connURI,
		NeedURI:             needURI,
		RemoteNeedURI:       remoteNeedURI,
		RemoteConnectionURI: remoteConnURI,
		FacetURI:            facetURI,
		State:               store.StateRequestSent,
	})
}

// ConnectInbound creates this side's half for a CONNECT that arrived from
// a remote need, in REQUEST_RECEIVED, recording the remote half's URI.
func (m *Machine) ConnectInbound(ctx context.Context, env *proto.Envelope, connURI, needURI, remoteNeedURI, remoteConnURI, facetURI string) (*store.Connection, error) {
	return m.create(ctx, env, store.Connection{
		URI:                 connURI,
		NeedURI:             needURI,
		RemoteNeedURI:       remoteNeedURI,
		RemoteConnectionURI: remoteConnURI,
		FacetURI:            facetURI,
		State:               store.StateRequestReceived,
	})
}

// create guards need liveness and pair uniqueness, then persists the
// connection, together with the triggering envelope when one is given, in
// a single store transaction.
func (m *Machine) create(ctx context.Context, env *proto.Envelope, c store.Connection) (*store.Connection, error) {
	var out *store.Connection
	err := m.arena.Do(c.URI, func() error {
		if env != nil {
			dup, err := m.store.HasEnvelope(ctx, env.MessageURI)
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("%w: %s", store.ErrDuplicateMessageURI, env.MessageURI)
			}
		}
		need, err := m.store.GetNeed(ctx, c.NeedURI)
		if err != nil {
			return err
		}
		if need.State != store.NeedActive {
			return fmt.Errorf("%w: %s is %s", ErrNeedNotActive, need.URI, need.State)
		}
		existing, err := m.store.FindNonTerminal(ctx, c.NeedURI, c.RemoteNeedURI, c.FacetURI)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s to %s via %s", ErrConnectionAlreadyExists, existing.URI, c.RemoteNeedURI, c.FacetURI)
		}
		if env != nil {
			if err := m.store.SaveEnvelopeAndConnection(ctx, env, c); err != nil {
				return err
			}
		} else if err := m.store.CreateConnection(ctx, c); err != nil {
			return err
		}
		out = &c
		return nil
	})
	return out, err
}

// RecordRemoteConnection stores the remote half's URI under the local
// half's exclusive scope. Immutability is enforced by the store.
func (m *Machine) RecordRemoteConnection(ctx context.Context, connURI, remoteConnURI string) error {
	return m.arena.Do(connURI, func() error {
		return m.store.SetRemoteConnectionURI(ctx, connURI, remoteConnURI)
	})
}
