package conn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"needmesh/internal/proto"
	"needmesh/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewMachine(s), s
}

func activeNeed(t *testing.T, s *store.Store, uri string) {
	t.Helper()
	require.NoError(t, s.CreateNeed(context.Background(), store.Need{URI: uri, State: store.NeedActive}))
}

func TestConnectOutboundCreatesRequestSent(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	activeNeed(t, s, "need-1")

	c, err := m.ConnectOutbound(ctx, nil, "conn-1", "need-1", "need-2", "", "facet:chat")
	require.NoError(t, err)
	assert.Equal(t, store.StateRequestSent, c.State)
	assert.Empty(t, c.RemoteConnectionURI)
}

func TestConnectOutboundStoresQuotedRemoteURI(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	activeNeed(t, s, "need-1")

	c, err := m.ConnectOutbound(ctx, nil, "conn-1", "need-1", "need-2", "remote-conn-9", "facet:chat")
	require.NoError(t, err)
	assert.Equal(t, "remote-conn-9", c.RemoteConnectionURI)

	got, err := s.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "remote-conn-9", got.RemoteConnectionURI)
}

func TestConnectInboundCreatesRequestReceivedWithRemoteURI(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	activeNeed(t, s, "need-1")

	c, err := m.ConnectInbound(ctx, nil, "conn-1", "need-1", "need-2", "remote-conn-7", "facet:chat")
	require.NoError(t, err)
	assert.Equal(t, store.StateRequestReceived, c.State)
	assert.Equal(t, "remote-conn-7", c.RemoteConnectionURI)
}

func TestConnectRequiresActiveNeed(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, s.CreateNeed(ctx, store.Need{URI: "need-1", State: store.NeedInactive}))

	_, err := m.ConnectOutbound(ctx, nil, "conn-1", "need-1", "need-2", "", "facet:chat")
	require.ErrorIs(t, err, ErrNeedNotActive)
}

func TestConnectRejectsSecondNonTerminalConnection(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	activeNeed(t, s, "need-1")

	_, err := m.ConnectOutbound(ctx, nil, "conn-1", "need-1", "need-2", "", "facet:chat")
	require.NoError(t, err)
	_, err = m.ConnectOutbound(ctx, nil, "conn-2", "need-1", "need-2", "", "facet:chat")
	require.ErrorIs(t, err, ErrConnectionAlreadyExists)

	// A different facet is a different pair.
	_, err = m.ConnectOutbound(ctx, nil, "conn-3", "need-1", "need-2", "", "facet:group")
	require.NoError(t, err)

	// Closing the first frees the pair again.
	_, err = m.Transition(ctx, "conn-1", proto.MsgTypeClose)
	require.NoError(t, err)
	_, err = m.ConnectOutbound(ctx, nil, "conn-4", "need-1", "need-2", "", "facet:chat")
	require.NoError(t, err)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		from    store.ConnectionState
		msg     proto.MessageType
		want    store.ConnectionState
		illegal bool
	}{
		{"open from request sent", store.StateRequestSent, proto.MsgTypeOpen, store.StateConnected, false},
		{"open from request received", store.StateRequestReceived, proto.MsgTypeOpen, store.StateConnected, false},
		{"close from request sent", store.StateRequestSent, proto.MsgTypeClose, store.StateClosed, false},
		{"close from request received", store.StateRequestReceived, proto.MsgTypeClose, store.StateClosed, false},
		{"message while connected", store.StateConnected, proto.MsgTypeSendMessage, store.StateConnected, false},
		{"close while connected", store.StateConnected, proto.MsgTypeClose, store.StateClosed, false},
		{"close when closed", store.StateClosed, proto.MsgTypeClose, store.StateClosed, false},
		{"message before open", store.StateRequestSent, proto.MsgTypeSendMessage, "", true},
		{"open while connected", store.StateConnected, proto.MsgTypeOpen, "", true},
		{"message after close", store.StateClosed, proto.MsgTypeSendMessage, "", true},
		{"open after close", store.StateClosed, proto.MsgTypeOpen, "", true},
		{"connect on existing connection", store.StateConnected, proto.MsgTypeConnect, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, s := newTestMachine(t)
			ctx := context.Background()
			require.NoError(t, s.CreateConnection(ctx, store.Connection{
				URI: "conn-1", NeedURI: "need-1", RemoteNeedURI: "need-2",
				FacetURI: "facet:chat", State: tc.from,
			}))

			c, err := m.Transition(ctx, "conn-1", tc.msg)
			if tc.illegal {
				require.ErrorIs(t, err, ErrIllegalMessageForConnectionState)
				got, err := s.GetConnection(ctx, "conn-1")
				require.NoError(t, err)
				assert.Equal(t, tc.from, got.State, "illegal transition must not change state")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.State)
			got, err := s.GetConnection(ctx, "conn-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.State)
		})
	}
}

func connEnvelope(t *testing.T, uri string, msgType proto.MessageType) *proto.Envelope {
	t.Helper()
	env, err := proto.NewBuilder().
		MessageURI(uri).
		Type(msgType).
		Sender("remote-conn-1", "need-2", "need://remote").
		Receiver("conn-1", "need-1", "need://local").
		Build()
	require.NoError(t, err)
	return env
}

func TestApplyEnvelopePersistsEnvelopeWithTransition(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConnection(ctx, store.Connection{
		URI: "conn-1", NeedURI: "need-1", RemoteNeedURI: "need-2",
		FacetURI: "facet:chat", State: store.StateRequestReceived,
	}))

	env := connEnvelope(t, "need://remote/event/1", proto.MsgTypeOpen)
	c, err := m.ApplyEnvelope(ctx, "conn-1", "need-1", env)
	require.NoError(t, err)
	assert.Equal(t, store.StateConnected, c.State)

	stored, err := s.GetEnvelope(ctx, env.MessageURI)
	require.NoError(t, err)
	require.NotNil(t, stored)
	got, err := s.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateConnected, got.State)
}

func TestApplyEnvelopeIllegalMessagePersistsNothing(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConnection(ctx, store.Connection{
		URI: "conn-1", NeedURI: "need-1", RemoteNeedURI: "need-2",
		FacetURI: "facet:chat", State: store.StateRequestSent,
	}))

	env := connEnvelope(t, "need://remote/event/1", proto.MsgTypeSendMessage)
	_, err := m.ApplyEnvelope(ctx, "conn-1", "need-1", env)
	require.ErrorIs(t, err, ErrIllegalMessageForConnectionState)

	stored, err := s.GetEnvelope(ctx, env.MessageURI)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestApplyEnvelopeRejectsDuplicateURIBeforeLegality(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConnection(ctx, store.Connection{
		URI: "conn-1", NeedURI: "need-1", RemoteNeedURI: "need-2",
		FacetURI: "facet:chat", State: store.StateRequestReceived,
	}))

	env := connEnvelope(t, "need://remote/event/1", proto.MsgTypeOpen)
	_, err := m.ApplyEnvelope(ctx, "conn-1", "need-1", env)
	require.NoError(t, err)

	// Redelivery: the duplicate is reported as such even though OPEN is now
	// illegal for the connection's state.
	_, err = m.ApplyEnvelope(ctx, "conn-1", "need-1", env)
	require.ErrorIs(t, err, store.ErrDuplicateMessageURI)
}

func TestConnectPersistsTriggeringEnvelope(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	activeNeed(t, s, "need-1")

	env := connEnvelope(t, "need://remote/event/1", proto.MsgTypeConnect)
	_, err := m.ConnectInbound(ctx, env, "conn-1", "need-1", "need-2", "remote-conn-1", "facet:chat")
	require.NoError(t, err)

	envs, err := s.EnvelopesByConnection(ctx, "conn-1")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, env.MessageURI, envs[0].MessageURI)
}

func TestTransitionUnknownConnection(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Transition(context.Background(), "conn-absent", proto.MsgTypeClose)
	require.ErrorIs(t, err, ErrNoSuchConnection)
}

// Two racing OPENs on the same connection must resolve to exactly one
// applied transition; the loser sees the post-transition state and fails
// legality.
func TestConcurrentTransitionsSerializePerConnection(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConnection(ctx, store.Connection{
		URI: "conn-1", NeedURI: "need-1", RemoteNeedURI: "need-2",
		FacetURI: "facet:chat", State: store.StateRequestReceived,
	}))

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Transition(ctx, "conn-1", proto.MsgTypeOpen)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrIllegalMessageForConnectionState)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := s.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateConnected, got.State)
}

func TestRecordRemoteConnection(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConnection(ctx, store.Connection{
		URI: "conn-1", NeedURI: "need-1", RemoteNeedURI: "need-2",
		FacetURI: "facet:chat", State: store.StateRequestSent,
	}))

	require.NoError(t, m.RecordRemoteConnection(ctx, "conn-1", "remote-conn-3"))
	err := m.RecordRemoteConnection(ctx, "conn-1", "remote-conn-other")
	require.ErrorIs(t, err, store.ErrRemoteURIImmutable)
}
