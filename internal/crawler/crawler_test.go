package crawler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"needmesh/internal/proto"
)

type scriptedClient struct {
	mu        sync.Mutex
	failing   map[string]bool
	registers map[string]int
}

func newScriptedClient(failing ...string) *scriptedClient {
	c := &scriptedClient{failing: make(map[string]bool), registers: make(map[string]int)}
	for _, uri := range failing {
		c.failing[uri] = true
	}
	return c
}

func (c *scriptedClient) Register(ctx context.Context, nodeURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registers[nodeURI]++
	if c.failing[nodeURI] {
		return errors.New("registration refused")
	}
	return nil
}

func (c *scriptedClient) Subscribe(ctx context.Context, nodeURI string) error { return nil }

func (c *scriptedClient) heal(nodeURI string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failing, nodeURI)
}

func (c *scriptedClient) registerCount(nodeURI string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registers[nodeURI]
}

func hintEnv(t *testing.T, originNode string) *proto.Envelope {
	t.Helper()
	env, err := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(originNode)).
		Type(proto.MsgTypeHint).
		Sender("", "need://other/need/1", originNode).
		Receiver("", "need://local/need/1", "need://local").
		Score(0.5).
		Build()
	require.NoError(t, err)
	return env
}

func TestDiscoveredNodeBecomesKnown(t *testing.T) {
	client := newScriptedClient()
	a := New(client, nil, nil, time.Hour, nil)
	ctx := context.Background()

	a.handle(ctx, NodeDiscovered{NodeURI: "need://node-x"})
	assert.True(t, a.Known("need://node-x"))
	assert.False(t, a.Failed("need://node-x"))

	// Rediscovery of a connected node does not re-register.
	a.handle(ctx, NodeDiscovered{NodeURI: "need://node-x"})
	assert.Equal(t, 1, client.registerCount("need://node-x"))
}

func TestSkippedNodeNeverConnected(t *testing.T) {
	client := newScriptedClient()
	a := New(client, nil, []string{"need://node-skip"}, time.Hour, nil)

	a.handle(context.Background(), NodeDiscovered{NodeURI: "need://node-skip"})
	assert.False(t, a.Known("need://node-skip"))
	assert.Equal(t, 0, client.registerCount("need://node-skip"))
}

func TestFailedNodeRetriedOnTick(t *testing.T) {
	client := newScriptedClient("need://node-x")
	a := New(client, nil, nil, time.Hour, nil)
	ctx := context.Background()

	a.handle(ctx, NodeDiscovered{NodeURI: "need://node-x"})
	assert.True(t, a.Failed("need://node-x"))
	assert.False(t, a.Known("need://node-x"))

	// Still failing: stays in the failed set, another attempt was made.
	a.retryFailed(ctx)
	assert.True(t, a.Failed("need://node-x"))
	assert.Equal(t, 2, client.registerCount("need://node-x"))

	client.heal("need://node-x")
	a.retryFailed(ctx)
	assert.True(t, a.Known("need://node-x"))
	assert.False(t, a.Failed("need://node-x"))
}

func TestSubscriptionClosedMovesNodeToFailed(t *testing.T) {
	client := newScriptedClient()
	a := New(client, nil, nil, time.Hour, nil)
	ctx := context.Background()

	a.handle(ctx, NodeDiscovered{NodeURI: "need://node-x"})
	require.True(t, a.Known("need://node-x"))

	// No immediate reconnection attempt; the tick owns retries.
	a.handle(ctx, SubscriptionClosed{NodeURI: "need://node-x"})
	assert.False(t, a.Known("need://node-x"))
	assert.True(t, a.Failed("need://node-x"))
	assert.Equal(t, 1, client.registerCount("need://node-x"))

	a.retryFailed(ctx)
	assert.True(t, a.Known("need://node-x"))
	assert.False(t, a.Failed("need://node-x"))
	assert.Equal(t, 2, client.registerCount("need://node-x"))
}

func TestHintFromUnknownNodeDropped(t *testing.T) {
	var mu sync.Mutex
	var forwarded []string
	hints := func(ctx context.Context, env *proto.Envelope) error {
		mu.Lock()
		forwarded = append(forwarded, env.MessageURI)
		mu.Unlock()
		return nil
	}
	a := New(newScriptedClient(), hints, nil, time.Hour, nil)
	ctx := context.Background()

	a.handle(ctx, HintReceived{Env: hintEnv(t, "need://node-stranger")})
	assert.Empty(t, forwarded)

	a.handle(ctx, NodeDiscovered{NodeURI: "need://node-known"})
	known := hintEnv(t, "need://node-known")
	a.handle(ctx, HintReceived{Env: known})
	assert.Equal(t, []string{known.MessageURI}, forwarded)
}

func TestRunDrainsMailbox(t *testing.T) {
	client := newScriptedClient()
	a := New(client, nil, nil, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.NoError(t, a.Post(ctx, NodeDiscovered{NodeURI: "need://node-x"}))
	require.Eventually(t, func() bool { return a.Known("need://node-x") }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("actor did not stop on cancellation")
	}
}
