// Package crawler tracks the set of remote nodes this node exchanges
// matches with. A single goroutine drains a private mailbox, so node
// bookkeeping needs no locks; registration is idempotent, so the retry
// tick never needs to coordinate with an in-flight attempt.
package crawler

import (
	"context"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"needmesh/internal/proto"
)

const defaultTick = 30 * time.Second

// NodeClient registers this node with a remote node and subscribes to its
// match updates. Both calls must be safe to repeat.
type NodeClient interface {
	Register(ctx context.Context, nodeURI string) error
	Subscribe(ctx context.Context, nodeURI string) error
}

// HintHandler receives hint envelopes whose origin node is known.
type HintHandler func(ctx context.Context, env *proto.Envelope) error

// Event is one mailbox message.
type Event interface{ isEvent() }

// NodeDiscovered announces a remote node URI seen in config or traffic.
type NodeDiscovered struct{ NodeURI string }

// SubscriptionClosed announces that a node's update feed ended.
type SubscriptionClosed struct{ NodeURI string }

// HintReceived carries a hint envelope from a remote matcher or node.
type HintReceived struct{ Env *proto.Envelope }

func (NodeDiscovered) isEvent()     {}
func (SubscriptionClosed) isEvent() {}
func (HintReceived) isEvent()       {}

// Actor is the crawl loop. Construct with New, feed with Post, drive with
// Run.
type Actor struct {
	client NodeClient
	hints  HintHandler
	log    *slog.Logger

	known   mapset.Set[string]
	skipped mapset.Set[string]
	failed  mapset.Set[string]

	mailbox chan Event
	tick    time.Duration
}

func New(client NodeClient, hints HintHandler, skipNodeURIs []string, tick time.Duration, log *slog.Logger) *Actor {
	if tick <= 0 {
		tick = defaultTick
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Actor{
		client:  client,
		hints:   hints,
		log:     log,
		known:   mapset.NewSet[string](),
		skipped: mapset.NewSet[string](),
		failed:  mapset.NewSet[string](),
		mailbox: make(chan Event, 64),
		tick:    tick,
	}
	for _, uri := range skipNodeURIs {
		a.skipped.Add(uri)
	}
	return a
}

// Post enqueues an event for the crawl loop.
func (a *Actor) Post(ctx context.Context, ev Event) error {
	select {
	case a.mailbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Known reports whether the node is currently connected.
func (a *Actor) Known(nodeURI string) bool { return a.known.Contains(nodeURI) }

// Failed reports whether the node is awaiting retry.
func (a *Actor) Failed(nodeURI string) bool { return a.failed.Contains(nodeURI) }

// Run drains the mailbox until ctx is cancelled. Failed nodes are retried
// on every tick.
func (a *Actor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.mailbox:
			a.handle(ctx, ev)
		case <-ticker.C:
			a.retryFailed(ctx)
		}
	}
}

func (a *Actor) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case NodeDiscovered:
		a.discovered(ctx, e.NodeURI)
	case SubscriptionClosed:
		// The tick owns reconnection; closing only moves the node over.
		a.known.Remove(e.NodeURI)
		a.failed.Add(e.NodeURI)
		a.log.Info("subscription closed, node queued for retry", "node", e.NodeURI)
	case HintReceived:
		a.hint(ctx, e.Env)
	}
}

func (a *Actor) discovered(ctx context.Context, nodeURI string) {
	switch {
	case a.skipped.Contains(nodeURI):
		a.log.Debug("skipping configured node", "node", nodeURI)
	case a.known.Contains(nodeURI):
		a.log.Debug("node already connected", "node", nodeURI)
	default:
		a.connect(ctx, nodeURI)
	}
}

func (a *Actor) connect(ctx context.Context, nodeURI string) {
	if err := a.client.Register(ctx, nodeURI); err != nil {
		a.log.Warn("node registration failed", "node", nodeURI, "err", err)
		a.failed.Add(nodeURI)
		return
	}
	if err := a.client.Subscribe(ctx, nodeURI); err != nil {
		a.log.Warn("node subscription failed", "node", nodeURI, "err", err)
		a.failed.Add(nodeURI)
		return
	}
	a.failed.Remove(nodeURI)
	a.known.Add(nodeURI)
	a.log.Info("node connected", "node", nodeURI)
}

func (a *Actor) retryFailed(ctx context.Context) {
	for _, nodeURI := range a.failed.ToSlice() {
		a.connect(ctx, nodeURI)
	}
}

// hint forwards a hint whose origin node is connected; hints from unknown
// nodes are dropped.
func (a *Actor) hint(ctx context.Context, env *proto.Envelope) {
	origin := env.SenderNodeURI
	if !a.known.Contains(origin) {
		a.log.Warn("dropping hint from unknown node", "node", origin, "message", env.MessageURI)
		return
	}
	if a.hints == nil {
		return
	}
	if err := a.hints(ctx, env); err != nil {
		a.log.Warn("hint delivery failed", "message", env.MessageURI, "err", err)
	}
}
