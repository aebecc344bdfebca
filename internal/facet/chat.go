package facet

import (
	"context"
	"sync"

	"needmesh/internal/proto"
	"needmesh/internal/router"
	"needmesh/internal/store"
)

// ChatFacet is the standard bilateral capability: every operation forwards
// the triggering envelope to the opposite side, owner submissions to the
// remote need and remote traffic to the owner, scheduled asynchronously
// so callers never block on the network. When a
// connect-side delivery fails, the facet degrades to closing the
// connection instead of leaving the other party hanging in a non-terminal
// state.
type ChatFacet struct {
	deps Deps
}

// ConnectFromOwner forwards the CONNECT to the remote node. The remote's
// synchronous response carries its connection URI, which completes this
// half of the handshake; on delivery failure the connection is closed and
// the owner is told.
func (f *ChatFacet) ConnectFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.deps.Router.ToNode(ctx, env, func(res router.Result) {
		if res.Err != nil {
			f.deps.Log.Warn("connect delivery failed, closing connection", "conn", c.URI, "err", res.Err)
			f.compensateClose(ctx, c, env, closeToOwner)
			return
		}
		if res.Response == nil || res.Response.SenderURI == "" {
			f.deps.Log.Warn("connect response missing remote connection URI", "conn", c.URI)
			return
		}
		if err := f.deps.Machine.RecordRemoteConnection(ctx, c.URI, res.Response.SenderURI); err != nil {
			f.deps.Log.Warn("saving remote connection URI failed", "conn", c.URI, "err", err)
		}
	})
	return nil
}

// ConnectFromNeed notifies the owner side about an inbound connection
// request; on delivery failure a CLOSE goes back to the remote side, as
// if the owner had denied.
func (f *ChatFacet) ConnectFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	var once sync.Once
	f.deps.Router.ToOwnerObserved(ctx, c.NeedURI, "", env, func(err error) {
		once.Do(func() {
			f.deps.Log.Warn("owner notification failed, closing back to remote", "conn", c.URI, "err", err)
			f.compensateClose(ctx, c, env, closeToNode)
		})
	})
	return nil
}

func (f *ChatFacet) OpenFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.forwardToNode(ctx, c, env)
	return nil
}

func (f *ChatFacet) OpenFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.deps.Router.ToOwner(ctx, c.NeedURI, "", env)
	return nil
}

func (f *ChatFacet) CloseFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.forwardToNode(ctx, c, env)
	return nil
}

func (f *ChatFacet) CloseFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.deps.Router.ToOwner(ctx, c.NeedURI, "", env)
	return nil
}

func (f *ChatFacet) SendMessageFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.forwardToNode(ctx, c, env)
	return nil
}

func (f *ChatFacet) SendMessageFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.deps.Router.ToOwner(ctx, c.NeedURI, "", env)
	return nil
}

// Hint builds a HINT_NOTIFICATION for the need's owner carrying the match
// score and optional content. Hints are best-effort: every failure here is
// logged and dropped, never propagated, so matching services are not
// flooded with protocol errors.
func (f *ChatFacet) Hint(ctx context.Context, needURI string, env *proto.Envelope) error {
	b := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(f.deps.NodePrefix)).
		Type(proto.MsgTypeHintNotification).
		Sender("", "", env.SenderNodeURI).
		Receiver(env.ReceiverURI, needURI, f.deps.NodeURI).
		RefersTo(env.MessageURI).
		Content(env.Content)
	if env.Score != nil {
		b.Score(*env.Score)
	}
	notification, err := b.Build()
	if err != nil {
		f.deps.Log.Warn("building hint notification failed", "need", needURI, "err", err)
		return nil
	}
	f.deps.Router.ToOwner(ctx, needURI, "", notification)
	return nil
}

// forwardToNode sends env to the remote side; a failed delivery after the
// local transition has committed degrades to closing the hanging side.
func (f *ChatFacet) forwardToNode(ctx context.Context, c *store.Connection, env *proto.Envelope) {
	f.deps.Router.ToNode(ctx, env, func(res router.Result) {
		if res.Err == nil {
			return
		}
		if env.Type == proto.MsgTypeClose {
			// The remote never learns of the close; nothing further to do
			// at this layer.
			return
		}
		f.deps.Log.Warn("delivery failed, closing connection", "conn", c.URI, "type", env.Type, "err", res.Err)
		f.compensateClose(ctx, c, env, closeToOwner)
	})
}

type closeDirection int

const (
	closeToOwner closeDirection = iota
	closeToNode
)

// compensateClose moves the connection to CLOSED and tells the side that
// would otherwise be left hanging. This is a documented compensating
// action, not a saga: stages already committed stay committed.
func (f *ChatFacet) compensateClose(ctx context.Context, c *store.Connection, cause *proto.Envelope, dir closeDirection) {
	if _, err := f.deps.Machine.Transition(ctx, c.URI, proto.MsgTypeClose); err != nil {
		f.deps.Log.Warn("compensating close transition failed", "conn", c.URI, "err", err)
		return
	}
	closeEnv, err := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(f.deps.NodePrefix)).
		Type(proto.MsgTypeClose).
		Sender(c.URI, c.NeedURI, f.deps.NodeURI).
		Receiver(c.RemoteConnectionURI, c.RemoteNeedURI, remoteNode(c, cause)).
		RefersTo(cause.MessageURI).
		Build()
	if err != nil {
		f.deps.Log.Warn("building compensating close failed", "conn", c.URI, "err", err)
		return
	}
	switch dir {
	case closeToOwner:
		owner := closeEnv
		owner.ReceiverURI = c.URI
		owner.ReceiverNeedURI = c.NeedURI
		owner.ReceiverNodeURI = f.deps.NodeURI
		f.deps.Router.ToOwner(ctx, c.NeedURI, "", owner)
	case closeToNode:
		f.deps.Router.ToNode(ctx, closeEnv, nil)
	}
}

func remoteNode(c *store.Connection, cause *proto.Envelope) string {
	if cause.ReceiverNodeURI != "" && cause.ReceiverNeedURI == c.RemoteNeedURI {
		return cause.ReceiverNodeURI
	}
	if cause.SenderNeedURI == c.RemoteNeedURI {
		return cause.SenderNodeURI
	}
	return proto.NodeURIForNeed(c.RemoteNeedURI)
}

var (
	_ Facet = (*ChatFacet)(nil)
	_ Facet = unsupported{}
)
