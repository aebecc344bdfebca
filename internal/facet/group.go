package facet

import (
	"context"

	"needmesh/internal/proto"
	"needmesh/internal/store"
)

// GroupFacet turns a need into a group: a message arriving on one member
// connection is fanned out to every other CONNECTED member of the same
// need. Handshake and hint behavior is inherited from the chat facet.
type GroupFacet struct {
	ChatFacet
}

func (f *GroupFacet) SendMessageFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.forwardToNode(ctx, c, env)
	return f.fanOut(ctx, c, env)
}

func (f *GroupFacet) SendMessageFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error {
	f.deps.Router.ToOwner(ctx, c.NeedURI, "", env)
	return f.fanOut(ctx, c, env)
}

// fanOut re-addresses the message to every other connected member and
// schedules one send per member. Individual member failures are handled
// by the usual delivery path; the group does not abort on one bad member.
func (f *GroupFacet) fanOut(ctx context.Context, origin *store.Connection, env *proto.Envelope) error {
	members, err := f.deps.Store.ConnectionsByNeed(ctx, origin.NeedURI)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.URI == origin.URI || member.State != store.StateConnected {
			continue
		}
		forward, err := proto.NewBuilder().
			MessageURI(proto.NewMessageURI(f.deps.NodePrefix)).
			Type(proto.MsgTypeSendMessage).
			Sender(member.URI, member.NeedURI, f.deps.NodeURI).
			Receiver(member.RemoteConnectionURI, member.RemoteNeedURI, remoteNode(member, env)).
			RefersTo(env.MessageURI).
			Content(env.Content).
			Build()
		if err != nil {
			f.deps.Log.Warn("group fan-out build failed", "conn", member.URI, "err", err)
			continue
		}
		f.forwardToNode(ctx, member, forward)
	}
	return nil
}

var _ Facet = (*GroupFacet)(nil)
