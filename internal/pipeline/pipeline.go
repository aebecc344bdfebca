// Package pipeline runs every envelope through a fixed stage order:
// verify first (or sign, for owner submissions), then persist the
// envelope together with the connection change it causes in one store
// transaction, then dispatch to the connection's facet, then route the
// resulting deliveries. A failure before the commit leaves nothing
// persisted or routed for that envelope; failures after it are reported
// to the caller but the committed stages stand.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"needmesh/internal/conn"
	"needmesh/internal/facet"
	"needmesh/internal/proto"
	"needmesh/internal/router"
	"needmesh/internal/sign"
	"needmesh/internal/store"
)

type Pipeline struct {
	verifier   sign.Verifier
	signer     sign.Signer
	store      *store.Store
	machine    *conn.Machine
	facets     *facet.Registry
	router     *router.Router
	nodeURI    string
	nodePrefix string
	log        *slog.Logger
}

type Options struct {
	Verifier   sign.Verifier
	Signer     sign.Signer
	Store      *store.Store
	Machine    *conn.Machine
	Facets     *facet.Registry
	Router     *router.Router
	NodeURI    string
	NodePrefix string
	Log        *slog.Logger
}

func New(opts Options) *Pipeline {
	if opts.Verifier == nil {
		opts.Verifier = sign.AcceptAll{}
	}
	if opts.Signer == nil {
		opts.Signer = sign.NoopSigner{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Pipeline{
		verifier:   opts.Verifier,
		signer:     opts.Signer,
		store:      opts.Store,
		machine:    opts.Machine,
		facets:     opts.Facets,
		router:     opts.Router,
		nodeURI:    opts.NodeURI,
		nodePrefix: opts.NodePrefix,
		log:        opts.Log,
	}
}

// SetRouter breaks the construction cycle between the router (whose
// system queue feeds back into the pipeline) and the pipeline itself.
func (p *Pipeline) SetRouter(r *router.Router) { p.router = r }

// Inbound processes an envelope that arrived from a remote node or a
// matching service. It returns the connection the envelope was applied
// to (nil for hints and responses) so transport adapters can answer with
// this side's connection URI.
func (p *Pipeline) Inbound(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	if err := p.verifier.Verify(env); err != nil {
		return nil, fmt.Errorf("verify %s: %w", env.MessageURI, err)
	}
	switch env.Type {
	case proto.MsgTypeConnect:
		return p.inboundConnect(ctx, env)
	case proto.MsgTypeOpen, proto.MsgTypeClose, proto.MsgTypeSendMessage:
		return p.inboundConnectionMessage(ctx, env)
	case proto.MsgTypeHint:
		return nil, p.inboundHint(ctx, env)
	case proto.MsgTypeSuccessResponse, proto.MsgTypeFailureResponse, proto.MsgTypeHintNotification:
		return nil, p.inboundNotification(ctx, env)
	default:
		return nil, fmt.Errorf("%w: %s", proto.ErrUnknownMessageType, env.Type)
	}
}

// Outbound processes an envelope submitted by a local owner application.
// It is signed here instead of verified; the stage order is otherwise
// identical to Inbound. An accepted submission is acknowledged with a
// SUCCESS_RESPONSE over the system loop-back, the local mirror of the
// wire response remote senders get.
func (p *Pipeline) Outbound(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	signed, err := p.signer.Sign(env)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", env.MessageURI, err)
	}
	env = signed
	var c *store.Connection
	switch env.Type {
	case proto.MsgTypeConnect:
		c, err = p.outboundConnect(ctx, env)
	case proto.MsgTypeOpen, proto.MsgTypeClose, proto.MsgTypeSendMessage:
		c, err = p.outboundConnectionMessage(ctx, env)
	default:
		return nil, fmt.Errorf("%w: %s from owner", proto.ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	p.ackOutbound(ctx, env)
	return c, nil
}

// ackOutbound loops a SUCCESS_RESPONSE for an accepted owner submission
// back through the system queue, where inboundNotification stores it and
// delivers it to the need's owner applications.
func (p *Pipeline) ackOutbound(ctx context.Context, env *proto.Envelope) {
	if p.router == nil {
		return
	}
	resp, err := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(p.nodePrefix)).
		Type(proto.MsgTypeSuccessResponse).
		Sender("", env.ReceiverNeedURI, p.nodeURI).
		Receiver(env.SenderURI, env.SenderNeedURI, p.nodeURI).
		RespondsTo(env.MessageURI).
		Build()
	if err != nil {
		p.log.Warn("building submission ack failed", "responds_to", env.MessageURI, "err", err)
		return
	}
	signed, err := p.signer.Sign(resp)
	if err != nil {
		p.log.Warn("signing submission ack failed", "responds_to", env.MessageURI, "err", err)
		signed = resp
	}
	p.router.ToSystem(ctx, signed)
}

func (p *Pipeline) inboundConnect(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	if env.ReceiverURI != "" {
		return p.bindConnect(ctx, env)
	}
	needURI := env.ReceiverNeedURI
	c, err := p.machine.ConnectInbound(ctx, env,
		proto.NewConnectionURI(p.nodePrefix), needURI, env.SenderNeedURI, env.SenderURI, p.selectFacet(env))
	if err != nil {
		return nil, err
	}
	return c, p.dispatch(ctx, c, env, func(f facet.Facet) error {
		return f.ConnectFromNeed(ctx, c, env)
	})
}

// bindConnect handles a CONNECT addressed at an existing local half: the
// answer to a request whose transaction URI the remote learned out of
// band. The sender's connection URI is recorded as this half's remote;
// no new connection is created.
func (p *Pipeline) bindConnect(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	c, err := p.store.GetConnection(ctx, env.ReceiverURI)
	if err != nil {
		return nil, err
	}
	if err := p.store.SaveEnvelope(ctx, env, c.URI, c.NeedURI); err != nil {
		return nil, err
	}
	if env.SenderURI != "" {
		if err := p.machine.RecordRemoteConnection(ctx, c.URI, env.SenderURI); err != nil {
			return nil, err
		}
		c.RemoteConnectionURI = env.SenderURI
	}
	return c, p.dispatch(ctx, c, env, func(f facet.Facet) error {
		return f.ConnectFromNeed(ctx, c, env)
	})
}

func (p *Pipeline) inboundConnectionMessage(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	connURI := env.ReceiverURI
	if connURI == "" {
		return nil, fmt.Errorf("%w: %s without receiver URI", conn.ErrNoSuchConnection, env.Type)
	}
	c, err := p.machine.ApplyEnvelope(ctx, connURI, env.ReceiverNeedURI, env)
	if err != nil {
		return nil, err
	}
	// An OPEN completes the handshake: learn the remote half's URI if this
	// side does not have it yet.
	if env.Type == proto.MsgTypeOpen && c.RemoteConnectionURI == "" && env.SenderURI != "" {
		if err := p.machine.RecordRemoteConnection(ctx, c.URI, env.SenderURI); err != nil {
			p.log.Warn("saving remote connection URI failed", "conn", c.URI, "err", err)
		} else {
			c.RemoteConnectionURI = env.SenderURI
		}
	}
	return c, p.dispatch(ctx, c, env, func(f facet.Facet) error {
		switch env.Type {
		case proto.MsgTypeOpen:
			return f.OpenFromNeed(ctx, c, env)
		case proto.MsgTypeClose:
			return f.CloseFromNeed(ctx, c, env)
		default:
			return f.SendMessageFromNeed(ctx, c, env)
		}
	})
}

func (p *Pipeline) inboundHint(ctx context.Context, env *proto.Envelope) error {
	needURI := env.ReceiverNeedURI
	need, err := p.store.GetNeed(ctx, needURI)
	if err != nil {
		return err
	}
	if need.State != store.NeedActive {
		return fmt.Errorf("%w: %s is %s", conn.ErrNeedNotActive, needURI, need.State)
	}
	if err := p.store.SaveEnvelope(ctx, env, "", needURI); err != nil {
		return err
	}
	f, err := p.facets.Get(p.needFacet(need))
	if err != nil {
		return err
	}
	return f.Hint(ctx, needURI, env)
}

// inboundNotification handles system responses and hint notifications
// arriving over the loop-back queue: persist, then hand to the owner side.
// No connection transition is involved.
func (p *Pipeline) inboundNotification(ctx context.Context, env *proto.Envelope) error {
	if err := p.store.SaveEnvelope(ctx, env, env.ReceiverURI, env.ReceiverNeedURI); err != nil {
		return err
	}
	if env.ReceiverNeedURI != "" && p.router != nil {
		p.router.ToOwner(ctx, env.ReceiverNeedURI, "", env)
	}
	return nil
}

func (p *Pipeline) outboundConnect(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	connURI := env.SenderURI
	if connURI == "" {
		return nil, fmt.Errorf("%w: CONNECT without sender connection URI", proto.ErrMissingField)
	}
	c, err := p.machine.ConnectOutbound(ctx, env, connURI, env.SenderNeedURI, env.ReceiverNeedURI, env.ReceiverURI, p.selectFacet(env))
	if err != nil {
		return nil, err
	}
	return c, p.dispatch(ctx, c, env, func(f facet.Facet) error {
		return f.ConnectFromOwner(ctx, c, env)
	})
}

func (p *Pipeline) outboundConnectionMessage(ctx context.Context, env *proto.Envelope) (*store.Connection, error) {
	connURI := env.SenderURI
	if connURI == "" {
		return nil, fmt.Errorf("%w: %s without sender URI", conn.ErrNoSuchConnection, env.Type)
	}
	c, err := p.machine.ApplyEnvelope(ctx, connURI, env.SenderNeedURI, env)
	if err != nil {
		return nil, err
	}
	return c, p.dispatch(ctx, c, env, func(f facet.Facet) error {
		switch env.Type {
		case proto.MsgTypeOpen:
			return f.OpenFromOwner(ctx, c, env)
		case proto.MsgTypeClose:
			return f.CloseFromOwner(ctx, c, env)
		default:
			return f.SendMessageFromOwner(ctx, c, env)
		}
	})
}

func (p *Pipeline) dispatch(ctx context.Context, c *store.Connection, env *proto.Envelope, op func(facet.Facet) error) error {
	f, err := p.facets.Get(c.FacetURI)
	if err != nil {
		return err
	}
	if err := op(f); err != nil {
		return fmt.Errorf("dispatch %s on %s: %w", env.Type, c.URI, err)
	}
	return nil
}

// selectFacet picks the capability socket for a new connection from the
// envelope content, falling back to the default.
func (p *Pipeline) selectFacet(env *proto.Envelope) string {
	if uri := proto.FirstObject(env.Content, proto.PredFacet); uri != "" && p.facets.Supports(uri) {
		return uri
	}
	return facet.DefaultFacetURI
}

func (p *Pipeline) needFacet(n *store.Need) string {
	for _, uri := range n.FacetURIs {
		if p.facets.Supports(uri) {
			return uri
		}
	}
	return facet.DefaultFacetURI
}
