// Package facet holds the per-connection capability implementations. Each
// connection is bound to exactly one facet at connect time; the facet
// decides how open/close/message/connect/hint behave for that connection,
// while protocol legality stays with the state machine.
package facet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"needmesh/internal/conn"
	"needmesh/internal/proto"
	"needmesh/internal/router"
	"needmesh/internal/store"
)

var (
	ErrUnsupportedOperation = errors.New("operation not supported by facet")
	ErrUnknownFacet         = errors.New("unknown facet")
)

const (
	ChatFacetURI  = "facet:chat"
	GroupFacetURI = "facet:group"

	DefaultFacetURI = ChatFacetURI
)

// Facet is the capability socket contract. Owner-side operations react to
// envelopes submitted by the local owner; need-side operations react to
// envelopes that arrived from the remote node. Every operation schedules
// its side effects asynchronously via the router and returns before any
// network I/O happens.
type Facet interface {
	ConnectFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error
	OpenFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error
	CloseFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error
	SendMessageFromOwner(ctx context.Context, c *store.Connection, env *proto.Envelope) error

	ConnectFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error
	OpenFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error
	CloseFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error
	SendMessageFromNeed(ctx context.Context, c *store.Connection, env *proto.Envelope) error

	Hint(ctx context.Context, needURI string, env *proto.Envelope) error
}

// Deps are the collaborators every facet shares.
type Deps struct {
	Router     *router.Router
	Store      *store.Store
	Machine    *conn.Machine
	NodeURI    string
	NodePrefix string
	Log        *slog.Logger
}

// Registry maps facet URIs to constructors. The variant set is closed:
// selecting an unregistered facet is an error, not a silent default.
type Registry struct {
	factories map[string]func(Deps) Facet
	deps      Deps
}

func NewRegistry(deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	r := &Registry{factories: make(map[string]func(Deps) Facet), deps: deps}
	r.Register(ChatFacetURI, func(d Deps) Facet { return &ChatFacet{deps: d} })
	r.Register(GroupFacetURI, func(d Deps) Facet { return &GroupFacet{ChatFacet{deps: d}} })
	return r
}

func (r *Registry) Register(uri string, factory func(Deps) Facet) {
	r.factories[uri] = factory
}

func (r *Registry) Get(facetURI string) (Facet, error) {
	factory, ok := r.factories[facetURI]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFacet, facetURI)
	}
	return factory(r.deps), nil
}

func (r *Registry) Supports(facetURI string) bool {
	_, ok := r.factories[facetURI]
	return ok
}

// unsupported is the explicit no-op base. Facet variants embed it and
// override the operations they implement; everything else fails loudly.
type unsupported struct{}

func (unsupported) ConnectFromOwner(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) OpenFromOwner(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) CloseFromOwner(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) SendMessageFromOwner(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) ConnectFromNeed(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) OpenFromNeed(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) CloseFromNeed(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) SendMessageFromNeed(context.Context, *store.Connection, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
func (unsupported) Hint(context.Context, string, *proto.Envelope) error {
	return ErrUnsupportedOperation
}
