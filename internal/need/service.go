// Package need is the owner-facing surface: everything a local owner
// application can do with a published need. It builds envelopes and hands
// them to the pipeline; it never touches connection state directly.
package need

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"needmesh/internal/pipeline"
	"needmesh/internal/proto"
	"needmesh/internal/sign"
	"needmesh/internal/store"
)

// MaxConnectMessageLen bounds the free-text message of a connect request.
const MaxConnectMessageLen = 140

var ErrMessageTooLong = errors.New("connect message exceeds maximum length")

// Match is one hint received for a need.
type Match struct {
	NeedURI       string
	Score         float64
	OriginatorURI string
}

// Service exposes the owner operations for needs hosted on this node.
type Service struct {
	Store      *store.Store
	Pipe       *pipeline.Pipeline
	Signer     sign.Signer
	NodeURI    string
	NodePrefix string
	Log        *slog.Logger
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Create publishes a new need in ACTIVE state and returns its URI.
func (s *Service) Create(ctx context.Context, content string, facetURIs []string) (string, error) {
	uri := proto.NewNeedURI(s.NodePrefix)
	n := store.Need{URI: uri, State: store.NeedActive, Content: content, FacetURIs: facetURIs}
	if err := s.Store.CreateNeed(ctx, n); err != nil {
		return "", err
	}
	return uri, nil
}

// Read returns the need record.
func (s *Service) Read(ctx context.Context, needURI string) (*store.Need, error) {
	return s.Store.GetNeed(ctx, needURI)
}

// Update replaces the need's content. Deleted needs reject updates.
func (s *Service) Update(ctx context.Context, needURI, content string) error {
	return s.Store.UpdateNeedContent(ctx, needURI, content)
}

// Activate returns an inactive need to ACTIVE.
func (s *Service) Activate(ctx context.Context, needURI string) error {
	return s.Store.UpdateNeedState(ctx, needURI, store.NeedActive)
}

// Deactivate stops the need from accepting new connections; existing
// conversations continue.
func (s *Service) Deactivate(ctx context.Context, needURI string) error {
	return s.Store.UpdateNeedState(ctx, needURI, store.NeedInactive)
}

// Delete marks the need DELETED and closes its remaining open
// conversations. Close delivery is best effort; the deletion itself is
// not rolled back on delivery failure.
func (s *Service) Delete(ctx context.Context, needURI string) error {
	if err := s.Store.UpdateNeedState(ctx, needURI, store.NeedDeleted); err != nil {
		return err
	}
	conns, err := s.Store.ConnectionsByNeed(ctx, needURI)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if c.State.Terminal() {
			continue
		}
		env, err := proto.NewBuilder().
			MessageURI(proto.NewMessageURI(s.NodePrefix)).
			Type(proto.MsgTypeClose).
			Sender(c.URI, needURI, s.NodeURI).
			Receiver(c.RemoteConnectionURI, c.RemoteNeedURI, proto.NodeURIForNeed(c.RemoteNeedURI)).
			Build()
		if err != nil {
			return err
		}
		if _, err := s.Pipe.Outbound(ctx, env); err != nil {
			s.log().Warn("closing connection of deleted need failed", "conn", c.URI, "err", err)
		}
	}
	return nil
}

// ConnectTo starts a conversation with a remote need. The returned
// transaction URI identifies this side's half of the connection and is
// what the remote must quote to complete the handshake.
func (s *Service) ConnectTo(ctx context.Context, needURI, remoteNeedURI, message string) (string, error) {
	if utf8.RuneCountInString(message) > MaxConnectMessageLen {
		return "", fmt.Errorf("%w: %d > %d", ErrMessageTooLong, utf8.RuneCountInString(message), MaxConnectMessageLen)
	}
	connURI := proto.NewConnectionURI(s.NodePrefix)
	env, err := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(s.NodePrefix)).
		Type(proto.MsgTypeConnect).
		Sender(connURI, needURI, s.NodeURI).
		Receiver("", remoteNeedURI, proto.NodeURIForNeed(remoteNeedURI)).
		TextContent(connURI, message).
		Build()
	if err != nil {
		return "", err
	}
	c, err := s.Pipe.Outbound(ctx, env)
	if err != nil {
		return "", err
	}
	return c.URI, nil
}

// RequestConnection answers a connect whose transaction URI the caller
// learned out of band. The remote transaction URI is stored as the new
// half's remote connection and quoted as the receiver on the wire, so the
// other side binds its existing half instead of creating a second one.
func (s *Service) RequestConnection(ctx context.Context, needURI, remoteNeedURI, remoteTransactionURI, message string) (string, error) {
	if utf8.RuneCountInString(message) > MaxConnectMessageLen {
		return "", fmt.Errorf("%w: %d > %d", ErrMessageTooLong, utf8.RuneCountInString(message), MaxConnectMessageLen)
	}
	connURI := proto.NewConnectionURI(s.NodePrefix)
	env, err := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(s.NodePrefix)).
		Type(proto.MsgTypeConnect).
		Sender(connURI, needURI, s.NodeURI).
		Receiver(remoteTransactionURI, remoteNeedURI, proto.NodeURIForNeed(remoteNeedURI)).
		TextContent(connURI, message).
		Build()
	if err != nil {
		return "", err
	}
	c, err := s.Pipe.Outbound(ctx, env)
	if err != nil {
		return "", err
	}
	return c.URI, nil
}

// Hint records a match between this need and another. The score is
// clamped into [0,1], never rejected. The envelope is signed locally so
// it passes the gate like any other inbound message.
func (s *Service) Hint(ctx context.Context, needURI, otherNeedURI string, score float64, originatorURI string) error {
	env, err := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(s.NodePrefix)).
		Type(proto.MsgTypeHint).
		Sender("", otherNeedURI, originatorURI).
		Receiver("", needURI, s.NodeURI).
		Content([]proto.Statement{{Subject: needURI, Predicate: proto.PredMatchedNeed, Object: otherNeedURI}}).
		Score(score).
		Build()
	if err != nil {
		return err
	}
	if s.Signer != nil {
		if env, err = s.Signer.Sign(env); err != nil {
			return err
		}
	}
	_, err = s.Pipe.Inbound(ctx, env)
	return err
}

// GetMatches lists the hints stored for a need, most recent last.
func (s *Service) GetMatches(ctx context.Context, needURI string) ([]Match, error) {
	envs, err := s.Store.HintsByNeed(ctx, needURI)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(envs))
	for _, env := range envs {
		m := Match{
			NeedURI:       proto.FirstObject(env.Content, proto.PredMatchedNeed),
			OriginatorURI: env.SenderNodeURI,
		}
		if env.Score != nil {
			m.Score = *env.Score
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// ListTransactionURIs lists the connection URIs of a need, open and
// closed alike.
func (s *Service) ListTransactionURIs(ctx context.Context, needURI string) ([]string, error) {
	conns, err := s.Store.ConnectionsByNeed(ctx, needURI)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(conns))
	for _, c := range conns {
		uris = append(uris, c.URI)
	}
	return uris, nil
}
