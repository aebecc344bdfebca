package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"needmesh/internal/proto"
	"needmesh/internal/store"
)

// Invalidator is the cache-busting surface of a source; CachingSource
// implements it. A source without a cache can provide a no-op.
type Invalidator interface {
	Invalidate(containerURI string)
}

// Reconstructor rebuilds agreement state from both halves of a
// conversation. Reads race concurrent deliveries, so a fold that trips
// over a missing referenced envelope invalidates the containers involved
// and retries, at most once per distinct missing URI.
type Reconstructor struct {
	Source      Source
	Invalidator Invalidator
	Store       *store.Store
	Log         *slog.Logger
}

// Reconstruct fetches the conversation for connURI and its remote
// counterpart and folds it. If the same resource is still missing after
// its one retry, the original incomplete error is surfaced.
func (r *Reconstructor) Reconstruct(ctx context.Context, connURI string) (*State, error) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	conn, err := r.Store.GetConnection(ctx, connURI)
	if err != nil {
		return nil, err
	}
	retried := make(map[string]struct{})
	for {
		envs, err := r.fetch(ctx, connURI, conn.RemoteConnectionURI)
		if err != nil {
			return nil, err
		}
		st, err := Fold(envs)
		if err == nil {
			return st, nil
		}
		var inc *IncompleteError
		if !errors.As(err, &inc) {
			return nil, err
		}
		if _, done := retried[inc.MissingURI]; done {
			return nil, fmt.Errorf("conversation for %s stayed incomplete after refetch: %w", connURI, err)
		}
		retried[inc.MissingURI] = struct{}{}
		log.Debug("refetching incomplete conversation",
			"connection", connURI, "missing", inc.MissingURI, "referring", inc.ReferringURI)
		if r.Invalidator != nil {
			r.Invalidator.Invalidate(connURI)
			if conn.RemoteConnectionURI != "" {
				r.Invalidator.Invalidate(conn.RemoteConnectionURI)
			}
		}
	}
}

// fetch merges both containers into one ordered, deduplicated set. Local
// envelopes come first in persistence order; remote envelopes not seen
// locally follow in the remote's order.
func (r *Reconstructor) fetch(ctx context.Context, connURI, remoteConnURI string) ([]*proto.Envelope, error) {
	local, err := r.Source.Conversation(ctx, connURI)
	if err != nil {
		return nil, err
	}
	if remoteConnURI == "" {
		return local, nil
	}
	remote, err := r.Source.Conversation(ctx, remoteConnURI)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(local))
	merged := make([]*proto.Envelope, 0, len(local)+len(remote))
	for _, env := range local {
		seen[env.MessageURI] = struct{}{}
		merged = append(merged, env)
	}
	for _, env := range remote {
		if _, dup := seen[env.MessageURI]; dup {
			continue
		}
		seen[env.MessageURI] = struct{}{}
		merged = append(merged, env)
	}
	return merged, nil
}
