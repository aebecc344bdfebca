package agreement

import (
	"context"
	"sync"

	"needmesh/internal/proto"
	"needmesh/internal/store"
)

// Source fetches the envelopes of one message container. containerURI is
// a connection URI; a source may serve it from local storage or from a
// remote node.
type Source interface {
	Conversation(ctx context.Context, containerURI string) ([]*proto.Envelope, error)
}

// StoreSource reads conversations from the local envelope store.
type StoreSource struct {
	Store *store.Store
}

func (s *StoreSource) Conversation(ctx context.Context, containerURI string) ([]*proto.Envelope, error) {
	return s.Store.EnvelopesByConnection(ctx, containerURI)
}

// CachingSource memoizes container fetches per URI. Invalidate drops one
// entry so the next fetch goes back to the underlying source; this is the
// lever the reconstruction retry uses to heal a read that raced a write.
type CachingSource struct {
	inner Source

	mu    sync.Mutex
	cache map[string][]*proto.Envelope
}

func NewCachingSource(inner Source) *CachingSource {
	return &CachingSource{inner: inner, cache: make(map[string][]*proto.Envelope)}
}

func (c *CachingSource) Conversation(ctx context.Context, containerURI string) ([]*proto.Envelope, error) {
	c.mu.Lock()
	if envs, ok := c.cache[containerURI]; ok {
		c.mu.Unlock()
		return envs, nil
	}
	c.mu.Unlock()

	envs, err := c.inner.Conversation(ctx, containerURI)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[containerURI] = envs
	c.mu.Unlock()
	return envs, nil
}

// Invalidate drops the cached conversation for one container URI.
func (c *CachingSource) Invalidate(containerURI string) {
	c.mu.Lock()
	delete(c.cache, containerURI)
	c.mu.Unlock()
}
