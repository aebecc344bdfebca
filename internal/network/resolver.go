package network

import (
	"context"
	"fmt"
	"sync"

	"needmesh/internal/proto"
)

// Resolver maps node URIs to dial addresses and performs envelope
// exchanges with them. It implements the remote-delivery side of the
// router.
type Resolver struct {
	mu    sync.Mutex
	addrs map[string]string
}

func NewResolver(addrs map[string]string) *Resolver {
	m := make(map[string]string, len(addrs))
	for k, v := range addrs {
		m[k] = v
	}
	return &Resolver{addrs: m}
}

// Register adds or replaces the dial address for a node.
func (r *Resolver) Register(nodeURI, addr string) {
	r.mu.Lock()
	r.addrs[nodeURI] = addr
	r.mu.Unlock()
}

// Lookup returns the dial address for a node, or "" when unknown.
func (r *Resolver) Lookup(nodeURI string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs[nodeURI]
}

// Known lists every node URI with a registered address.
func (r *Resolver) Known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.addrs))
	for k := range r.addrs {
		out = append(out, k)
	}
	return out
}

// Send encodes env, exchanges it with the node's address, and decodes the
// synchronous response envelope.
func (r *Resolver) Send(ctx context.Context, nodeURI string, env *proto.Envelope) (*proto.Envelope, error) {
	addr := r.Lookup(nodeURI)
	if addr == "" {
		return nil, fmt.Errorf("no address for node %s", nodeURI)
	}
	payload, err := proto.EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	respBytes, err := Exchange(ctx, addr, payload)
	if err != nil {
		return nil, err
	}
	resp, err := proto.DecodeEnvelope(respBytes)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", nodeURI, err)
	}
	if resp.Type == proto.MsgTypeFailureResponse {
		return resp, fmt.Errorf("remote %s rejected %s: %s", nodeURI, env.MessageURI, proto.FirstObject(resp.Content, proto.PredTextMessage))
	}
	return resp, nil
}
