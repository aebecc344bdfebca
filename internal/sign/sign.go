// Package sign implements the envelope signature gate. The gate sits in
// front of the processing pipeline: an envelope that fails here is reported
// as a protocol error and never persisted or routed.
package sign

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"needmesh/internal/proto"
)

var ErrSignatureInvalid = errors.New("signature invalid")

// Verifier decides pass/fail for an envelope. Implementations must be free
// of side effects; the pipeline owns all state changes.
type Verifier interface {
	Verify(env *proto.Envelope) error
}

// Signer produces the signature block attached to outbound envelopes.
type Signer interface {
	Sign(env *proto.Envelope) (*proto.Envelope, error)
}

// KeyResolver maps a signer node URI to its verification key.
type KeyResolver interface {
	ResolveKey(nodeURI string) (ed25519.PublicKey, error)
}

// Ed25519Verifier checks every signature block over the envelope's
// canonical digest. An envelope without any signature block fails.
type Ed25519Verifier struct {
	Resolver KeyResolver
}

func (v *Ed25519Verifier) Verify(env *proto.Envelope) error {
	if len(env.Signatures) == 0 {
		return fmt.Errorf("%w: unsigned envelope %s", ErrSignatureInvalid, env.MessageURI)
	}
	digest := proto.Digest(env)
	for _, sig := range env.Signatures {
		key, err := v.Resolver.ResolveKey(sig.SignerNodeURI)
		if err != nil {
			return fmt.Errorf("%w: no key for signer %s: %v", ErrSignatureInvalid, sig.SignerNodeURI, err)
		}
		raw, err := hex.DecodeString(sig.Value)
		if err != nil {
			return fmt.Errorf("%w: malformed signature from %s", ErrSignatureInvalid, sig.SignerNodeURI)
		}
		if !ed25519.Verify(key, digest[:], raw) {
			return fmt.Errorf("%w: bad signature from %s on %s", ErrSignatureInvalid, sig.SignerNodeURI, env.MessageURI)
		}
	}
	return nil
}

// Ed25519Signer signs the canonical digest with the node's key.
type Ed25519Signer struct {
	NodeURI string
	Key     ed25519.PrivateKey
}

func (s *Ed25519Signer) Sign(env *proto.Envelope) (*proto.Envelope, error) {
	if len(s.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: bad key size %d", len(s.Key))
	}
	digest := proto.Digest(env)
	raw := ed25519.Sign(s.Key, digest[:])
	return env.WithSignature(proto.Signature{
		SignerNodeURI: s.NodeURI,
		Value:         hex.EncodeToString(raw),
	}), nil
}

// StaticKeys resolves keys from a fixed map, for configuration-driven
// deployments and tests.
type StaticKeys map[string]ed25519.PublicKey

func (m StaticKeys) ResolveKey(nodeURI string) (ed25519.PublicKey, error) {
	key, ok := m[nodeURI]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", nodeURI)
	}
	return key, nil
}

// AcceptAll passes every envelope. It reproduces the behavior of systems
// that defer key distribution; a production deployment plugs in a real
// verifier with the same call contract.
type AcceptAll struct{}

func (AcceptAll) Verify(*proto.Envelope) error { return nil }

// NoopSigner returns the envelope unchanged.
type NoopSigner struct{}

func (NoopSigner) Sign(env *proto.Envelope) (*proto.Envelope, error) { return env, nil }
