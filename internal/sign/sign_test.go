package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"needmesh/internal/proto"
)

func testEnvelope(t *testing.T, text string) *proto.Envelope {
	t.Helper()
	env, err := proto.NewBuilder().
		MessageURI("need://a/event/1").
		Type(proto.MsgTypeSendMessage).
		Sender("need://a/connection/1", "need://a/need/1", "need://a").
		Receiver("need://b/connection/1", "need://b/need/1", "need://b").
		TextContent("need://a/connection/1", text).
		Build()
	require.NoError(t, err)
	return env
}

func keyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestSignThenVerify(t *testing.T) {
	pub, priv := keyPair(t)
	signer := &Ed25519Signer{NodeURI: "need://a", Key: priv}
	verifier := &Ed25519Verifier{Resolver: StaticKeys{"need://a": pub}}

	env := testEnvelope(t, "hello")
	signed, err := signer.Sign(env)
	require.NoError(t, err)
	assert.Empty(t, env.Signatures)
	require.Len(t, signed.Signatures, 1)

	require.NoError(t, verifier.Verify(signed))
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	pub, priv := keyPair(t)
	signer := &Ed25519Signer{NodeURI: "need://a", Key: priv}
	verifier := &Ed25519Verifier{Resolver: StaticKeys{"need://a": pub}}

	signed, err := signer.Sign(testEnvelope(t, "hello"))
	require.NoError(t, err)
	signed.Content[0].Object = "goodbye"

	err = verifier.Verify(signed)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyRejectsUnsignedEnvelope(t *testing.T) {
	pub, _ := keyPair(t)
	verifier := &Ed25519Verifier{Resolver: StaticKeys{"need://a": pub}}

	err := verifier.Verify(testEnvelope(t, "hello"))
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyRejectsUnknownSigner(t *testing.T) {
	_, priv := keyPair(t)
	signer := &Ed25519Signer{NodeURI: "need://stranger", Key: priv}
	verifier := &Ed25519Verifier{Resolver: StaticKeys{}}

	signed, err := signer.Sign(testEnvelope(t, "hello"))
	require.NoError(t, err)
	require.Error(t, verifier.Verify(signed))
}

func TestAcceptAllPassesAnything(t *testing.T) {
	require.NoError(t, AcceptAll{}.Verify(testEnvelope(t, "whatever")))
}
