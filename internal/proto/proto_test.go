package proto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageTypeRejectsUnknown(t *testing.T) {
	_, err := ParseMessageType("GOSSIP")
	require.ErrorIs(t, err, ErrUnknownMessageType)

	mt, err := ParseMessageType("CONNECT")
	require.NoError(t, err)
	assert.Equal(t, MsgTypeConnect, mt)
}

func TestBuilderRequiresCoreFields(t *testing.T) {
	_, err := NewBuilder().Type(MsgTypeConnect).Build()
	require.ErrorIs(t, err, ErrMissingField)

	_, err = NewBuilder().
		MessageURI("need://a/event/1").
		Type("BOGUS").
		Sender("", "need://a/need/1", "need://a").
		Receiver("", "need://b/need/1", "need://b").
		Build()
	require.ErrorIs(t, err, ErrUnknownMessageType)

	env, err := NewBuilder().
		MessageURI("need://a/event/1").
		Type(MsgTypeConnect).
		Sender("need://a/connection/1", "need://a/need/1", "need://a").
		Receiver("", "need://b/need/1", "need://b").
		TextContent("need://a/connection/1", "hello").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "hello", FirstObject(env.Content, PredTextMessage))
}

func TestScoreClamped(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-0.4))
	assert.Equal(t, 1.0, ClampScore(3.7))
	assert.Equal(t, 0.5, ClampScore(0.5))

	env, err := NewBuilder().
		MessageURI("need://m/event/1").
		Type(MsgTypeHint).
		Sender("", "need://b/need/1", "need://m").
		Receiver("", "need://a/need/1", "need://a").
		Score(1.5).
		Build()
	require.NoError(t, err)
	require.NotNil(t, env.Score)
	assert.Equal(t, 1.0, *env.Score)
}

func TestWithSignatureLeavesOriginalUntouched(t *testing.T) {
	env, err := NewBuilder().
		MessageURI("need://a/event/1").
		Type(MsgTypeOpen).
		Sender("need://a/connection/1", "need://a/need/1", "need://a").
		Receiver("need://b/connection/1", "need://b/need/1", "need://b").
		Build()
	require.NoError(t, err)

	signed := env.WithSignature(Signature{SignerNodeURI: "need://a", Value: "00ff"})
	assert.Empty(t, env.Signatures)
	require.Len(t, signed.Signatures, 1)
	assert.Equal(t, "need://a", signed.Signatures[0].SignerNodeURI)
}

func TestCanonicalDigestTracksContent(t *testing.T) {
	build := func(text string) *Envelope {
		env, err := NewBuilder().
			MessageURI("need://a/event/1").
			Type(MsgTypeSendMessage).
			Sender("need://a/connection/1", "need://a/need/1", "need://a").
			Receiver("need://b/connection/1", "need://b/need/1", "need://b").
			TextContent("need://a/connection/1", text).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		return env
	}
	a := Digest(build("hello"))
	b := Digest(build("hello"))
	c := Digest(build("goodbye"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	env, err := NewBuilder().
		MessageURI("need://a/event/1").
		Type(MsgTypeConnect).
		Sender("need://a/connection/1", "need://a/need/1", "need://a").
		Receiver("", "need://b/need/1", "need://b").
		TextContent("need://a/connection/1", "let's talk").
		Build()
	require.NoError(t, err)

	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)
	back, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env, back)
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"message_uri":"need://a/event/1","type":"GOSSIP"}`))
	require.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = DecodeEnvelope([]byte(`{"type":"CONNECT"}`))
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	require.Error(t, err)
}

func TestURIMinting(t *testing.T) {
	msg := NewMessageURI("need://node-a")
	assert.True(t, strings.HasPrefix(msg, "need://node-a/event/"))
	conn := NewConnectionURI("need://node-a")
	assert.True(t, strings.HasPrefix(conn, "need://node-a/connection/"))
	assert.NotEqual(t, NewMessageURI("need://node-a"), NewMessageURI("need://node-a"))

	assert.Equal(t, "need://node-b", NodeURIForNeed("need://node-b/need/42"))
}
