package network

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"needmesh/internal/proto"
)

func TestResolverLookupAndRegister(t *testing.T) {
	r := NewResolver(map[string]string{"need://node-b": "10.0.0.2:7700"})

	assert.Equal(t, "10.0.0.2:7700", r.Lookup("need://node-b"))
	assert.Empty(t, r.Lookup("need://node-c"))

	r.Register("need://node-c", "10.0.0.3:7700")
	assert.Equal(t, "10.0.0.3:7700", r.Lookup("need://node-c"))

	known := r.Known()
	sort.Strings(known)
	assert.Equal(t, []string{"need://node-b", "need://node-c"}, known)
}

func TestResolverSendRejectsUnknownNode(t *testing.T) {
	r := NewResolver(nil)
	env, err := proto.NewBuilder().
		MessageURI("need://a/event/1").
		Type(proto.MsgTypeConnect).
		Sender("conn-1", "need-1", "need://node-a").
		Receiver("", "need-2", "need://node-ghost").
		Build()
	require.NoError(t, err)

	_, err = r.Send(context.Background(), "need://node-ghost", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no address")
}

func TestDevTLSCertIsStable(t *testing.T) {
	cert1, der1, err := devTLSCert()
	require.NoError(t, err)
	_, der2, err := devTLSCert()
	require.NoError(t, err)
	assert.Equal(t, der1, der2)
	require.NotEmpty(t, cert1.Certificate)
}
