package proto

import (
	"strings"

	"github.com/google/uuid"
)

// URI minting. Every URI a node generates lives under its own prefix; the
// remote side of a connection mints its half under its own prefix, which is
// what makes the two halves distinguishable.

func NewMessageURI(nodePrefix string) string {
	return joinURI(nodePrefix, "event", uuid.NewString())
}

func NewConnectionURI(nodePrefix string) string {
	return joinURI(nodePrefix, "connection", uuid.NewString())
}

func NewNeedURI(nodePrefix string) string {
	return joinURI(nodePrefix, "need", uuid.NewString())
}

// NodeURIForNeed derives the hosting node's URI from a need URI minted
// under this scheme. Foreign URI layouts fall back to the need URI itself;
// callers that know better pass the node URI explicitly.
func NodeURIForNeed(needURI string) string {
	if i := strings.Index(needURI, "/need/"); i >= 0 {
		return needURI[:i]
	}
	return needURI
}

func joinURI(prefix string, parts ...string) string {
	b := strings.TrimRight(prefix, "/")
	for _, p := range parts {
		b += "/" + p
	}
	return b
}
