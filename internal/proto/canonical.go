package proto

import (
	"encoding/binary"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// CanonicalBytes produces the deterministic serialized form an envelope is
// signed over: every field except the signature blocks, in fixed order,
// length-prefixed so no two field sequences can collide.
func CanonicalBytes(e *Envelope) []byte {
	buf := make([]byte, 0, 256)
	appendField := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}
	appendField(e.MessageURI)
	appendField(string(e.Type))
	appendField(e.SenderURI)
	appendField(e.SenderNeedURI)
	appendField(e.SenderNodeURI)
	appendField(e.ReceiverURI)
	appendField(e.ReceiverNeedURI)
	appendField(e.ReceiverNodeURI)
	appendField(e.RespondsTo)
	appendField(e.RefersTo)
	for _, s := range e.Content {
		appendField(s.Subject)
		appendField(s.Predicate)
		appendField(s.Object)
	}
	if e.Score != nil {
		appendField(strconv.FormatFloat(*e.Score, 'f', -1, 64))
	}
	return buf
}

// Digest is the SHA3-256 of the canonical form; signatures are computed
// over this value.
func Digest(e *Envelope) [32]byte {
	return sha3.Sum256(CanonicalBytes(e))
}
