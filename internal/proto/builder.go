package proto

import (
	"errors"
	"fmt"
)

var ErrMissingField = errors.New("missing required field")

// Builder assembles an Envelope and enforces the required fields: message
// URI, type, and both sender and receiver triples. Optional fields may be
// left unset.
type Builder struct {
	env Envelope
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) MessageURI(uri string) *Builder {
	b.env.MessageURI = uri
	return b
}

func (b *Builder) Type(t MessageType) *Builder {
	b.env.Type = t
	return b
}

func (b *Builder) Sender(uri, needURI, nodeURI string) *Builder {
	b.env.SenderURI = uri
	b.env.SenderNeedURI = needURI
	b.env.SenderNodeURI = nodeURI
	return b
}

func (b *Builder) Receiver(uri, needURI, nodeURI string) *Builder {
	b.env.ReceiverURI = uri
	b.env.ReceiverNeedURI = needURI
	b.env.ReceiverNodeURI = nodeURI
	return b
}

func (b *Builder) RespondsTo(messageURI string) *Builder {
	b.env.RespondsTo = messageURI
	return b
}

func (b *Builder) RefersTo(messageURI string) *Builder {
	b.env.RefersTo = messageURI
	return b
}

func (b *Builder) Content(stmts []Statement) *Builder {
	b.env.Content = stmts
	return b
}

func (b *Builder) TextContent(baseURI, text string) *Builder {
	if text == "" {
		return b
	}
	b.env.Content = append(b.env.Content, Statement{
		Subject:   baseURI,
		Predicate: PredTextMessage,
		Object:    text,
	})
	return b
}

// Score clamps into [0,1] before attaching.
func (b *Builder) Score(score float64) *Builder {
	clamped := ClampScore(score)
	b.env.Score = &clamped
	return b
}

func (b *Builder) Build() (*Envelope, error) {
	if b.env.MessageURI == "" {
		return nil, fmt.Errorf("%w: message URI", ErrMissingField)
	}
	if b.env.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if _, ok := knownTypes[b.env.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, b.env.Type)
	}
	if b.env.SenderNodeURI == "" {
		return nil, fmt.Errorf("%w: sender node URI", ErrMissingField)
	}
	if b.env.ReceiverNodeURI == "" {
		return nil, fmt.Errorf("%w: receiver node URI", ErrMissingField)
	}
	env := b.env
	return &env, nil
}
