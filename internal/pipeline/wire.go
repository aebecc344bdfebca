package pipeline

import (
	"context"

	"needmesh/internal/proto"
)

// HandleWire adapts the pipeline to the transport: decode the frame
// payload, run it inbound, and answer with a system response envelope.
// The SUCCESS_RESPONSE's sender URI carries this side's connection URI;
// that is how the initiating node learns its peer's half of the
// connection identifier.
func (p *Pipeline) HandleWire(ctx context.Context, payload []byte) ([]byte, error) {
	env, err := proto.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	c, procErr := p.Inbound(ctx, env)

	b := proto.NewBuilder().
		MessageURI(proto.NewMessageURI(p.nodePrefix)).
		Receiver(env.SenderURI, env.SenderNeedURI, env.SenderNodeURI).
		RespondsTo(env.MessageURI)
	if procErr != nil {
		b.Type(proto.MsgTypeFailureResponse).
			Sender("", env.ReceiverNeedURI, p.nodeURI).
			TextContent(env.MessageURI, procErr.Error())
	} else if c != nil {
		b.Type(proto.MsgTypeSuccessResponse).
			Sender(c.URI, c.NeedURI, p.nodeURI)
	} else {
		b.Type(proto.MsgTypeSuccessResponse).
			Sender("", env.ReceiverNeedURI, p.nodeURI)
	}
	resp, err := b.Build()
	if err != nil {
		return nil, err
	}
	signed, err := p.signer.Sign(resp)
	if err != nil {
		p.log.Warn("signing response failed", "responds_to", env.MessageURI, "err", err)
		signed = resp
	}
	return proto.EncodeEnvelope(signed)
}
