package proto

import (
	"errors"
	"fmt"
)

// MessageType discriminates envelopes on the wire and in the store.
type MessageType string

const (
	MsgTypeConnect          MessageType = "CONNECT"
	MsgTypeOpen             MessageType = "OPEN"
	MsgTypeClose            MessageType = "CLOSE"
	MsgTypeSendMessage      MessageType = "SEND_MESSAGE"
	MsgTypeHint             MessageType = "HINT"
	MsgTypeHintNotification MessageType = "HINT_NOTIFICATION"
	MsgTypeSuccessResponse  MessageType = "SUCCESS_RESPONSE"
	MsgTypeFailureResponse  MessageType = "FAILURE_RESPONSE"
)

var ErrUnknownMessageType = errors.New("unknown message type")

var knownTypes = map[MessageType]struct{}{
	MsgTypeConnect:          {},
	MsgTypeOpen:             {},
	MsgTypeClose:            {},
	MsgTypeSendMessage:      {},
	MsgTypeHint:             {},
	MsgTypeHintNotification: {},
	MsgTypeSuccessResponse:  {},
	MsgTypeFailureResponse:  {},
}

// ParseMessageType rejects unknown type strings instead of passing them
// through; a node must never silently ignore an envelope it cannot classify.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
	}
	return t, nil
}

// IsResponse reports whether t is a system response variant.
func (t MessageType) IsResponse() bool {
	return t == MsgTypeSuccessResponse || t == MsgTypeFailureResponse
}

func (t MessageType) String() string { return string(t) }
