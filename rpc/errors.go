package rpc

import (
	"errors"
	"fmt"

	"utp/message"
	"utp/protocol"
	"utp/schema"
)

// Error is the content of an ERROR packet. Handlers return it to choose
// the code sent to the peer; other errors are sent with their protocol
// code (see protocol.CodeOf).
type Error struct {
	Code uint16
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Text)
}

// errorData renders err as ERROR packet data.
func errorData(err error) map[string]any {
	var re *Error
	if errors.As(err, &re) {
		return map[string]any{"code": re.Code, "text": re.Text}
	}
	return map[string]any{"code": uint16(protocol.CodeOf(err)), "text": err.Error()}
}

// AsError returns the error carried by a decoded ERROR packet, nil for any
// other packet.
func AsError(p *message.Packet) error {
	if p == nil || p.Header.SchemaName != schema.ErrorName {
		return nil
	}
	code, _ := p.Data["code"].(uint16)
	text, _ := p.Data["text"].(string)
	return &Error{Code: code, Text: text}
}
