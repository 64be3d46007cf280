package auth

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Message types posted by the popup relay page.
const (
	MessageAuthSuccess   = "API_AUTH_SUCCESS"
	MessageAuthError     = "API_AUTH_ERROR"
	MessageAuthCancelled = "API_AUTH_CANCELLED"
	MessageTest          = "TEST_MESSAGE"
)

// Message is a decoded popup message. Token keeps its raw decoded shape.
type Message struct {
	Token    any
	Type     string
	UserID   string
	ClientID string
	Error    string
}

// DecodeMessage decodes a popup payload. The payload is a JSON object, or a
// JSON string that itself holds a JSON object.
func DecodeMessage(payload []byte) (Message, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if s, ok := raw.(string); ok {
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	fields, ok := raw.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: payload is not an object", ErrMalformedMessage)
	}

	return Message{
		Type:     scalar(fields["type"]),
		Token:    fields["token"],
		UserID:   scalar(fields["userId"]),
		ClientID: scalar(fields["clientId"]),
		Error:    scalar(fields["error"]),
	}, nil
}

// scalar renders strings, numbers and booleans; anything else is "".
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
