package protocol

import (
	"encoding/json"
	"fmt"
)

// Response is a JSON object sent in reply to a control message. Every
// response carries "state", the sender's FSM state; error responses also
// carry "error" and "message".
type Response map[string]any

// ParseResponse decodes one response line.
func ParseResponse(line string) (Response, error) {
	var r Response
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: null", ErrMalformedResponse)
	}
	return r, nil
}

// State returns the sender's state at the time of the response.
func (r Response) State() string {
	return r.String("state")
}

// String returns a string field, or "" if absent or not a string.
func (r Response) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int returns a numeric field as an int64.
func (r Response) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Err returns a *ResponseError for error responses and nil otherwise.
func (r Response) Err() error {
	key, ok := r["error"].(string)
	if !ok {
		return nil
	}
	return &ResponseError{Key: key, Message: r.String("message")}
}

// Decode unmarshals field key into v.
func (r Response) Decode(key string, v any) error {
	raw, ok := r[key]
	if !ok {
		return fmt.Errorf("%w: missing field %q", ErrMalformedResponse, key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformedResponse, key, err)
	}
	return nil
}
