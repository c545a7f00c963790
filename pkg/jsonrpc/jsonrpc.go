// Package jsonrpc implements JSON-RPC 2.0 envelope handling for the ACP broker.
// The broker forwards payloads verbatim, so envelopes are plain maps rather
// than typed structs: classification, id bookkeeping and response shaping are
// the only semantics applied here.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version stamped on every outbound envelope.
const Version = "2.0"

// Standard JSON-RPC error codes, plus the implementation-defined server error
// used for runtime and setup failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Envelope is a decoded JSON-RPC message. Values keep their encoding/json
// types: string, float64, bool, nil, map[string]any, []any.
type Envelope = map[string]any

// Decode parses a wire frame into one or more envelopes. A single object
// yields one envelope; a batch array is expanded element-wise. Non-object
// elements and non-object/array roots are rejected.
func Decode(data []byte) ([]Envelope, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	switch v := root.(type) {
	case map[string]any:
		return []Envelope{v}, nil
	case []any:
		out := make([]Envelope, 0, len(v))
		for _, el := range v {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("batch element is not an object")
			}
			out = append(out, obj)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload root is not an object or array")
	}
}

// Encode serialises an envelope for the wire. Outbound frames are always a
// single object, never a batch.
func Encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

// Classify determines whether an envelope is a request, notification or
// response. A method with a non-null id is a request; a method without an id
// (or with id null) is a notification; an id plus result or error is a
// response. Anything else is invalid.
func Classify(msg Envelope) Kind {
	_, hasMethod := msg["method"].(string)
	id := ID(msg)
	if hasMethod {
		if id != nil {
			return KindRequest
		}
		return KindNotification
	}
	if _, ok := msg["id"]; ok {
		if _, hasResult := msg["result"]; hasResult {
			return KindResponse
		}
		if _, hasErr := msg["error"]; hasErr {
			return KindResponse
		}
	}
	return KindInvalid
}

// ID returns the envelope's id, or nil when absent or JSON null.
func ID(msg Envelope) any {
	id, ok := msg["id"]
	if !ok || id == nil {
		return nil
	}
	return id
}

// Method returns the envelope's method name, or "" when absent.
func Method(msg Envelope) string {
	m, _ := msg["method"].(string)
	return m
}

// Params returns the envelope's params object, or nil when absent or not an
// object.
func Params(msg Envelope) map[string]any {
	p, _ := msg["params"].(map[string]any)
	return p
}

// SessionID extracts a session identifier from a params object, accepting
// both the camelCase and snake_case spellings agents use.
func SessionID(params map[string]any) string {
	if params == nil {
		return ""
	}
	if s, ok := params["sessionId"].(string); ok {
		return s
	}
	if s, ok := params["session_id"].(string); ok {
		return s
	}
	return ""
}

// StripMeta returns a shallow copy of params without the _meta key. A nil
// input yields an empty map so callers can always inject keys.
func StripMeta(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "_meta" {
			continue
		}
		out[k] = v
	}
	return out
}

// NewError builds an error envelope for the given request id. A nil id is
// emitted as JSON null, as JSON-RPC 2.0 requires for unidentifiable requests.
func NewError(id any, code int, message string) Envelope {
	return Envelope{
		"jsonrpc": Version,
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// NormalizeErrorObject coerces an arbitrary error value into a well-formed
// error object carrying at least a numeric code and a string message.
func NormalizeErrorObject(raw any) map[string]any {
	out := map[string]any{}
	if obj, ok := raw.(map[string]any); ok {
		for k, v := range obj {
			out[k] = v
		}
	}
	switch out["code"].(type) {
	case float64, int:
	default:
		out["code"] = CodeServerError
	}
	if _, ok := out["message"].(string); !ok {
		if s, ok := raw.(string); ok && s != "" {
			out["message"] = s
		} else {
			out["message"] = "Unknown error"
		}
	}
	return out
}

// NormalizeResponse shapes a child's raw reply into a response envelope for
// the original request id. Objects already carrying result or error are
// copied with jsonrpc and id forced; anything else is wrapped as a result.
// The operation is idempotent.
func NormalizeResponse(raw any, id any) Envelope {
	if obj, ok := raw.(map[string]any); ok {
		_, hasResult := obj["result"]
		errVal, hasErr := obj["error"]
		if hasResult || hasErr {
			out := make(Envelope, len(obj)+2)
			for k, v := range obj {
				out[k] = v
			}
			out["jsonrpc"] = Version
			out["id"] = id
			if hasErr {
				out["error"] = NormalizeErrorObject(errVal)
			}
			return out
		}
	}
	if raw == nil {
		return Envelope{"jsonrpc": Version, "id": id, "result": nil}
	}
	return Envelope{"jsonrpc": Version, "id": id, "result": raw}
}
