// Package protocol implements the gateway wire codec: typed decoding of
// inbound JSON frames and encoding of responses, pushes, and system messages.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is advertised in the welcome frame.
const ProtocolVersion = 1

// Frame type discriminators used on the wire.
const (
	TypeResult  = "result"
	TypeError   = "error"
	TypePush    = "push"
	TypeSystem  = "system"
	TypeWelcome = "welcome"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Push channels.
const (
	ChannelSubscription = "subscription"
	ChannelEvent        = "event"
)

// Request is one decoded client frame. Fields beyond id/type stay raw so
// each handler can unmarshal its own parameter struct.
type Request struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Pong is the client's reply to a heartbeat ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// DecodeRequest parses a single text frame into a Request. Error cases:
//   - not valid JSON, or not a JSON object → PARSE_ERROR, id 0
//   - object without a numeric id → INVALID_REQUEST, id 0
//   - object without a type → INVALID_REQUEST, id preserved
//
// The pong frame is the one inbound message without an id; callers check
// IsPong before treating the frame as a request.
func DecodeRequest(data []byte) (*Request, *Error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewError(CodeParseError, "Invalid JSON")
	}
	// A top-level null unmarshals into a nil map; it is not an object.
	if probe == nil {
		return nil, NewError(CodeParseError, "Frame must be a JSON object")
	}

	var typ string
	if rawType, ok := probe["type"]; ok {
		if json.Unmarshal(rawType, &typ) != nil {
			typ = ""
		}
	}
	if typ == TypePong {
		return &Request{Type: TypePong, Raw: data}, nil
	}

	rawID, ok := probe["id"]
	if !ok {
		return nil, NewError(CodeInvalidRequest, "Missing request id")
	}
	var id int64
	if err := json.Unmarshal(rawID, &id); err != nil {
		// Accept integral floats (clients routinely send 1.0).
		var f float64
		if err := json.Unmarshal(rawID, &f); err != nil || f != float64(int64(f)) {
			return nil, NewError(CodeInvalidRequest, "Request id must be an integer")
		}
		id = int64(f)
	}

	if typ == "" {
		req := &Request{ID: id, Raw: data}
		return req, NewError(CodeInvalidRequest, "Missing request type")
	}

	return &Request{ID: id, Type: typ, Raw: data}, nil
}

// Params unmarshals the full frame into the handler's parameter struct.
func (r *Request) Params(v interface{}) *Error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return Errorf(CodeValidation, "Invalid parameters: %s", err.Error())
	}
	return nil
}

// IsPong reports whether the frame is a heartbeat pong.
func (r *Request) IsPong() bool { return r.Type == TypePong }

// EncodeResult builds a success response echoing the request id.
func EncodeResult(id int64, data interface{}) []byte {
	return mustMarshal(map[string]interface{}{
		"id":   id,
		"type": TypeResult,
		"data": data,
	})
}

// EncodeError builds an error response. When exposeDetails is false the
// details field is stripped but code and message survive.
func EncodeError(id int64, e *Error, exposeDetails bool) []byte {
	frame := map[string]interface{}{
		"id":      id,
		"type":    TypeError,
		"code":    e.Code,
		"message": e.Message,
	}
	if exposeDetails && e.Details != nil {
		frame["details"] = e.Details
	}
	return mustMarshal(frame)
}

// EncodePush builds a server-initiated push frame. Pushes carry no id.
func EncodePush(channel string, subscriptionID int64, data interface{}) []byte {
	return mustMarshal(map[string]interface{}{
		"type":           TypePush,
		"channel":        channel,
		"subscriptionId": subscriptionID,
		"data":           data,
	})
}

// EncodeSystem builds a system message with the given event and extra fields.
func EncodeSystem(event string, fields map[string]interface{}) []byte {
	frame := map[string]interface{}{
		"type":  TypeSystem,
		"event": event,
	}
	for k, v := range fields {
		frame[k] = v
	}
	return mustMarshal(frame)
}

// EncodeWelcome builds the first frame sent on every connection.
func EncodeWelcome(requiresAuth bool) []byte {
	return mustMarshal(map[string]interface{}{
		"type":         TypeWelcome,
		"version":      ProtocolVersion,
		"serverTime":   time.Now().UnixMilli(),
		"requiresAuth": requiresAuth,
	})
}

// EncodePing builds a heartbeat ping frame.
func EncodePing() []byte {
	return mustMarshal(map[string]interface{}{
		"type":      TypePing,
		"timestamp": time.Now().UnixMilli(),
	})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Every value we encode is built from JSON-safe maps; a failure here
		// is a programming error.
		panic(err)
	}
	return data
}
