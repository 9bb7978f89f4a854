package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode string
		wantID   int64
		wantType string
	}{
		{name: "valid request", frame: `{"id":7,"type":"store.get","bucket":"items"}`, wantID: 7, wantType: "store.get"},
		{name: "float id accepted", frame: `{"id":3.0,"type":"auth.whoami"}`, wantID: 3, wantType: "auth.whoami"},
		{name: "not json", frame: `not valid json{{{`, wantCode: CodeParseError},
		{name: "not an object", frame: `[1,2,3]`, wantCode: CodeParseError},
		{name: "null frame", frame: `null`, wantCode: CodeParseError},
		{name: "bare string", frame: `"ping"`, wantCode: CodeParseError},
		{name: "missing id", frame: `{"type":"store.get"}`, wantCode: CodeInvalidRequest},
		{name: "fractional id", frame: `{"id":1.5,"type":"store.get"}`, wantCode: CodeInvalidRequest},
		{name: "missing type", frame: `{"id":9}`, wantCode: CodeInvalidRequest, wantID: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.frame))
			if tt.wantCode != "" {
				require.NotNil(t, err)
				assert.Equal(t, tt.wantCode, err.Code)
				if req != nil {
					assert.Equal(t, tt.wantID, req.ID)
				}
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tt.wantID, req.ID)
			assert.Equal(t, tt.wantType, req.Type)
		})
	}
}

func TestDecodeRequestPong(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"pong","timestamp":123}`))
	require.Nil(t, err)
	assert.True(t, req.IsPong())
}

func TestEncodeError(t *testing.T) {
	e := NewError(CodeForbidden, "system bucket").WithDetails(map[string]interface{}{"bucket": "_users"})

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(EncodeError(4, e, true), &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, float64(4), frame["id"])
	assert.Equal(t, CodeForbidden, frame["code"])
	assert.NotNil(t, frame["details"])

	frame = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(EncodeError(4, e, false), &frame))
	assert.Equal(t, CodeForbidden, frame["code"])
	assert.Equal(t, "system bucket", frame["message"])
	_, hasDetails := frame["details"]
	assert.False(t, hasDetails, "details must be stripped")
}

func TestEncodeWelcome(t *testing.T) {
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(EncodeWelcome(true), &frame))
	assert.Equal(t, "welcome", frame["type"])
	assert.Equal(t, float64(ProtocolVersion), frame["version"])
	assert.Equal(t, true, frame["requiresAuth"])
	assert.NotZero(t, frame["serverTime"])
}

func TestEncodePush(t *testing.T) {
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(EncodePush(ChannelSubscription, 12, []int{1}), &frame))
	assert.Equal(t, "push", frame["type"])
	assert.Equal(t, "subscription", frame["channel"])
	assert.Equal(t, float64(12), frame["subscriptionId"])
	_, hasID := frame["id"]
	assert.False(t, hasID, "pushes carry no id")
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	pe := NewError(CodeNotFound, "missing")
	assert.Same(t, pe, AsError(pe))

	wrapped := AsError(assert.AnError)
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.Equal(t, "Internal error", wrapped.Message)
	assert.NotEmpty(t, wrapped.Details["cause"])
}
