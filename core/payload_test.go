package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	original := map[string]interface{}{
		"camera_id":  "front_door",
		"confidence": 0.93,
		"objects":    []interface{}{"person", "car"},
		"nested":     map[string]interface{}{"count": float64(2)},
	}

	raw, err := EncodePayload(original)
	require.NoError(t, err)

	decoded, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestPayloadRawBytesPassthrough(t *testing.T) {
	raw, err := EncodePayload([]byte("not json at all"))
	require.NoError(t, err)
	assert.Equal(t, "not json at all", raw)

	decoded, err := DecodePayload(raw)
	assert.ErrorIs(t, err, ErrSerialization)
	assert.Equal(t, "not json at all", decoded)

	raw, err = EncodePayload(json.RawMessage(`{"camera":"porch"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"camera":"porch"}`, raw)
}

func TestPayloadStringsRoundTripAsStrings(t *testing.T) {
	for _, s := range []string{"123", "true", "null", "plain text", `{"looks":"like json"}`, ""} {
		raw, err := EncodePayload(s)
		require.NoError(t, err)

		decoded, err := DecodePayload(raw)
		require.NoError(t, err, "input %q", s)
		assert.Equal(t, s, decoded, "input %q", s)
	}
}

func TestEncodePayloadUnsupported(t *testing.T) {
	_, err := EncodePayload(make(chan int))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestDecodeInto(t *testing.T) {
	type detection struct {
		Camera string  `json:"camera"`
		Score  float64 `json:"score"`
	}

	var d detection
	require.NoError(t, DecodeInto(`{"camera":"garage","score":0.5}`, &d))
	assert.Equal(t, detection{Camera: "garage", Score: 0.5}, d)

	assert.ErrorIs(t, DecodeInto("{", &d), ErrSerialization)
}
