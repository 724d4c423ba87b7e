package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeadLetter_ValidEnvelope(t *testing.T) {
	env, err := NewEnvelope("user.registered", "user-service", map[string]int{"n": 1})
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)

	dl := NewDeadLetter("users", raw, errors.New("handler exploded"), 5)
	data, err := dl.Marshal()
	require.NoError(t, err)

	parsed, err := ParseDeadLetter(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, parsed.EventID)
	assert.Equal(t, "users", parsed.OriginalTopic)
	assert.Equal(t, "handler exploded", parsed.ErrorMessage)
	assert.Equal(t, 5, parsed.RetryCount)
	assert.Empty(t, parsed.OriginalMessage)
	assert.JSONEq(t, `{"n":1}`, string(parsed.Payload))
}

// TestNewDeadLetter_Malformed 无法解析的消息保留原始字节
func TestNewDeadLetter_Malformed(t *testing.T) {
	raw := []byte(`this is not json`)
	dl := NewDeadLetter("users", raw, &ParseError{Reason: "malformed json"}, 1)

	data, err := dl.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"originalTopic":"users"`)
	assert.Contains(t, string(data), `"errorMessage":"parse envelope: malformed json"`)

	parsed, err := ParseDeadLetter(data)
	require.NoError(t, err)
	assert.Equal(t, raw, parsed.OriginalMessage)
	assert.Empty(t, parsed.EventID)
}

func TestNewDeadLetter_PartialEnvelope(t *testing.T) {
	raw := []byte(`{"eventId":"abc","eventType":"user.registered"}`)
	dl := NewDeadLetter("users", raw, errors.New("invalid"), 0)

	assert.Equal(t, "abc", dl.EventID)
	assert.Equal(t, "user.registered", dl.EventType)
	assert.Equal(t, raw, dl.OriginalMessage)
}
