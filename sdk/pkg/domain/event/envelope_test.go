package event

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userRegistered struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Tags   []string `json:"tags"`
}

// TestNewEnvelope 工厂方法生成合法信封
func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	env, err := NewEnvelope("user.registered", "user-service", userRegistered{UserID: "u-1", Email: "a@b.c"})
	require.NoError(t, err)

	id, err := uuid.Parse(env.EventID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, "user.registered", env.EventType)
	assert.Equal(t, "user-service", env.Source)
	assert.Equal(t, DefaultVersion, env.Version)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.JSONEq(t, `{"userId":"u-1","email":"a@b.c","tags":null}`, string(env.Payload))
}

func TestNewEnvelope_Options(t *testing.T) {
	id := uuid.NewString()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	env, err := NewEnvelope("user.registered", "user-service", []byte(`{"k":1}`),
		WithEventID(id), WithVersion("2.0"), WithTimestamp(at))
	require.NoError(t, err)
	assert.Equal(t, id, env.EventID)
	assert.Equal(t, "2.0", env.Version)
	assert.Equal(t, at.UnixMilli(), env.Timestamp)
	assert.True(t, env.OccurredAt().Equal(at))
}

func TestNewEnvelope_Invalid(t *testing.T) {
	_, err := NewEnvelope("", "user-service", nil)
	assert.Error(t, err)

	_, err = NewEnvelope("user.registered", "", nil)
	assert.Error(t, err)

	_, err = NewEnvelope("user.registered", "user-service", []byte(`{broken`))
	assert.Error(t, err)

	_, err = NewEnvelope("user.registered", "user-service", nil, WithEventID("not-a-uuid"))
	assert.Error(t, err)
}

func TestNewCommand(t *testing.T) {
	cmd, err := NewCommand("order.cancel", "order-service", map[string]string{"orderId": "o-9"})
	require.NoError(t, err)
	assert.Equal(t, "order.cancel", cmd.EventType)

	_, err = NewCommand("", "order-service", nil)
	assert.Error(t, err)
}

// TestEnvelope_RoundTrip 序列化后解析，负载深度相等
func TestEnvelope_RoundTrip(t *testing.T) {
	payload := userRegistered{UserID: "u-2", Email: "x@y.z", Tags: []string{"vip", "beta"}}
	env, err := NewEnvelope("user.registered", "user-service", payload)
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, parsed.EventID)
	assert.Equal(t, env.Timestamp, parsed.Timestamp)

	decoded, err := UnmarshalPayload[userRegistered](parsed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestEnvelope_WireFieldNames(t *testing.T) {
	env, err := NewEnvelope("user.registered", "user-service", nil)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	for _, field := range []string{`"eventId"`, `"eventType"`, `"timestamp"`, `"version"`, `"source"`, `"payload"`} {
		assert.Contains(t, string(data), field)
	}
}

func TestParseEnvelope_Errors(t *testing.T) {
	cases := map[string][]byte{
		"empty":          nil,
		"malformed json": []byte(`{"eventId":`),
		"missing fields": []byte(`{"eventId":"` + uuid.NewString() + `"}`),
		"wrong types":    []byte(`{"eventId":"` + uuid.NewString() + `","eventType":1}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope(data)
			require.Error(t, err)
			assert.True(t, IsParseError(err))
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("boom")

	he := &HandlerError{EventID: "e-1", EventType: "t", Err: cause}
	assert.True(t, IsHandlerError(he))
	assert.ErrorIs(t, he, cause)
	assert.False(t, IsParseError(he))

	pe := &PersistenceError{Op: "insert", Err: ErrDuplicateKey}
	assert.True(t, IsPersistenceError(pe))
	assert.ErrorIs(t, pe, ErrDuplicateKey)
}
