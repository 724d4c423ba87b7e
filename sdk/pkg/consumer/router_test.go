package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
)

type userRegistered struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func noop(context.Context, *jxtevent.Envelope) error { return nil }

func TestRouter_Handle(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle("user.registered", noop))
	require.NoError(t, r.Handle("order.created", noop))

	err := r.Handle("user.registered", noop)
	assert.ErrorIs(t, err, ErrDuplicateHandler)
	assert.Error(t, r.Handle("", noop))
	assert.Error(t, r.Handle("user.deleted", nil))

	_, ok := r.Lookup("user.registered")
	assert.True(t, ok)
	_, ok = r.Lookup("user.deleted")
	assert.False(t, ok)

	assert.Equal(t, []string{"order.created", "user.registered"}, r.EventTypes())
}

func TestRouter_MustHandlePanicsOnDuplicate(t *testing.T) {
	r := NewRouter().MustHandle("user.registered", noop)
	assert.Panics(t, func() { r.MustHandle("user.registered", noop) })
}

func TestTyped(t *testing.T) {
	var got userRegistered
	h := Typed(func(ctx context.Context, env *jxtevent.Envelope, u userRegistered) error {
		got = u
		return nil
	})

	env, err := jxtevent.NewEnvelope("user.registered", "user-service", userRegistered{UserID: "u-1", Email: "a@b.c"})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), env))
	assert.Equal(t, userRegistered{UserID: "u-1", Email: "a@b.c"}, got)

	bad, err := jxtevent.NewEnvelope("user.registered", "user-service", []byte(`[1,2]`))
	require.NoError(t, err)
	err = h(context.Background(), bad)
	assert.True(t, jxtevent.IsParseError(err))
}
