package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateAndValidate(t *testing.T) {
	s := New(DefaultTTL, zap.NewNop())

	token := s.Create("kingpin")
	require.NotEmpty(t, token)

	userID, ok := s.Validate(token)
	require.True(t, ok)
	assert.Equal(t, "kingpin", userID)

	_, ok = s.Validate("no-such-token")
	assert.False(t, ok)
}

func TestValidateRefreshesActivity(t *testing.T) {
	s := New(time.Hour, zap.NewNop())
	token := s.Create("tez")

	// Backdate close to the TTL boundary, then validate. The refresh must
	// push the expiry out again.
	s.Touch(token, time.Now().Add(-59*time.Minute))
	_, ok := s.Validate(token)
	require.True(t, ok)

	s.Touch(token, time.Now().Add(-59*time.Minute))
	_, ok = s.Validate(token)
	assert.True(t, ok)
}

func TestExpiredSessionLazyDeleted(t *testing.T) {
	s := New(time.Hour, zap.NewNop())
	token := s.Create("tez")

	s.Touch(token, time.Now().Add(-2*time.Hour))
	_, ok := s.Validate(token)
	require.False(t, ok)

	// The failed validation removed the record entirely.
	assert.Equal(t, 0, s.Count())
}

func TestDelete(t *testing.T) {
	s := New(DefaultTTL, zap.NewNop())
	token := s.Create("kingpin")

	s.Delete(token)
	_, ok := s.Validate(token)
	assert.False(t, ok)

	// Unknown token is a no-op.
	s.Delete("no-such-token")
}

func TestSweep(t *testing.T) {
	s := New(time.Hour, zap.NewNop())

	live := s.Create("kingpin")
	stale1 := s.Create("tez")
	stale2 := s.Create("tez")
	s.Touch(stale1, time.Now().Add(-2*time.Hour))
	s.Touch(stale2, time.Now().Add(-3*time.Hour))

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 1, s.Count())

	_, ok := s.Validate(live)
	assert.True(t, ok)
}
