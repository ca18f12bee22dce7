package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("DAPPSCOPE_TEST_STR", "value")
	t.Setenv("DAPPSCOPE_TEST_INT", "42")
	t.Setenv("DAPPSCOPE_TEST_BAD_INT", "-3")
	t.Setenv("DAPPSCOPE_TEST_INT64", "0")
	t.Setenv("DAPPSCOPE_TEST_BOOL", "false")
	t.Setenv("DAPPSCOPE_TEST_DUR", "90s")
	t.Setenv("DAPPSCOPE_TEST_BAD_DUR", "soon")

	assert.Equal(t, "value", Env("DAPPSCOPE_TEST_STR", "def"))
	assert.Equal(t, "def", Env("DAPPSCOPE_TEST_MISSING", "def"))
	assert.Equal(t, 42, EnvInt("DAPPSCOPE_TEST_INT", 1))
	assert.Equal(t, 7, EnvInt("DAPPSCOPE_TEST_BAD_INT", 7))
	assert.Equal(t, int64(0), EnvInt64("DAPPSCOPE_TEST_INT64", 9))
	assert.False(t, EnvBool("DAPPSCOPE_TEST_BOOL", true))
	assert.True(t, EnvBool("DAPPSCOPE_TEST_MISSING", true))
	assert.Equal(t, 90*time.Second, EnvDuration("DAPPSCOPE_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, EnvDuration("DAPPSCOPE_TEST_BAD_DUR", time.Second))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Minute), c.Advance(time.Minute))

	c.Set(start)
	assert.Equal(t, start, c.Now())
}
