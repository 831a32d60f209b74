package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("RG_STR", "value")
	t.Setenv("RG_INT", "42")
	t.Setenv("RG_BAD_INT", "abc")
	t.Setenv("RG_INT64", "0")
	t.Setenv("RG_DUR", "250ms")
	t.Setenv("RG_BOOL", "yes")
	t.Setenv("RG_LIST", "a, b,,c ")

	assert.Equal(t, "value", Env("RG_STR", "def"))
	assert.Equal(t, "def", Env("RG_MISSING", "def"))
	assert.Equal(t, 42, EnvInt("RG_INT", 1))
	assert.Equal(t, 1, EnvInt("RG_BAD_INT", 1))
	assert.Equal(t, int64(0), EnvInt64("RG_INT64", 7))
	assert.Equal(t, 250*time.Millisecond, EnvDuration("RG_DUR", time.Second))
	assert.Equal(t, time.Second, EnvDuration("RG_MISSING", time.Second))
	assert.True(t, EnvBool("RG_BOOL", false))
	assert.True(t, EnvBool("RG_MISSING", true))
	assert.Equal(t, []string{"a", "b", "c"}, EnvList("RG_LIST", nil))
}

func TestDedupAndSort(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, Dedup([]string{"http://a/", "http://a", "http://b"}))
	assert.Equal(t, []string{"x", "y"}, UniqueSorted([]string{"y", "x", "y"}))
	assert.Equal(t, []string{"a", "b"}, SortedKeys(map[string]int{"b": 1, "a": 2}))
}
