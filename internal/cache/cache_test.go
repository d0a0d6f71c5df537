package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetGet(t *testing.T) {
	c := New(time.Minute, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	k := Key("summarize this", 512)
	c.Set(k, Entry{Provider: "gemini", Output: "summary"})

	got, ok := c.Get(k)
	assert.True(t, ok)
	assert.Equal(t, Entry{Provider: "gemini", Output: "summary"}, got)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c := New(10*time.Millisecond, time.Hour)
	c.Set("k", Entry{Output: "x"})

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("p", 256), Key("p", 256))
	assert.NotEqual(t, Key("p", 256), Key("p", 512))
	assert.NotEqual(t, Key("p", 256), Key("q", 256))
	assert.Len(t, Key("p", 1), 64)
}
