package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	clock := &testClock{t: t0}
	c := NewTTLCache[string, int](time.Second, 2, clock.Now)

	c.Set("a", 1)
	clock.Advance(100 * time.Millisecond)
	c.Set("b", 2)
	c.Set("c", 3) // вытесняет "a" как самую раннюю

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	clock.Advance(time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok)

	c.Set("d", 4)
	c.Purge()
	assert.Zero(t, c.Len())
}
