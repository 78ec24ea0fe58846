package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := NewMemory()

	_, ok := store.Get("missing")
	assert.False(t, ok)

	store.Set("k", "v", time.Minute)
	v, ok := store.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	// Replacing wholesale is the only mutation pattern.
	store.Set("k", "v2", time.Minute)
	v, _ = store.Get("k")
	assert.Equal(t, "v2", v)

	store.Delete("k")
	_, ok = store.Get("k")
	assert.False(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemory()

	store.Set("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := store.Get("k")
	assert.False(t, ok)
}
