package challenge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GenerateAndValidate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Config{Timeout: 5 * time.Minute})
	defer store.Close()

	c, err := store.Generate(ctx, "instance-1")
	require.NoError(t, err)
	assert.Len(t, c, 43) // base64url of 32 bytes

	ok, err := store.Validate(ctx, "instance-1", c)
	require.NoError(t, err)
	assert.True(t, ok)

	// Consumed on first use.
	ok, err = store.Validate(ctx, "instance-1", c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_MismatchKeepsChallenge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Config{})
	defer store.Close()

	c, err := store.Generate(ctx, "instance-1")
	require.NoError(t, err)

	ok, err := store.Validate(ctx, "instance-1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Validate(ctx, "instance-1", c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_Expired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Config{Timeout: time.Millisecond})
	defer store.Close()

	c, err := store.Generate(ctx, "instance-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	ok, err := store.Validate(ctx, "instance-1", c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_OverwritePreviousChallenge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Config{})
	defer store.Close()

	c1, _ := store.Generate(ctx, "instance-1")
	c2, _ := store.Generate(ctx, "instance-1")
	assert.NotEqual(t, c1, c2)
	assert.Equal(t, 1, store.Len())

	ok, _ := store.Validate(ctx, "instance-1", c1)
	assert.False(t, ok)
	ok, _ = store.Validate(ctx, "instance-1", c2)
	assert.True(t, ok)
}

func TestMemoryStore_ConcurrentValidateSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Config{})
	defer store.Close()

	c, err := store.Generate(ctx, "instance-1")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Validate(ctx, "instance-1", c); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_CustomChallengeBytes(t *testing.T) {
	store := NewMemoryStore(Config{ChallengeBytes: 16})
	defer store.Close()

	c, err := store.Generate(context.Background(), "instance-1")
	require.NoError(t, err)
	assert.Len(t, c, 22)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore(Config{})
	store.Close()
	store.Close()

	_, err := store.Generate(context.Background(), "instance-1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.Validate(context.Background(), "instance-1", "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "ab"))
}
