package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	s := New(100, 0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	value, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiration(t *testing.T) {
	s := New(100, 50*time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	time.Sleep(80 * time.Millisecond)

	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s := New(3, 0)
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, k, []byte(k)))
		time.Sleep(2 * time.Millisecond)
	}
	_, _, _ = s.Get(ctx, "a")
	require.NoError(t, s.Set(ctx, "d", []byte("d")))

	assert.Equal(t, 3, s.Len())
	_, ok, _ := s.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = s.Get(ctx, "a")
	assert.True(t, ok)
}

func TestDeleteAndDeletePrefix(t *testing.T) {
	s := New(100, 0)
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"ns1:list:x", "ns1:list:y", "ns1:meta:x", "ns2:list:x"} {
		require.NoError(t, s.Set(ctx, k, nil))
	}
	require.NoError(t, s.DeletePrefix(ctx, "ns1:list:"))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Delete(ctx, "ns1:meta:x"))
	require.NoError(t, s.Delete(ctx, "never-set"))
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentAccess(t *testing.T) {
	s := New(50, time.Second)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (i*100+j)%70)
				_ = s.Set(ctx, key, []byte(key))
				_, _, _ = s.Get(ctx, key)
				if j%10 == 0 {
					_ = s.DeletePrefix(ctx, "k1")
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 50)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(10, time.Second)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
