package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) VersionedStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreHook(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, "/a", []byte("x"))
	require.NoError(t, err)

	boom := errors.New("boom")
	var seen []Op
	s.SetHook(func(op Op, path string) error {
		seen = append(seen, op)
		if op == OpSetData {
			return boom
		}
		return nil
	})

	_, _, err = s.Exists(ctx, "/a")
	require.NoError(t, err)
	_, err = s.SetData(ctx, "/a", []byte("y"), 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Op{OpExists, OpSetData}, seen)

	s.SetHook(nil)
	v, err := s.SetData(ctx, "/a", []byte("y"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("original")
	_, err := s.Create(ctx, "/a", buf)
	require.NoError(t, err)
	buf[0] = 'X'

	data, _, err := s.GetData(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	data[0] = 'Y'
	again, _, err := s.GetData(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again))
}

func TestMemoryStoreCancelledWatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wctx, cancel := context.WithCancel(ctx)
	calls := 0
	require.NoError(t, s.Watch(wctx, "/a", func(Event) { calls++ }))
	_, err := s.Create(ctx, "/a", nil)
	require.NoError(t, err)
	cancel()
	_, err = s.SetData(ctx, "/a", nil, AnyVersion)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

// TestMemoryStoreConcurrentCAS checks that exactly one of many writers
// racing on the same version wins.
func TestMemoryStoreConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, "/race", nil)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SetData(ctx, "/race", []byte(fmt.Sprint(i)), 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrVersionConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}
