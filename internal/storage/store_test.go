package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStore tests the in-memory document store
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		assert.Empty(t, store.List())
		_, _, err := store.Get("nonexistent")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
	})

	t.Run("writes are invisible until commit", func(t *testing.T) {
		store := NewMemoryStore()

		v, err := store.Add("doc1", []byte("value1"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		_, _, err = store.Get("doc1")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
		assert.Equal(t, 1, store.Stats().Pending)

		store.Commit()
		value, version, err := store.Get("doc1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(value))
		assert.Equal(t, int64(1), version)
		assert.Equal(t, 0, store.Stats().Pending)
	})

	t.Run("assigned versions increase", func(t *testing.T) {
		store := NewMemoryStore()

		for want := int64(1); want <= 3; want++ {
			v, err := store.Add("doc1", []byte("x"), 0)
			require.NoError(t, err)
			assert.Equal(t, want, v)
		}
	})

	t.Run("empty id is rejected", func(t *testing.T) {
		_, err := NewMemoryStore().Add("", []byte("x"), 0)
		assert.Error(t, err)
	})

	t.Run("values are copied", func(t *testing.T) {
		store := NewMemoryStore()
		in := []byte("original")
		_, err := store.Add("doc1", in, 0)
		require.NoError(t, err)
		in[0] = 'X'
		store.Commit()

		out, _, err := store.Get("doc1")
		require.NoError(t, err)
		assert.Equal(t, "original", string(out))
		out[0] = 'Y'

		again, _, _ := store.Get("doc1")
		assert.Equal(t, "original", string(again))
	})

	t.Run("delete removes after commit", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Add("doc1", []byte("value1"), 0)
		require.NoError(t, err)
		store.Commit()

		v, err := store.Delete("doc1", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		_, _, err = store.Get("doc1")
		assert.NoError(t, err, "delete is buffered")

		store.Commit()
		_, _, err = store.Get("doc1")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
	})

	t.Run("delete of missing id is not an error", func(t *testing.T) {
		_, err := NewMemoryStore().Delete("ghost", 0)
		assert.NoError(t, err)
	})
}

func TestMemoryStoreVersions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *MemoryStore)
		op      func(s *MemoryStore) error
		wantErr bool
	}{
		{
			name:  "newer add wins",
			setup: func(s *MemoryStore) { s.Add("a", []byte("1"), 5) },
			op: func(s *MemoryStore) error {
				_, err := s.Add("a", []byte("2"), 6)
				return err
			},
		},
		{
			name:  "equal version add is stale",
			setup: func(s *MemoryStore) { s.Add("a", []byte("1"), 5) },
			op: func(s *MemoryStore) error {
				_, err := s.Add("a", []byte("2"), 5)
				return err
			},
			wantErr: true,
		},
		{
			name:  "older add is stale",
			setup: func(s *MemoryStore) { s.Add("a", []byte("1"), 5) },
			op: func(s *MemoryStore) error {
				_, err := s.Add("a", []byte("2"), 3)
				return err
			},
			wantErr: true,
		},
		{
			name:  "add older than a delete is stale",
			setup: func(s *MemoryStore) { s.Delete("a", 7) },
			op: func(s *MemoryStore) error {
				_, err := s.Add("a", []byte("2"), 6)
				return err
			},
			wantErr: true,
		},
		{
			name:  "stale delete is rejected",
			setup: func(s *MemoryStore) { s.Add("a", []byte("1"), 9) },
			op: func(s *MemoryStore) error {
				_, err := s.Delete("a", 8)
				return err
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			tt.setup(s)
			err := tt.op(s)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrStaleVersion), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStoreDeleteByQuery(t *testing.T) {
	store := NewMemoryStore()
	for _, id := range []string{"book-1", "book-2", "film-1"} {
		_, err := store.Add(id, []byte(id), 0)
		require.NoError(t, err)
	}
	store.Commit()
	// Pending adds are matched too.
	_, err := store.Add("book-3", []byte("book-3"), 0)
	require.NoError(t, err)

	n, err := store.DeleteByQuery("book-*")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	store.Commit()
	assert.Equal(t, []string{"film-1"}, store.List())

	_, err = store.DeleteByQuery("[")
	assert.Error(t, err)

	n, err = store.DeleteByQuery("*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("doc-%d-%d", g, i)
				_, err := store.Add(id, []byte(id), 0)
				assert.NoError(t, err)
				store.Get(id)
				store.Stats()
			}
		}(g)
	}
	wg.Wait()
	store.Commit()
	assert.Len(t, store.List(), 1000)
}

func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	store.Add("a", []byte("12345"), 0)
	store.Add("b", []byte("123"), 0)
	store.Commit()
	store.Add("c", []byte("1"), 0)

	assert.Equal(t, StoreStats{Docs: 2, Bytes: 8, Pending: 1}, store.Stats())
}
