// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/service-exchange/internal/store"
)

// Run exercises s against the store contract. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "bids/missing")
		require.ErrorIs(t, err, store.ErrNotFound)

		ok, err := s.Exists(ctx, "bids/missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "accounts/alice", []byte(`{"username":"alice","stars":1}`)))
		require.NoError(t, s.Put(ctx, "accounts/alice", []byte(`{"username":"alice","stars":2}`)))

		doc, err := s.Get(ctx, "accounts/alice")
		require.NoError(t, err)
		assert.JSONEq(t, `{"username":"alice","stars":2}`, string(doc))

		ok, err := s.Exists(ctx, "accounts/alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("list by prefix ordered by key", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "jobs/b", []byte(`{"id":"b"}`)))
		require.NoError(t, s.Put(ctx, "jobs/a", []byte(`{"id":"a"}`)))
		require.NoError(t, s.Put(ctx, "jobsx/c", []byte(`{"id":"c"}`)))

		docs, err := s.List(ctx, "jobs/")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.JSONEq(t, `{"id":"a"}`, string(docs[0]))
		assert.JSONEq(t, `{"id":"b"}`, string(docs[1]))

		empty, err := s.List(ctx, "tokens/")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("list treats glob characters literally", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "weird/a*b", []byte(`{"id":"star"}`)))
		require.NoError(t, s.Put(ctx, "weird/a_b", []byte(`{"id":"underscore"}`)))
		require.NoError(t, s.Put(ctx, "weird/axb", []byte(`{"id":"plain"}`)))

		docs, err := s.List(ctx, "weird/a*")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.JSONEq(t, `{"id":"star"}`, string(docs[0]))

		docs, err = s.List(ctx, "weird/a_")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.JSONEq(t, `{"id":"underscore"}`, string(docs[0]))
	})

	t.Run("delete reports existence", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "tokens/t1", []byte(`{}`)))

		ok, err := s.Delete(ctx, "tokens/t1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete(ctx, "tokens/t1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, "tokens/t1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent delete has one winner", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "bids/contested", []byte(`{}`)))

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Delete(ctx, "bids/contested")
				if err == nil && ok {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})
}

// RunLocker exercises l against the locker contract.
func RunLocker(t *testing.T, l store.Locker) {
	t.Helper()
	ctx := context.Background()

	t.Run("serializes holders of the same key", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			inside  atomic.Int32
			maxSeen atomic.Int32
			counter int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, "jobs/j1")
				if err != nil {
					t.Errorf("lock: %v", err)
					return
				}
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				counter++
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxSeen.Load())
		assert.Equal(t, 8, counter)
	})

	t.Run("different keys do not block", func(t *testing.T) {
		unlockA, err := l.Lock(ctx, "jobs/a")
		require.NoError(t, err)
		defer unlockA()

		unlockB, err := l.Lock(ctx, "jobs/b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("lock is reusable after unlock", func(t *testing.T) {
		unlock, err := l.Lock(ctx, "accounts/bob")
		require.NoError(t, err)
		unlock()

		unlock, err = l.Lock(ctx, "accounts/bob")
		require.NoError(t, err)
		unlock()
	})
}
