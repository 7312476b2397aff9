package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/messaging"
)

func saveEnvelope(t *testing.T, store *Store, sender, recipient, payload string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(sender, recipient, payload)
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(context.Background(), env))
	return env
}

func TestStoreSaveAndGet(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	env := saveEnvelope(t, store, "alice", "bob", "hello")

	got, err := store.GetMessage(ctx, env.MessageID)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	_, err = store.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
}

func TestStorePendingMessages(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	t.Run("insertion order per recipient", func(t *testing.T) {
		first := saveEnvelope(t, store, "alice", "bob", "first")
		second := saveEnvelope(t, store, "carol", "bob", "second")
		saveEnvelope(t, store, "alice", "dave", "other recipient")

		pending, err := store.GetPendingMessages(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, first.MessageID, pending[0].MessageID)
		assert.Equal(t, second.MessageID, pending[1].MessageID)

		count, err := store.CountPending(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("state transitions remove from pending", func(t *testing.T) {
		store := NewStore()
		env := saveEnvelope(t, store, "alice", "bob", "hello")

		require.NoError(t, store.UpdateMessageState(ctx, env.MessageID, contracts.StateProcessed))

		pending, err := store.GetPendingMessages(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, pending)

		count, err := store.CountPending(ctx, "bob")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("unknown message state update fails", func(t *testing.T) {
		store := NewStore()
		err := store.UpdateMessageState(ctx, "missing", contracts.StateProcessed)
		assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
	})
}

func TestStoreIncrementRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transitions pending until ceiling then failed", func(t *testing.T) {
		store := NewStore()
		env := saveEnvelope(t, store, "alice", "bob", "hello")

		for i := 1; i <= 3; i++ {
			outcome, err := store.IncrementRetry(ctx, env.MessageID, 3)
			require.NoError(t, err)
			assert.Equal(t, i, outcome.RetryCount)
			assert.Equal(t, contracts.StatePending, outcome.State)
		}

		outcome, err := store.IncrementRetry(ctx, env.MessageID, 3)
		require.NoError(t, err)
		assert.Equal(t, 4, outcome.RetryCount)
		assert.Equal(t, contracts.StateFailed, outcome.State)

		count, err := store.GetRetryCount(ctx, env.MessageID)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})

	t.Run("unknown message", func(t *testing.T) {
		store := NewStore()
		_, err := store.IncrementRetry(ctx, "missing", 3)
		assert.ErrorIs(t, err, messaging.ErrMessageNotFound)
	})

	t.Run("concurrent increments never lose updates", func(t *testing.T) {
		store := NewStore()
		env := saveEnvelope(t, store, "alice", "bob", "hello")

		const workers = 50
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				_, err := store.IncrementRetry(ctx, env.MessageID, 3)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		count, err := store.GetRetryCount(ctx, env.MessageID)
		require.NoError(t, err)
		assert.Equal(t, workers, count)
	})
}

func TestStoreConversationHistory(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	saveEnvelope(t, store, "alice", "bob", "one")
	saveEnvelope(t, store, "bob", "alice", "two")
	saveEnvelope(t, store, "alice", "carol", "unrelated")
	saveEnvelope(t, store, "alice", "bob", "three")

	t.Run("covers both directions oldest first", func(t *testing.T) {
		history, err := store.GetConversationHistory(ctx, "alice", "bob", 10)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, "one", history[0].Payload)
		assert.Equal(t, "two", history[1].Payload)
		assert.Equal(t, "three", history[2].Payload)
	})

	t.Run("limit keeps the most recent", func(t *testing.T) {
		history, err := store.GetConversationHistory(ctx, "alice", "bob", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "two", history[0].Payload)
		assert.Equal(t, "three", history[1].Payload)
	})
}

func TestStoreCleanupOldMessages(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	processed := saveEnvelope(t, store, "alice", "bob", "done")
	require.NoError(t, store.UpdateMessageState(ctx, processed.MessageID, contracts.StateProcessed))
	pending := saveEnvelope(t, store, "alice", "bob", "waiting")

	// Age everything past the cutoff.
	store.mu.Lock()
	for _, rec := range store.records {
		rec.createdAt = time.Now().UTC().Add(-48 * time.Hour)
	}
	store.mu.Unlock()

	deleted, err := store.CleanupOldMessages(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetMessage(ctx, processed.MessageID)
	assert.ErrorIs(t, err, messaging.ErrMessageNotFound)

	got, err := store.GetMessage(ctx, pending.MessageID)
	require.NoError(t, err)
	assert.Equal(t, pending.MessageID, got.MessageID)
}

func TestStoreManyRecipients(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		saveEnvelope(t, store, "alice", fmt.Sprintf("agent-%d", i), "hello")
	}

	for i := 0; i < 10; i++ {
		count, err := store.CountPending(ctx, fmt.Sprintf("agent-%d", i))
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
}
