// Package memory provides an in-memory MessageStore for tests and
// single-process embedding. All operations are atomic under one store
// mutex, which satisfies the per-message read-modify-write requirement of
// the messaging contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/messaging"
)

type record struct {
	env        *contracts.Envelope
	state      contracts.MessageState
	retryCount int
	seq        uint64
	createdAt  time.Time
}

// Store is a mutex-guarded in-memory message store. Pending messages are
// returned in insertion order per recipient.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	nextSeq uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

// SaveMessage implements messaging.MessageStore.
func (s *Store) SaveMessage(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	s.records[env.MessageID] = &record{
		env:       env,
		state:     contracts.StatePending,
		seq:       s.nextSeq,
		createdAt: time.Now().UTC(),
	}
	return nil
}

// GetMessage implements messaging.MessageStore.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return nil, messaging.ErrMessageNotFound
	}
	return rec.env, nil
}

// GetPendingMessages implements messaging.MessageStore.
func (s *Store) GetPendingMessages(ctx context.Context, recipient string) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*record
	for _, rec := range s.records {
		if rec.state == contracts.StatePending && rec.env.Recipient == recipient {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].seq < pending[j].seq
	})

	envs := make([]*contracts.Envelope, len(pending))
	for i, rec := range pending {
		envs[i] = rec.env
	}
	return envs, nil
}

// CountPending implements messaging.MessageStore.
func (s *Store) CountPending(ctx context.Context, recipient string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.state == contracts.StatePending && rec.env.Recipient == recipient {
			count++
		}
	}
	return count, nil
}

// UpdateMessageState implements messaging.MessageStore.
func (s *Store) UpdateMessageState(ctx context.Context, messageID string, state contracts.MessageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return messaging.ErrMessageNotFound
	}
	rec.state = state
	return nil
}

// GetRetryCount implements messaging.MessageStore.
func (s *Store) GetRetryCount(ctx context.Context, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return 0, nil
	}
	return rec.retryCount, nil
}

// IncrementRetry implements messaging.MessageStore. The increment and state
// transition happen under the store mutex, so concurrent calls for the same
// message never lose updates.
func (s *Store) IncrementRetry(ctx context.Context, messageID string, ceiling int) (messaging.RetryOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return messaging.RetryOutcome{}, messaging.ErrMessageNotFound
	}

	rec.retryCount++
	if rec.retryCount <= ceiling {
		rec.state = contracts.StatePending
	} else {
		rec.state = contracts.StateFailed
	}
	return messaging.RetryOutcome{RetryCount: rec.retryCount, State: rec.state}, nil
}

// GetConversationHistory implements messaging.MessageStore. History covers
// both directions between the two agents and is returned oldest first.
func (s *Store) GetConversationHistory(ctx context.Context, agentA, agentB string, limit int) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var between []*record
	for _, rec := range s.records {
		sender, recipient := rec.env.Sender, rec.env.Recipient
		if (sender == agentA && recipient == agentB) || (sender == agentB && recipient == agentA) {
			between = append(between, rec)
		}
	}
	sort.Slice(between, func(i, j int) bool {
		return between[i].seq < between[j].seq
	})

	if limit > 0 && len(between) > limit {
		between = between[len(between)-limit:]
	}
	envs := make([]*contracts.Envelope, len(between))
	for i, rec := range between {
		envs[i] = rec.env
	}
	return envs, nil
}

// CleanupOldMessages implements messaging.MessageStore.
func (s *Store) CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for id, rec := range s.records {
		if rec.state == contracts.StateProcessed && rec.createdAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}
