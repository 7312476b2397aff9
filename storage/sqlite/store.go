// Package sqlite provides a durable MessageStore backed by SQLite. Retry
// accounting runs inside an IMMEDIATE transaction, giving the atomic
// read-modify-write per message that the messaging contract requires.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/messaging"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id     TEXT PRIMARY KEY,
	sender         TEXT NOT NULL,
	recipient      TEXT NOT NULL,
	message_type   TEXT NOT NULL,
	payload        TEXT NOT NULL,
	timestamp      REAL NOT NULL,
	correlation_id TEXT,
	reply_to       TEXT,
	signature      TEXT,
	state          TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_retry     REAL,
	created_at     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// Store is a SQLite-backed message store. It is safe for concurrent use;
// each operation borrows a connection from an internal pool.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the database file. The file is
	// created if it does not exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Open creates or opens the message database and prepares its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = WAL;", nil); err != nil {
				return fmt.Errorf("enable WAL: %w", err)
			}
			if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000;", nil); err != nil {
				return fmt.Errorf("set busy timeout: %w", err)
			}
			if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
				return fmt.Errorf("prepare schema: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("message store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// SaveMessage implements messaging.MessageStore.
func (s *Store) SaveMessage(ctx context.Context, env *contracts.Envelope) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := float64(time.Now().UnixNano()) / 1e9
	return sqlitex.Execute(conn, `INSERT INTO messages
		(message_id, sender, recipient, message_type, payload, timestamp,
		 correlation_id, reply_to, signature, state, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				env.MessageID,
				env.Sender,
				env.Recipient,
				string(env.MessageType),
				env.Payload,
				env.Timestamp,
				env.CorrelationID,
				env.ReplyTo,
				env.Signature,
				string(contracts.StatePending),
				now,
			},
		})
}

// GetMessage implements messaging.MessageStore.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*contracts.Envelope, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var env *contracts.Envelope
	err = sqlitex.Execute(conn, `SELECT message_id, sender, recipient,
		message_type, payload, timestamp, correlation_id, reply_to, signature
		FROM messages WHERE message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				env = rowToEnvelope(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, messaging.ErrMessageNotFound
	}
	return env, nil
}

// GetPendingMessages implements messaging.MessageStore. Ordering follows
// insertion order via the rowid.
func (s *Store) GetPendingMessages(ctx context.Context, recipient string) ([]*contracts.Envelope, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var envs []*contracts.Envelope
	err = sqlitex.Execute(conn, `SELECT message_id, sender, recipient,
		message_type, payload, timestamp, correlation_id, reply_to, signature
		FROM messages WHERE recipient = ? AND state = ? ORDER BY rowid`,
		&sqlitex.ExecOptions{
			Args: []any{recipient, string(contracts.StatePending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				envs = append(envs, rowToEnvelope(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// CountPending implements messaging.MessageStore.
func (s *Store) CountPending(ctx context.Context, recipient string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM messages WHERE recipient = ? AND state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{recipient, string(contracts.StatePending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	return count, err
}

// UpdateMessageState implements messaging.MessageStore.
func (s *Store) UpdateMessageState(ctx context.Context, messageID string, state contracts.MessageState) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`UPDATE messages SET state = ? WHERE message_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(state), messageID}})
}

// GetRetryCount implements messaging.MessageStore.
func (s *Store) GetRetryCount(ctx context.Context, messageID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT retry_count FROM messages WHERE message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	return count, err
}

// IncrementRetry implements messaging.MessageStore. The read, increment,
// and state transition run in one IMMEDIATE transaction so concurrent
// failure handling for the same message cannot lose updates.
func (s *Store) IncrementRetry(ctx context.Context, messageID string, ceiling int) (outcome messaging.RetryOutcome, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return messaging.RetryOutcome{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return messaging.RetryOutcome{}, err
	}
	defer endTransaction(&err)

	found := false
	count := 0
	err = sqlitex.Execute(conn,
		`SELECT retry_count FROM messages WHERE message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return messaging.RetryOutcome{}, err
	}
	if !found {
		return messaging.RetryOutcome{}, messaging.ErrMessageNotFound
	}

	count++
	state := contracts.StatePending
	if count > ceiling {
		state = contracts.StateFailed
	}

	now := float64(time.Now().UnixNano()) / 1e9
	err = sqlitex.Execute(conn,
		`UPDATE messages SET state = ?, retry_count = ?, last_retry = ? WHERE message_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(state), count, now, messageID}})
	if err != nil {
		return messaging.RetryOutcome{}, err
	}
	return messaging.RetryOutcome{RetryCount: count, State: state}, nil
}

// GetConversationHistory implements messaging.MessageStore. The most recent
// limit messages between the two agents are returned oldest first.
func (s *Store) GetConversationHistory(ctx context.Context, agentA, agentB string, limit int) ([]*contracts.Envelope, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var envs []*contracts.Envelope
	err = sqlitex.Execute(conn, `SELECT message_id, sender, recipient,
		message_type, payload, timestamp, correlation_id, reply_to, signature
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY timestamp DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentA, agentB, agentB, agentA, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				envs = append(envs, rowToEnvelope(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}

	// Flip from newest-first query order to oldest-first.
	for i, j := 0, len(envs)-1; i < j; i, j = i+1, j-1 {
		envs[i], envs[j] = envs[j], envs[i]
	}
	return envs, nil
}

// CleanupOldMessages implements messaging.MessageStore.
func (s *Store) CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	cutoff := float64(time.Now().Add(-maxAge).UnixNano()) / 1e9
	err = sqlitex.Execute(conn,
		`DELETE FROM messages WHERE state = ? AND timestamp < ?`,
		&sqlitex.ExecOptions{Args: []any{string(contracts.StateProcessed), cutoff}})
	if err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

// rowToEnvelope reads the standard envelope column set. Column order must
// match the SELECT lists above.
func rowToEnvelope(stmt *sqlite.Stmt) *contracts.Envelope {
	return &contracts.Envelope{
		MessageID:     stmt.ColumnText(0),
		Sender:        stmt.ColumnText(1),
		Recipient:     stmt.ColumnText(2),
		MessageType:   contracts.MessageType(stmt.ColumnText(3)),
		Payload:       stmt.ColumnText(4),
		Timestamp:     stmt.ColumnFloat(5),
		CorrelationID: stmt.ColumnText(6),
		ReplyTo:       stmt.ColumnText(7),
		Signature:     stmt.ColumnText(8),
	}
}
