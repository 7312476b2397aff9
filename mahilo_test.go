package mahilo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/messaging"
	"github.com/mahilo/mahilo-go/policy"
	"github.com/mahilo/mahilo-go/telemetry"
)

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient()
	require.NoError(t, err)
	defer client.Close()

	assert.NotNil(t, client.Broker())
	assert.NotNil(t, client.Store())
	assert.NotNil(t, client.Policies())
	assert.Nil(t, client.Metrics())
	assert.Nil(t, client.Broker().Signer())
}

func TestNewClientOptions(t *testing.T) {
	t.Run("secret enables signing", func(t *testing.T) {
		client, err := NewClient(WithSecret("shared"))
		require.NoError(t, err)
		defer client.Close()

		assert.NotNil(t, client.Broker().Signer())
	})

	t.Run("custom validator replaces the policy manager", func(t *testing.T) {
		client, err := NewClient(WithValidator(policy.NewManager()))
		require.NoError(t, err)
		defer client.Close()

		assert.Nil(t, client.Policies())
	})

	t.Run("metrics collector observes traffic", func(t *testing.T) {
		client, err := NewClient(WithMetrics())
		require.NoError(t, err)
		defer client.Close()
		require.NotNil(t, client.Metrics())

		env, err := contracts.NewEnvelope("alice", "bob", "hello")
		require.NoError(t, err)
		require.NoError(t, client.Broker().SendMessage(context.Background(), env))

		stats := client.Metrics().Stats()
		assert.Equal(t, int64(1), stats.MessagesSent)
		assert.Equal(t, 1, stats.QueueDepths["bob"])
	})

	t.Run("extra sink is wired in", func(t *testing.T) {
		extra := telemetry.NewCollector()
		client, err := NewClient(WithTelemetrySink(extra))
		require.NoError(t, err)
		defer client.Close()

		env, err := contracts.NewEnvelope("alice", "bob", "hello")
		require.NoError(t, err)
		require.NoError(t, client.Broker().SendMessage(context.Background(), env))

		assert.Equal(t, int64(1), extra.Stats().MessagesSent)
	})
}

func TestNewClientSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mahilo.db")
	ctx := context.Background()

	client, err := NewClient(WithSQLiteStore(path))
	require.NoError(t, err)

	env, err := contracts.NewEnvelope("alice", "bob", "durable")
	require.NoError(t, err)
	require.NoError(t, client.Broker().SendMessage(ctx, env))
	require.NoError(t, client.Close())

	reopened, err := NewClient(WithSQLiteStore(path))
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Broker().GetPendingMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "durable", pending[0].Payload)
}

func TestClientEndToEnd(t *testing.T) {
	client, err := NewClient(WithSecret("shared"))
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Policies().AddPolicy(&policy.Policy{
		Name:    "no_shouting",
		Enabled: true,
		Rule: func(ctx context.Context, env *contracts.Envelope, vctx messaging.ValidationContext) (bool, string) {
			for _, r := range env.Payload {
				if r >= 'a' && r <= 'z' {
					return true, ""
				}
			}
			return false, "message is all caps"
		},
	}))

	ok, err := contracts.NewEnvelope("alice", "bob", "hello bob",
		contracts.WithSigner(client.Broker().Signer()))
	require.NoError(t, err)
	require.NoError(t, client.Broker().SendMessage(ctx, ok))

	shouting, err := contracts.NewEnvelope("alice", "bob", "HELLO BOB",
		contracts.WithSigner(client.Broker().Signer()))
	require.NoError(t, err)
	require.NoError(t, client.Broker().SendMessage(ctx, shouting))

	pending, err := client.Broker().GetPendingMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "hello bob", pending[0].Payload)

	// The rejection comes back to the sender as a signed error envelope.
	replies, err := client.Broker().GetPendingMessages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, contracts.MessageTypeError, replies[0].MessageType)
	assert.Contains(t, replies[0].Payload, "Policy 'no_shouting': message is all caps")
	assert.True(t, replies[0].Verify(client.Broker().Signer()))
}
