package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/messaging"
	"github.com/mahilo/mahilo-go/signing"
	"github.com/mahilo/mahilo-go/storage/memory"
)

func sendDirect(t *testing.T, broker *messaging.Broker, sender, recipient, payload string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(sender, recipient, payload)
	require.NoError(t, err)
	require.NoError(t, broker.SendMessage(context.Background(), env))
	return env
}

func TestConsumerDrain(t *testing.T) {
	t.Run("successful handling acknowledges the message", func(t *testing.T) {
		broker := messaging.NewBroker(messaging.WithStore(memory.NewStore()))
		env := sendDirect(t, broker, "alice", "bob", "hello")

		var handled []*contracts.Envelope
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error {
				handled = append(handled, env)
				return nil
			}), nil)

		require.NoError(t, consumer.Drain(context.Background()))

		require.Len(t, handled, 1)
		assert.Equal(t, env.MessageID, handled[0].MessageID)

		pending, err := broker.GetPendingMessages(context.Background(), "bob")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("failing handler retries then notifies sender", func(t *testing.T) {
		store := memory.NewStore()
		broker := messaging.NewBroker(messaging.WithStore(store))
		env := sendDirect(t, broker, "alice", "bob", "hello")

		attempts := 0
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error {
				attempts++
				return errors.New("handler exploded")
			}), nil)

		// Three failed attempts leave the message pending with the retry
		// count climbing; the fourth exhausts the ceiling.
		for i := 1; i <= 3; i++ {
			require.NoError(t, consumer.Drain(context.Background()))
			count, err := store.GetRetryCount(context.Background(), env.MessageID)
			require.NoError(t, err)
			assert.Equal(t, i, count)

			pending, err := broker.GetPendingMessages(context.Background(), "bob")
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		}

		require.NoError(t, consumer.Drain(context.Background()))
		assert.Equal(t, 4, attempts)

		pending, err := broker.GetPendingMessages(context.Background(), "bob")
		require.NoError(t, err)
		assert.Empty(t, pending)

		// The sender gets an error notice referencing the failed message.
		notices, err := broker.GetPendingMessages(context.Background(), "alice")
		require.NoError(t, err)
		require.Len(t, notices, 1)
		assert.Equal(t, contracts.MessageTypeError, notices[0].MessageType)
		assert.Equal(t, "bob", notices[0].Sender)
		assert.Equal(t, env.MessageID, notices[0].ReplyTo)
		assert.Contains(t, notices[0].Payload, "Failed to process message after max retries")
		assert.Contains(t, notices[0].Payload, "handler exploded")
	})

	t.Run("exhaustion notice can be disabled", func(t *testing.T) {
		broker := messaging.NewBroker(messaging.WithStore(memory.NewStore()))
		sendDirect(t, broker, "alice", "bob", "hello")

		notify := false
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error {
				return errors.New("handler exploded")
			}), &messaging.ConsumerOptions{NotifySenderOnExhaustion: &notify})

		for i := 0; i < 4; i++ {
			require.NoError(t, consumer.Drain(context.Background()))
		}

		notices, err := broker.GetPendingMessages(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, notices)
	})

	t.Run("unverifiable messages are skipped and left pending", func(t *testing.T) {
		store := memory.NewStore()
		signer := signing.NewHMACSigner("secret")
		broker := messaging.NewBroker(messaging.WithStore(store), messaging.WithSigner(signer))

		// Queued without a signature: verification must fail closed.
		unsigned, err := contracts.NewEnvelope("alice", "bob", "unsigned")
		require.NoError(t, err)
		require.NoError(t, broker.SendMessage(context.Background(), unsigned))

		signed, err := contracts.NewEnvelope("alice", "bob", "signed", contracts.WithSigner(signer))
		require.NoError(t, err)
		require.NoError(t, broker.SendMessage(context.Background(), signed))

		var handled []*contracts.Envelope
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error {
				handled = append(handled, env)
				return nil
			}), nil)

		require.NoError(t, consumer.Drain(context.Background()))

		require.Len(t, handled, 1)
		assert.Equal(t, signed.MessageID, handled[0].MessageID)

		pending, err := broker.GetPendingMessages(context.Background(), "bob")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, unsigned.MessageID, pending[0].MessageID)
	})
}

func TestConsumerLifecycle(t *testing.T) {
	t.Run("start polls until stopped", func(t *testing.T) {
		broker := messaging.NewBroker(messaging.WithStore(memory.NewStore()))
		sendDirect(t, broker, "alice", "bob", "hello")

		done := make(chan struct{})
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error {
				close(done)
				return nil
			}), &messaging.ConsumerOptions{PollInterval: 10 * time.Millisecond})

		require.NoError(t, consumer.Start(context.Background()))
		defer consumer.Stop()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("message was not processed")
		}

		assert.Eventually(t, func() bool {
			pending, err := broker.GetPendingMessages(context.Background(), "bob")
			return err == nil && len(pending) == 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("double start fails", func(t *testing.T) {
		broker := messaging.NewBroker()
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error { return nil }), nil)

		require.NoError(t, consumer.Start(context.Background()))
		defer consumer.Stop()
		assert.Error(t, consumer.Start(context.Background()))
	})

	t.Run("stop before start is a no-op", func(t *testing.T) {
		broker := messaging.NewBroker()
		consumer := messaging.NewConsumer(broker, "bob", messaging.HandlerFunc(
			func(ctx context.Context, env *contracts.Envelope) error { return nil }), nil)
		consumer.Stop()
	})
}
