package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope() Envelope {
	return Envelope{
		ID:         uuid.New(),
		Type:       models.EventDepositPerformed,
		OccurredAt: time.Now().UTC(),
		Data:       &models.DepositPerformed{AccountID: accountA, TransactionID: uuid.New(), Amount: dec("10"), Currency: "DOP", Balance: dec("10")},
	}
}

func TestWebhookSink_Deliver(t *testing.T) {
	t.Run("posts the envelope with its id as idempotency key", func(t *testing.T) {
		env := testEnvelope()
		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, env.ID.String(), r.Header.Get("Idempotency-Key"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		sink := NewWebhookSink(WebhookConfig{URL: server.URL}, server.Client(), zerolog.Nop())
		require.NoError(t, sink.Deliver(context.Background(), env))
		assert.Equal(t, string(models.EventDepositPerformed), got["type"])
		assert.Equal(t, env.ID.String(), got["id"])
		assert.Contains(t, got, "data")
	})

	t.Run("non-2xx is a failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		sink := NewWebhookSink(WebhookConfig{URL: server.URL}, server.Client(), zerolog.Nop())
		err := sink.Deliver(context.Background(), testEnvelope())
		assert.ErrorContains(t, err, "503")
	})

	t.Run("breaker opens after consecutive failures", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		sink := NewWebhookSink(WebhookConfig{URL: server.URL, ConsecutiveFailures: 2, OpenTimeout: time.Minute}, server.Client(), zerolog.Nop())
		for i := 0; i < 2; i++ {
			assert.Error(t, sink.Deliver(context.Background(), testEnvelope()))
		}
		assert.Equal(t, gobreaker.StateOpen, sink.State())

		err := sink.Deliver(context.Background(), testEnvelope())
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	})
}

func TestLogSink_Deliver(t *testing.T) {
	assert.NoError(t, NewLogSink(zerolog.Nop()).Deliver(context.Background(), testEnvelope()))
}
