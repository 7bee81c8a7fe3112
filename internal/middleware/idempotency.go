package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/ledgertx/backend/internal/metrics"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/services"
	"github.com/ledgertx/backend/internal/store"
	"github.com/rs/zerolog"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
	maxIdempotentBodyBytes  = 1_048_576
	inflightKeyPrefix       = "idempotency:inflight:"
)

// IdempotencyGate replays the first response recorded for an
// Idempotency-Key and rejects reuse of a key with a different request.
type IdempotencyGate struct {
	store    store.IdempotencyStore
	redis    *redis.Client
	claimTTL time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewIdempotencyGate builds the gate. rdb may be nil, in which case
// concurrent first requests with one key are not serialized.
func NewIdempotencyGate(st store.IdempotencyStore, rdb *redis.Client, claimTTL time.Duration, logger zerolog.Logger, m *metrics.Metrics) *IdempotencyGate {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &IdempotencyGate{
		store:    st,
		redis:    rdb,
		claimTTL: claimTTL,
		metrics:  m,
		logger:   logger.With().Str("component", "idempotency").Logger(),
	}
}

func (g *IdempotencyGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			services.SendErrorResponse(w, services.CodeValidation, "Idempotency-Key header is required.", http.StatusBadRequest, nil)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			services.SendErrorResponse(w, services.CodeValidation, "Idempotency-Key header is too long.", http.StatusBadRequest, nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBodyBytes))
		if err != nil {
			services.SendErrorResponse(w, services.CodeValidation, "Request body too large or unreadable.", http.StatusBadRequest, nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := Fingerprint(r.Method, r.URL.Path, body)

		ctx := r.Context()
		existing, err := g.store.GetIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			g.replay(w, existing, hash)
			return
		case !errors.Is(err, store.ErrNotFound):
			g.logger.Error().Err(err).Msg("idempotency lookup failed")
			services.SendError(w, err)
			return
		}

		claimed, release := g.claim(ctx, key)
		if !claimed {
			g.metrics.ObserveIdempotency("in_progress")
			services.SendError(w, services.ErrIdempotencyInProgress)
			return
		}
		defer release()

		// A request that finished between lookup and claim is replayed.
		if existing, err := g.store.GetIdempotencyKey(ctx, key); err == nil {
			g.replay(w, existing, hash)
			return
		}

		var captured bytes.Buffer
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&captured)
		ww.Discard()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status < http.StatusInternalServerError {
			rec := &models.IdempotencyKey{
				Key:          key,
				RequestHash:  hash,
				ResponseCode: status,
				ResponseBody: captured.Bytes(),
				CreatedAt:    models.Now(),
			}
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := g.store.SaveIdempotencyKey(saveCtx, rec); err != nil {
				g.logger.Error().Err(err).Str("key", key).Msg("failed to record idempotency key")
			} else {
				g.metrics.ObserveIdempotency("stored")
			}
			cancel()
		}

		w.WriteHeader(status)
		w.Write(captured.Bytes())
	})
}

func (g *IdempotencyGate) replay(w http.ResponseWriter, rec *models.IdempotencyKey, hash string) {
	if rec.RequestHash != hash {
		g.metrics.ObserveIdempotency("conflict")
		services.SendError(w, services.ErrIdempotencyKeyReused)
		return
	}
	g.metrics.ObserveIdempotency("replayed")
	if len(rec.ResponseBody) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(rec.ResponseCode)
	w.Write(rec.ResponseBody)
}

// claim marks key as in flight in Redis. Without Redis, or when Redis
// fails, every request is allowed through.
func (g *IdempotencyGate) claim(ctx context.Context, key string) (bool, func()) {
	noop := func() {}
	if g.redis == nil {
		return true, noop
	}

	redisKey := inflightKeyPrefix + key
	ok, err := g.redis.SetNX(ctx, redisKey, "1", g.claimTTL).Result()
	if err != nil {
		g.logger.Warn().Err(err).Msg("idempotency claim unavailable, continuing without it")
		return true, noop
	}
	if !ok {
		return false, noop
	}
	return true, func() {
		if err := g.redis.Del(context.WithoutCancel(ctx), redisKey).Err(); err != nil {
			g.logger.Warn().Err(err).Msg("failed to release idempotency claim")
		}
	}
}

// Fingerprint hashes method, path and the normalized body. JSON bodies are
// re-encoded so key order and whitespace do not matter.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(normalizeBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return normalized
}
