package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/middleware"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/services"
	"github.com/ledgertx/backend/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret     = []byte("handler-secret")
	roundingID     = uuid.MustParse("dddddddd-dddd-dddd-dddd-dddddddddddd")
	testArgonParam = services.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLength: 32, SaltLength: 16}
)

type testAPI struct {
	router http.Handler
	store  *memory.Store
	ledger *services.DoubleLedgerService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memory.New()
	pairs, err := services.ParseRatePairs(services.DefaultRatePairs)
	require.NoError(t, err)

	ledger := services.NewDoubleLedgerService(st, services.NewStaticRates(pairs), services.LedgerConfig{
		BaseCurrency:      "DOP",
		RoundingAccountID: roundingID,
	}, zerolog.Nop(), nil)
	require.NoError(t, ledger.EnsureRoundingAccount(context.Background()))

	auth := services.NewAuthService(testSecret, time.Hour, testArgonParam, zerolog.Nop())
	require.NoError(t, auth.AddUser("auditor", "auditor123", models.RoleAuditor))
	require.NoError(t, auth.AddUser("teller", "teller123", models.RoleTeller))

	accounts := NewAccountHandler(ledger)
	queries := NewQueryHandler(services.NewReadService(st))
	gate := middleware.NewIdempotencyGate(st, nil, 0, zerolog.Nop(), nil)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/token", NewAuthHandler(auth).Token)
		r.Post("/webhooks/test", NewWebhookHandler(zerolog.Nop()).Receive)
		r.Post("/accounts", accounts.CreateAccount)
		r.Get("/accounts/{id}", accounts.GetAccount)
		r.Get("/ledger", queries.Ledger)
		r.With(gate.Handler).Post("/accounts/{id}/deposits", accounts.Deposit)
		r.With(gate.Handler).Post("/accounts/{id}/withdrawals", accounts.Withdraw)
		r.With(gate.Handler).Post("/transfers", accounts.Transfer)
		r.With(middleware.Auth(testSecret), middleware.RequireRole(models.RoleAuditor)).
			Get("/accounts/{id}/transactions", queries.AccountTransactions)
	})
	return &testAPI{router: r, store: st, ledger: ledger}
}

func (a *testAPI) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) createAccount(t *testing.T, holder, currency, balance string) models.Account {
	t.Helper()
	w := a.do(http.MethodPost, "/v1/accounts", `{"holder":"`+holder+`","currency":"`+currency+`","initialBalance":"`+balance+`"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var acc models.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	return acc
}

func (a *testAPI) token(t *testing.T, user, password string) string {
	t.Helper()
	w := a.do(http.MethodPost, "/v1/auth/token", `{"username":"`+user+`","password":"`+password+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.AccessToken
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) services.ErrorResponse {
	t.Helper()
	var resp services.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAccountHandler_CreateAndGet(t *testing.T) {
	api := newTestAPI(t)

	t.Run("create and fetch", func(t *testing.T) {
		acc := api.createAccount(t, "Holder A", "dop", "1000.00")
		assert.Equal(t, "DOP", acc.Currency)
		assert.True(t, decimal.RequireFromString("1000").Equal(acc.Balance))

		w := api.do(http.MethodGet, "/v1/accounts/"+acc.ID.String(), "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"availableBalance"`)
	})

	t.Run("unknown account", func(t *testing.T) {
		w := api.do(http.MethodGet, "/v1/accounts/"+uuid.NewString(), "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, services.CodeAccountNotFound, decodeError(t, w).Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := api.do(http.MethodGet, "/v1/accounts/not-a-uuid", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation failure", func(t *testing.T) {
		w := api.do(http.MethodPost, "/v1/accounts", `{"holder":"","currency":"DOLLAR"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeError(t, w)
		assert.Equal(t, services.CodeValidation, resp.Code)
		assert.Contains(t, resp.Details, "Holder")
		assert.Contains(t, resp.Details, "Currency")
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		w := api.do(http.MethodPost, "/v1/accounts", `{"holder":"X","currency":"DOP","extra":1}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("trailing data rejected", func(t *testing.T) {
		w := api.do(http.MethodPost, "/v1/accounts", `{"holder":"X","currency":"DOP"}{}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountHandler_MoneyMovement(t *testing.T) {
	api := newTestAPI(t)
	a := api.createAccount(t, "Holder A", "DOP", "1000.00")
	b := api.createAccount(t, "Holder B", "DOP", "0")
	c := api.createAccount(t, "Holder C", "USD", "100.00")

	t.Run("deposit requires idempotency key", func(t *testing.T) {
		w := api.do(http.MethodPost, "/v1/accounts/"+a.ID.String()+"/deposits", `{"amount":"10.00"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("deposit is replayed for the same key", func(t *testing.T) {
		headers := map[string]string{"Idempotency-Key": "dep-1"}
		first := api.do(http.MethodPost, "/v1/accounts/"+a.ID.String()+"/deposits", `{"amount":"50.00","description":"cash"}`, headers)
		second := api.do(http.MethodPost, "/v1/accounts/"+a.ID.String()+"/deposits", `{"amount":"50.00","description":"cash"}`, headers)
		require.Equal(t, http.StatusOK, first.Code, first.Body.String())
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

		acc, err := api.ledger.GetAccount(context.Background(), a.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("1050").Equal(acc.Balance))
	})

	t.Run("withdrawal beyond balance", func(t *testing.T) {
		w := api.do(http.MethodPost, "/v1/accounts/"+b.ID.String()+"/withdrawals", `{"amount":"1.00"}`, map[string]string{"Idempotency-Key": "wd-1"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, services.CodeInsufficientFunds, decodeError(t, w).Code)
	})

	t.Run("fx transfer", func(t *testing.T) {
		body := `{"sourceAccountId":"` + c.ID.String() + `","targetAccountId":"` + b.ID.String() + `","amount":"10.00","currency":"USD"}`
		w := api.do(http.MethodPost, "/v1/transfers", body, map[string]string{"Idempotency-Key": "tr-1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp models.TransactionIDResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEqual(t, uuid.Nil, resp.TransactionID)

		target, err := api.ledger.GetAccount(context.Background(), b.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("571.40").Equal(target.Balance), target.Balance.String())
	})

	t.Run("transfer to same account", func(t *testing.T) {
		body := `{"sourceAccountId":"` + a.ID.String() + `","targetAccountId":"` + a.ID.String() + `","amount":"1.00","currency":"DOP"}`
		w := api.do(http.MethodPost, "/v1/transfers", body, map[string]string{"Idempotency-Key": "tr-2"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, services.CodeSameAccount, decodeError(t, w).Code)
	})

	t.Run("reused key with another body", func(t *testing.T) {
		body := `{"sourceAccountId":"` + c.ID.String() + `","targetAccountId":"` + b.ID.String() + `","amount":"11.00","currency":"USD"}`
		w := api.do(http.MethodPost, "/v1/transfers", body, map[string]string{"Idempotency-Key": "tr-1"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, services.CodeIdempotencyKeyReused, decodeError(t, w).Code)
	})
}

func TestQueryHandler(t *testing.T) {
	api := newTestAPI(t)
	a := api.createAccount(t, "Holder A", "DOP", "0")
	for i := 0; i < 5; i++ {
		_, err := api.ledger.Deposit(context.Background(), a.ID, decimal.NewFromInt(int64(i+1)), nil)
		require.NoError(t, err)
	}

	t.Run("transactions require a token", func(t *testing.T) {
		w := api.do(http.MethodGet, "/v1/accounts/"+a.ID.String()+"/transactions", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("teller is forbidden", func(t *testing.T) {
		token := api.token(t, "teller", "teller123")
		w := api.do(http.MethodGet, "/v1/accounts/"+a.ID.String()+"/transactions", "", map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("auditor pages through transactions", func(t *testing.T) {
		auth := map[string]string{"Authorization": "Bearer " + api.token(t, "auditor", "auditor123")}

		w := api.do(http.MethodGet, "/v1/accounts/"+a.ID.String()+"/transactions?limit=3", "", auth)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page models.Page[models.TransactionItem]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.Len(t, page.Items, 3)
		for i := 1; i < len(page.Items); i++ {
			assert.Positive(t, models.CompareKeyset(page.Items[i-1].Keyset(), page.Items[i].Keyset()))
		}
		require.NotNil(t, page.NextCursor)

		w = api.do(http.MethodGet, "/v1/accounts/"+a.ID.String()+"/transactions?limit=3&cursor="+*page.NextCursor, "", auth)
		require.Equal(t, http.StatusOK, w.Code)
		var next models.Page[models.TransactionItem]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
		assert.Len(t, next.Items, 2)
		assert.Nil(t, next.NextCursor)
		assert.NotNil(t, next.PrevCursor)
	})

	t.Run("history of unknown account", func(t *testing.T) {
		auth := map[string]string{"Authorization": "Bearer " + api.token(t, "auditor", "auditor123")}
		w := api.do(http.MethodGet, "/v1/accounts/"+uuid.NewString()+"/transactions", "", auth)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ledger filtered by account", func(t *testing.T) {
		w := api.do(http.MethodGet, "/v1/ledger?accountId="+a.ID.String(), "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var page models.Page[models.LedgerEntry]
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Items, 5)
		for _, e := range page.Items {
			assert.Equal(t, a.ID, e.AccountID)
		}
	})

	t.Run("bad query parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/v1/ledger?limit=ten", "", nil).Code)
		assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/v1/ledger?accountId=x", "", nil).Code)
	})
}

func TestAuthHandler_Token(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/v1/auth/token", `{"username":"auditor","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, services.CodeUnauthorized, decodeError(t, w).Code)

	w = api.do(http.MethodPost, "/v1/auth/token", `{"username":"auditor"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandler_Receive(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/v1/webhooks/test", `{"id":"x","type":"DepositPerformed"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = api.do(http.MethodPost, "/v1/webhooks/test", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
