package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/store"
	"github.com/ledgertx/backend/internal/store/memory"
	"github.com/ledgertx/backend/internal/store/postgres"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testRoundingID = uuid.MustParse("dddddddd-dddd-dddd-dddd-dddddddddddd")
	accountA       = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	accountB       = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	accountC       = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
	accountE       = uuid.MustParse("eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func storeQuery(limit int) store.KeysetQuery {
	return store.KeysetQuery{Limit: limit, Direction: models.DirectionNext}
}

func testRates() *StaticRates {
	return NewStaticRates(map[string]decimal.Decimal{
		"USD/DOP": dec("57.14"),
		"DOP/USD": dec("0.0175"),
		"EUR/DOP": dec("63.37"),
		"USD/EUR": dec("0.92"),
	})
}

// newTestLedger seeds A and B in DOP, C in USD and E in EUR.
func newTestLedger(t *testing.T) (*DoubleLedgerService, *memory.Store) {
	t.Helper()
	st := memory.New()
	now := models.Now()
	st.Seed(
		models.Account{ID: accountA, Holder: "Holder A", Currency: "DOP", Balance: dec("1000.00"), CreatedAt: now},
		models.Account{ID: accountB, Holder: "Holder B", Currency: "DOP", Balance: dec("0"), CreatedAt: now},
		models.Account{ID: accountC, Holder: "Holder C", Currency: "USD", Balance: dec("500.00"), CreatedAt: now},
		models.Account{ID: accountE, Holder: "Holder E", Currency: "EUR", Balance: dec("500.00"), CreatedAt: now},
	)
	service := NewDoubleLedgerService(st, testRates(), LedgerConfig{BaseCurrency: "dop", RoundingAccountID: testRoundingID}, zerolog.Nop(), nil)
	require.NoError(t, service.EnsureRoundingAccount(context.Background()))
	return service, st
}

func balanceOf(t *testing.T, s *DoubleLedgerService, id uuid.UUID) decimal.Decimal {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestDoubleLedgerService_EnsureRoundingAccount(t *testing.T) {
	service, st := newTestLedger(t)

	acc, err := st.GetAccount(context.Background(), testRoundingID)
	require.NoError(t, err)
	assert.Equal(t, "DOP", acc.Currency)
	assert.Equal(t, "FX_ROUNDING", acc.Holder)
	assert.True(t, acc.Balance.IsZero())

	// second call leaves the account alone
	require.NoError(t, service.EnsureRoundingAccount(context.Background()))
}

func TestDoubleLedgerService_EnsureAccountConcurrent(t *testing.T) {
	st := memory.New()
	service := NewDoubleLedgerService(st, testRates(), LedgerConfig{BaseCurrency: "DOP", RoundingAccountID: testRoundingID}, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := service.EnsureAccount(context.Background(), models.Account{
				ID: accountA, Holder: "Holder A", Currency: "DOP", Balance: decimal.NewFromInt(int64(i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	first := balanceOf(t, service, accountA)
	require.NoError(t, service.EnsureAccount(context.Background(), models.Account{
		ID: accountA, Holder: "Holder A", Currency: "DOP", Balance: dec("999"),
	}))
	assert.True(t, first.Equal(balanceOf(t, service, accountA)), "existing account is left untouched")
}

func TestDoubleLedgerService_CreateAccount(t *testing.T) {
	service, _ := newTestLedger(t)
	ctx := context.Background()

	t.Run("normalizes currency", func(t *testing.T) {
		opening := dec("25.50")
		acc, err := service.CreateAccount(ctx, models.CreateAccountRequest{Holder: " Holder X ", Currency: "usd", InitialBalance: &opening})
		require.NoError(t, err)
		assert.Equal(t, "USD", acc.Currency)
		assert.Equal(t, "Holder X", acc.Holder)
		assert.True(t, opening.Equal(balanceOf(t, service, acc.ID)))
	})

	tests := []struct {
		name string
		req  models.CreateAccountRequest
	}{
		{"blank holder", models.CreateAccountRequest{Holder: "  ", Currency: "DOP"}},
		{"bad currency", models.CreateAccountRequest{Holder: "X", Currency: "D0P"}},
		{"negative opening", models.CreateAccountRequest{Holder: "X", Currency: "DOP", InitialBalance: decPtr(dec("-1"))}},
		{"too many places", models.CreateAccountRequest{Holder: "X", Currency: "DOP", InitialBalance: decPtr(dec("1.001"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateAccount(ctx, tt.req)
			assert.Equal(t, CodeValidation, CodeOf(err))
		})
	}
}

func TestDoubleLedgerService_DepositWithdraw(t *testing.T) {
	service, st := newTestLedger(t)
	ctx := context.Background()

	t.Run("deposit debits the account", func(t *testing.T) {
		note := "cash"
		txID, err := service.Deposit(ctx, accountB, dec("150.25"), &note)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, txID)
		assert.True(t, dec("150.25").Equal(balanceOf(t, service, accountB)))

		items, err := st.ListAccountTransactions(ctx, accountB, storeQuery(10))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, txID, items[0].ID)
		assert.Equal(t, models.TransactionDeposit, items[0].Type)
		assert.True(t, dec("150.25").Equal(items[0].Amount))
		assert.Equal(t, "cash", *items[0].Description)
	})

	t.Run("withdraw credits the account", func(t *testing.T) {
		_, err := service.Withdraw(ctx, accountB, dec("50.25"), nil)
		require.NoError(t, err)
		assert.True(t, dec("100").Equal(balanceOf(t, service, accountB)))
	})

	t.Run("withdraw whole balance", func(t *testing.T) {
		_, err := service.Withdraw(ctx, accountB, dec("100"), nil)
		require.NoError(t, err)
		assert.True(t, balanceOf(t, service, accountB).IsZero())
	})

	t.Run("insufficient funds writes nothing", func(t *testing.T) {
		events, entries := len(st.Events()), len(st.Entries())
		_, err := service.Withdraw(ctx, accountB, dec("0.01"), nil)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Len(t, st.Events(), events)
		assert.Len(t, st.Entries(), entries)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := service.Deposit(ctx, uuid.New(), dec("1"), nil)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	amounts := []string{"0", "-5", "1.234"}
	for _, a := range amounts {
		t.Run("invalid amount "+a, func(t *testing.T) {
			_, err := service.Deposit(ctx, accountA, dec(a), nil)
			assert.Equal(t, CodeValidation, CodeOf(err))
		})
	}

	assert.Zero(t, st.LockCount())
}

func TestDoubleLedgerService_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("same currency", func(t *testing.T) {
		service, st := newTestLedger(t)
		txID, err := service.Transfer(ctx, models.TransferRequest{
			SourceAccountID: accountA, TargetAccountID: accountB, Amount: dec("250.00"), Currency: "dop",
		})
		require.NoError(t, err)
		assert.True(t, dec("750").Equal(balanceOf(t, service, accountA)))
		assert.True(t, dec("250").Equal(balanceOf(t, service, accountB)))

		items, err := st.ListAccountTransactions(ctx, accountA, storeQuery(10))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, txID, items[0].ID)
		assert.Equal(t, models.TransactionTransfer, items[0].Type)
		assert.True(t, dec("-250").Equal(items[0].Amount))
		assert.Nil(t, items[0].FxPair)
	})

	t.Run("USD to DOP credits 571.40", func(t *testing.T) {
		service, st := newTestLedger(t)
		_, err := service.Transfer(ctx, models.TransferRequest{
			SourceAccountID: accountC, TargetAccountID: accountB, Amount: dec("10.00"), Currency: "USD",
		})
		require.NoError(t, err)
		assert.True(t, dec("490").Equal(balanceOf(t, service, accountC)))
		assert.True(t, dec("571.40").Equal(balanceOf(t, service, accountB)))
		assert.True(t, balanceOf(t, service, testRoundingID).IsZero())

		items, err := st.ListAccountTransactions(ctx, accountB, storeQuery(10))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, models.TransactionTransferFX, items[0].Type)
		assert.Equal(t, "USD/DOP", *items[0].FxPair)
		assert.True(t, dec("57.14").Equal(*items[0].FxRate))

		// no rounding leg when base values agree
		assert.Len(t, st.Entries(), 2)
	})

	t.Run("DOP to USD posts rounding", func(t *testing.T) {
		service, st := newTestLedger(t)
		_, err := service.Transfer(ctx, models.TransferRequest{
			SourceAccountID: accountA, TargetAccountID: accountC, Amount: dec("1000.00"), Currency: "DOP",
		})
		require.NoError(t, err)
		assert.True(t, balanceOf(t, service, accountA).IsZero())
		assert.True(t, dec("517.50").Equal(balanceOf(t, service, accountC)))
		// base debit 17.50 * 57.14 = 999.95 against base credit 1000.00
		assert.True(t, dec("0.05").Equal(balanceOf(t, service, testRoundingID)))

		entries := st.Entries()
		require.Len(t, entries, 3)
		var rounding models.LedgerEntry
		for _, e := range entries {
			if e.AccountID == testRoundingID {
				rounding = e
			}
		}
		assert.True(t, dec("0.05").Equal(rounding.Debit))
		assert.True(t, rounding.Credit.IsZero())
		assert.True(t, dec("0.05").Equal(*rounding.BaseDebit))
		assertBaseBalanced(t, entries)
	})

	t.Run("base currency stays balanced", func(t *testing.T) {
		service, st := newTestLedger(t)
		cases := []struct {
			from, to uuid.UUID
			currency string
			amounts  []string
		}{
			{accountA, accountC, "DOP", []string{"0.01", "0.57", "1.00", "3.33", "99.99"}},
			{accountC, accountA, "USD", []string{"0.01", "0.07", "1.99", "12.34"}},
			{accountC, accountE, "USD", []string{"0.01", "0.33", "7.77", "10.01"}},
			{accountE, accountC, "EUR", []string{"0.01", "0.29", "5.55"}},
			{accountE, accountB, "EUR", []string{"0.03", "1.11"}},
		}
		for _, c := range cases {
			for _, a := range c.amounts {
				_, err := service.Transfer(ctx, models.TransferRequest{
					SourceAccountID: c.from, TargetAccountID: c.to, Amount: dec(a), Currency: c.currency,
				})
				require.NoError(t, err, "%s %s", c.currency, a)
				assertBaseBalanced(t, st.Entries())
			}
		}
		assertBalancesReplay(t, service, st)
	})

	t.Run("validation and business rules", func(t *testing.T) {
		service, st := newTestLedger(t)
		tests := []struct {
			name string
			req  models.TransferRequest
			want error
		}{
			{"same account", models.TransferRequest{SourceAccountID: accountA, TargetAccountID: accountA, Amount: dec("1"), Currency: "DOP"}, ErrSameAccount},
			{"currency mismatch", models.TransferRequest{SourceAccountID: accountA, TargetAccountID: accountB, Amount: dec("1"), Currency: "USD"}, ErrSourceCurrencyMismatch},
			{"insufficient funds", models.TransferRequest{SourceAccountID: accountB, TargetAccountID: accountA, Amount: dec("1"), Currency: "DOP"}, ErrInsufficientFunds},
			{"unknown source", models.TransferRequest{SourceAccountID: uuid.New(), TargetAccountID: accountA, Amount: dec("1"), Currency: "DOP"}, ErrAccountNotFound},
			{"unknown target", models.TransferRequest{SourceAccountID: accountA, TargetAccountID: uuid.New(), Amount: dec("1"), Currency: "DOP"}, ErrAccountNotFound},
			{"zero amount", models.TransferRequest{SourceAccountID: accountA, TargetAccountID: accountB, Amount: dec("0"), Currency: "DOP"}, NewValidationError("")},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := service.Transfer(ctx, tt.req)
				assert.ErrorIs(t, err, tt.want)
			})
		}
		assert.Empty(t, st.Entries())
		assert.Empty(t, st.Events())
		assert.Zero(t, st.LockCount())
	})

	t.Run("missing fx rate", func(t *testing.T) {
		service, st := newTestLedger(t)
		st.Seed(models.Account{ID: uuid.MustParse("99999999-9999-9999-9999-999999999999"), Holder: "G", Currency: "GBP", Balance: dec("10"), CreatedAt: models.Now()})
		_, err := service.Transfer(ctx, models.TransferRequest{
			SourceAccountID: uuid.MustParse("99999999-9999-9999-9999-999999999999"), TargetAccountID: accountA, Amount: dec("1"), Currency: "GBP",
		})
		assert.ErrorIs(t, err, ErrFxRateUnavailable)
		assert.True(t, dec("1000").Equal(balanceOf(t, service, accountA)))
	})

	t.Run("missing rounding account rolls back", func(t *testing.T) {
		st := memory.New()
		st.Seed(
			models.Account{ID: accountA, Holder: "A", Currency: "DOP", Balance: dec("1000"), CreatedAt: models.Now()},
			models.Account{ID: accountC, Holder: "C", Currency: "USD", Balance: dec("0"), CreatedAt: models.Now()},
		)
		service := NewDoubleLedgerService(st, testRates(), LedgerConfig{BaseCurrency: "DOP", RoundingAccountID: testRoundingID}, zerolog.Nop(), nil)

		_, err := service.Transfer(ctx, models.TransferRequest{
			SourceAccountID: accountA, TargetAccountID: accountC, Amount: dec("1000"), Currency: "DOP",
		})
		assert.ErrorIs(t, err, ErrRoundingAccountMissing)
		assert.True(t, dec("1000").Equal(balanceOf(t, service, accountA)))
		assert.Empty(t, st.Entries())
		assert.Zero(t, st.LockCount())
	})
}

func TestDoubleLedgerService_Events(t *testing.T) {
	service, st := newTestLedger(t)
	ctx := context.Background()

	_, err := service.Deposit(ctx, accountB, dec("5"), nil)
	require.NoError(t, err)
	_, err = service.Withdraw(ctx, accountA, dec("5"), nil)
	require.NoError(t, err)
	transferID, err := service.Transfer(ctx, models.TransferRequest{
		SourceAccountID: accountA, TargetAccountID: accountC, Amount: dec("1000"), Currency: "DOP",
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	transferID, err = service.Transfer(ctx, models.TransferRequest{
		SourceAccountID: accountA, TargetAccountID: accountC, Amount: dec("995"), Currency: "DOP",
	})
	require.NoError(t, err)

	events := st.Events()
	require.Len(t, events, 3)
	assert.Equal(t, models.EventDepositPerformed, events[0].Type)
	assert.Equal(t, models.EventWithdrawalPerformed, events[1].Type)
	assert.Equal(t, models.EventTransferPerformed, events[2].Type)
	for _, ev := range events {
		assert.False(t, ev.Published)
	}

	payload, err := events[2].DecodePayload()
	require.NoError(t, err)
	transfer, ok := payload.(*models.TransferPerformed)
	require.True(t, ok)
	assert.Equal(t, transferID, transfer.Source.TransactionID)
	assert.Equal(t, accountC, transfer.Target.AccountID)
	assert.True(t, dec("17.41").Equal(transfer.Target.Amount))
	assert.Equal(t, "DOP/USD", *transfer.FxPair)
	assert.Equal(t, "DOP", transfer.BaseCurrency)
}

func TestDoubleLedgerService_Concurrency(t *testing.T) {
	t.Run("withdrawals never overdraw", func(t *testing.T) {
		service, st := newTestLedger(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded, rejected := 0, 0
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := service.Withdraw(ctx, accountA, dec("20"), nil)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else if assert.ErrorIs(t, err, ErrInsufficientFunds) {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, succeeded)
		assert.Equal(t, 50, rejected)
		assert.True(t, balanceOf(t, service, accountA).IsZero())
		assert.Zero(t, st.LockCount())
		assertBalancesReplay(t, service, st)
	})

	t.Run("opposite transfers do not deadlock", func(t *testing.T) {
		service, st := newTestLedger(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := service.Deposit(ctx, accountB, dec("1000"), nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := service.Transfer(ctx, models.TransferRequest{SourceAccountID: accountA, TargetAccountID: accountB, Amount: dec("1"), Currency: "DOP"})
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := service.Transfer(ctx, models.TransferRequest{SourceAccountID: accountB, TargetAccountID: accountA, Amount: dec("1"), Currency: "DOP"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.True(t, dec("1000").Equal(balanceOf(t, service, accountA)))
		assert.True(t, dec("1000").Equal(balanceOf(t, service, accountB)))
		assert.Zero(t, st.LockCount())
	})

	t.Run("fx transfers and transfers out of the rounding account do not deadlock", func(t *testing.T) {
		service, st := newTestLedger(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := service.Deposit(ctx, testRoundingID, dec("1000"), nil)
		require.NoError(t, err)

		// E->C books rounding against R while R->E locks R as its source.
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := service.Transfer(ctx, models.TransferRequest{SourceAccountID: accountE, TargetAccountID: accountC, Amount: dec("0.01"), Currency: "EUR"})
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := service.Transfer(ctx, models.TransferRequest{SourceAccountID: testRoundingID, TargetAccountID: accountE, Amount: dec("1.00"), Currency: "DOP"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		require.NoError(t, ctx.Err())
		assert.Zero(t, st.LockCount())
		assertBaseBalanced(t, st.Entries())
		assertBalancesReplay(t, service, st)
	})
}

func TestDoubleLedgerService_DepositWithPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewDoubleLedgerService(postgres.New(db), testRates(), LedgerConfig{BaseCurrency: "DOP", RoundingAccountID: testRoundingID}, zerolog.Nop(), nil)

	t.Run("successful deposit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(accountA).
			WillReturnRows(sqlmock.NewRows([]string{"id", "holder", "currency", "available_balance", "version", "created_at"}).
				AddRow(accountA.String(), "Holder A", "DOP", "1000.00", 4, time.Now()))
		mock.ExpectExec("UPDATE accounts SET available_balance = \\$1, version = version \\+ 1 WHERE id = \\$2 AND version = \\$3").
			WithArgs(dec("1100"), accountA, 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO domain_outbox").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := service.Deposit(context.Background(), accountA, dec("100"), nil)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent update rolls back as internal error", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(accountA).
			WillReturnRows(sqlmock.NewRows([]string{"id", "holder", "currency", "available_balance", "version", "created_at"}).
				AddRow(accountA.String(), "Holder A", "DOP", "1000.00", 4, time.Now()))
		mock.ExpectExec("UPDATE accounts SET available_balance").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.Withdraw(context.Background(), accountA, dec("100"), nil)
		assert.Equal(t, CodeInternal, CodeOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func assertBaseBalanced(t *testing.T, entries []models.LedgerEntry) {
	t.Helper()
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.BaseCurrency == nil {
			continue
		}
		debit = debit.Add(*e.BaseDebit)
		credit = credit.Add(*e.BaseCredit)
	}
	assert.True(t, debit.Equal(credit), "base debit %s != base credit %s", debit, credit)
}

// assertBalancesReplay checks that every account balance equals its seed
// plus the sum of its entries.
func assertBalancesReplay(t *testing.T, service *DoubleLedgerService, st *memory.Store) {
	t.Helper()
	seeds := map[uuid.UUID]decimal.Decimal{
		accountA: dec("1000"), accountB: dec("0"), accountC: dec("500"), accountE: dec("500"), testRoundingID: dec("0"),
	}
	sums := map[uuid.UUID]decimal.Decimal{}
	for _, e := range st.Entries() {
		sums[e.AccountID] = sums[e.AccountID].Add(e.Debit).Sub(e.Credit)
	}
	for id, seed := range seeds {
		assert.True(t, seed.Add(sums[id]).Equal(balanceOf(t, service, id)), "account %s", id)
	}
}
