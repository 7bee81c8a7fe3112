package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/metrics"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	moneyPlaces    = 2
	roundingHolder = "FX_ROUNDING"
)

// LedgerConfig names the base currency all transfers are valued in and the
// account that absorbs valuation rounding.
type LedgerConfig struct {
	BaseCurrency      string
	RoundingAccountID uuid.UUID
}

// DoubleLedgerService moves money between accounts with double-entry
// postings. Every operation is one store transaction.
type DoubleLedgerService struct {
	store   store.Store
	rates   RateProvider
	config  LedgerConfig
	audit   *AuditLogger
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewDoubleLedgerService(st store.Store, rates RateProvider, config LedgerConfig, logger zerolog.Logger, m *metrics.Metrics) *DoubleLedgerService {
	config.BaseCurrency = strings.ToUpper(strings.TrimSpace(config.BaseCurrency))
	return &DoubleLedgerService{
		store:   st,
		rates:   rates,
		config:  config,
		audit:   NewAuditLogger(logger),
		metrics: m,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// EnsureRoundingAccount creates the rounding account when it is missing.
func (s *DoubleLedgerService) EnsureRoundingAccount(ctx context.Context) error {
	return s.EnsureAccount(ctx, models.Account{
		ID:       s.config.RoundingAccountID,
		Holder:   roundingHolder,
		Currency: s.config.BaseCurrency,
		Balance:  decimal.Zero,
	})
}

// EnsureAccount creates acc under its fixed id unless an account with that
// id already exists. Existing accounts are left untouched.
func (s *DoubleLedgerService) EnsureAccount(ctx context.Context, acc models.Account) error {
	_, err := s.store.GetAccount(ctx, acc.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up account %s: %w", acc.ID, err)
	}

	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = models.Now()
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, &acc)
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create account %s: %w", acc.ID, err)
	}
	s.logger.Info().Stringer("account_id", acc.ID).Str("holder", acc.Holder).Str("currency", acc.Currency).Msg("account ensured")
	return nil
}

func (s *DoubleLedgerService) CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error) {
	holder := strings.TrimSpace(req.Holder)
	if holder == "" {
		return nil, s.fail("create_account", uuid.Nil, NewValidationError("Holder is required."))
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, s.fail("create_account", uuid.Nil, err)
	}
	balance := decimal.Zero
	if req.InitialBalance != nil {
		balance = *req.InitialBalance
		if balance.IsNegative() {
			return nil, s.fail("create_account", uuid.Nil, NewValidationError("Initial balance must be zero or positive."))
		}
		if err := checkScale(balance); err != nil {
			return nil, s.fail("create_account", uuid.Nil, err)
		}
	}

	acc := &models.Account{
		ID:        uuid.New(),
		Holder:    holder,
		Currency:  currency,
		Balance:   balance,
		CreatedAt: models.Now(),
	}
	if err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, acc)
	}); err != nil {
		return nil, s.fail("create_account", acc.ID, fmt.Errorf("create account: %w", err))
	}

	s.metrics.ObserveOperation("create_account", "success")
	s.logger.Info().Stringer("account_id", acc.ID).Str("currency", acc.Currency).Msg("account created")
	return acc, nil
}

func (s *DoubleLedgerService) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (s *DoubleLedgerService) Deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description *string) (uuid.UUID, error) {
	return s.postSingle(ctx, "deposit", accountID, amount, description)
}

func (s *DoubleLedgerService) Withdraw(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description *string) (uuid.UUID, error) {
	return s.postSingle(ctx, "withdraw", accountID, amount, description)
}

// postSingle books a deposit or a withdrawal against one account.
func (s *DoubleLedgerService) postSingle(ctx context.Context, op string, accountID uuid.UUID, amount decimal.Decimal, description *string) (uuid.UUID, error) {
	if err := validateAmount(amount); err != nil {
		return uuid.Nil, s.fail(op, accountID, err)
	}
	withdraw := op == "withdraw"

	var txID uuid.UUID
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		now := models.Now()
		tr := &models.LedgerTransaction{
			ID:          uuid.New(),
			AccountID:   acc.ID,
			Description: description,
			Date:        now,
		}
		entry := &models.LedgerEntry{
			ID:            uuid.New(),
			TransactionID: tr.ID,
			AccountID:     acc.ID,
			Debit:         decimal.Zero,
			Credit:        decimal.Zero,
			Currency:      acc.Currency,
			CreatedAt:     now,
		}

		var payload models.EventPayload
		if withdraw {
			if acc.Balance.LessThan(amount) {
				return ErrInsufficientFunds
			}
			acc.Balance = acc.Balance.Sub(amount)
			tr.Type, tr.Amount = models.TransactionWithdrawal, amount.Neg()
			entry.Credit = amount
			payload = models.WithdrawalPerformed{
				AccountID: acc.ID, TransactionID: tr.ID, Amount: amount,
				Currency: acc.Currency, Balance: acc.Balance, Description: description,
			}
		} else {
			acc.Balance = acc.Balance.Add(amount)
			tr.Type, tr.Amount = models.TransactionDeposit, amount
			entry.Debit = amount
			payload = models.DepositPerformed{
				AccountID: acc.ID, TransactionID: tr.ID, Amount: amount,
				Currency: acc.Currency, Balance: acc.Balance, Description: description,
			}
		}

		if err := tx.UpdateAccountBalance(ctx, acc); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if err := tx.InsertTransactions(ctx, tr); err != nil {
			return err
		}
		if err := tx.InsertEntries(ctx, entry); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, payload, now); err != nil {
			return err
		}
		txID = tr.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, s.fail(op, accountID, err)
	}

	s.metrics.ObserveOperation(op, "success")
	s.audit.LogOperation(txID, accountID, strings.ToUpper(op), amount)
	return txID, nil
}

// transferQuote is the priced shape of a transfer before anything is written.
type transferQuote struct {
	Type     models.TransactionType
	Amount   decimal.Decimal
	Credited decimal.Decimal
	FxPair   *string
	FxRate   *decimal.Decimal

	BaseCurrency   string
	SourceBaseRate decimal.Decimal
	TargetBaseRate decimal.Decimal
	BaseCredit     decimal.Decimal // source leg in base currency
	BaseDebit      decimal.Decimal // target leg in base currency
	// Rounding is BaseDebit - BaseCredit. Positive means the rounding
	// account is credited by it; negative means it is debited by |Rounding|.
	Rounding decimal.Decimal
}

func quoteTransfer(rates RateProvider, base, source, target string, amount decimal.Decimal) (transferQuote, error) {
	q := transferQuote{
		Type:         models.TransactionTransfer,
		Amount:       amount,
		Credited:     amount,
		BaseCurrency: base,
	}
	if !strings.EqualFold(source, target) {
		rate, err := rates.Rate(source, target)
		if err != nil {
			return q, err
		}
		pair := strings.ToUpper(source) + "/" + strings.ToUpper(target)
		q.Type = models.TransactionTransferFX
		q.Credited = amount.Mul(rate).Round(moneyPlaces)
		q.FxPair = &pair
		q.FxRate = &rate
	}

	var err error
	if q.SourceBaseRate, err = rates.Rate(source, base); err != nil {
		return q, err
	}
	if q.TargetBaseRate, err = rates.Rate(target, base); err != nil {
		return q, err
	}
	q.BaseCredit = amount.Mul(q.SourceBaseRate).Round(moneyPlaces)
	q.BaseDebit = q.Credited.Mul(q.TargetBaseRate).Round(moneyPlaces)
	q.Rounding = q.BaseDebit.Sub(q.BaseCredit)
	return q, nil
}

func (s *DoubleLedgerService) Transfer(ctx context.Context, req models.TransferRequest) (uuid.UUID, error) {
	if req.SourceAccountID == req.TargetAccountID {
		return uuid.Nil, s.fail("transfer", req.SourceAccountID, ErrSameAccount)
	}
	if err := validateAmount(req.Amount); err != nil {
		return uuid.Nil, s.fail("transfer", req.SourceAccountID, err)
	}

	lockIDs, err := s.transferLockSet(ctx, req.SourceAccountID, req.TargetAccountID)
	if err != nil {
		return uuid.Nil, s.fail("transfer", req.SourceAccountID, err)
	}

	var txID uuid.UUID
	var quote transferQuote
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockAccounts(ctx, lockIDs...)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		byID := make(map[uuid.UUID]*models.Account, len(locked))
		for _, acc := range locked {
			byID[acc.ID] = acc
		}
		source, target := byID[req.SourceAccountID], byID[req.TargetAccountID]

		if !strings.EqualFold(strings.TrimSpace(req.Currency), source.Currency) {
			return ErrSourceCurrencyMismatch
		}
		if source.Balance.LessThan(req.Amount) {
			return ErrInsufficientFunds
		}

		quote, err = quoteTransfer(s.rates, s.config.BaseCurrency, source.Currency, target.Currency, req.Amount)
		if err != nil {
			return err
		}

		now := models.Now()
		base := quote.BaseCurrency
		sourceTx := &models.LedgerTransaction{
			ID: uuid.New(), AccountID: source.ID, Type: quote.Type, Amount: quote.Amount.Neg(),
			Description: req.Description, Date: now, FxPair: quote.FxPair, FxRate: quote.FxRate,
		}
		targetTx := &models.LedgerTransaction{
			ID: uuid.New(), AccountID: target.ID, Type: quote.Type, Amount: quote.Credited,
			Description: req.Description, Date: now, FxPair: quote.FxPair, FxRate: quote.FxRate,
		}
		sourceEntry := &models.LedgerEntry{
			ID: uuid.New(), TransactionID: sourceTx.ID, AccountID: source.ID,
			Debit: decimal.Zero, Credit: quote.Amount, Currency: source.Currency, CreatedAt: now,
			BaseCurrency: &base, BaseDebit: decPtr(decimal.Zero), BaseCredit: decPtr(quote.BaseCredit),
			FxRate: decPtr(quote.SourceBaseRate),
		}
		targetEntry := &models.LedgerEntry{
			ID: uuid.New(), TransactionID: targetTx.ID, AccountID: target.ID,
			Debit: quote.Credited, Credit: decimal.Zero, Currency: target.Currency, CreatedAt: now,
			BaseCurrency: &base, BaseDebit: decPtr(quote.BaseDebit), BaseCredit: decPtr(decimal.Zero),
			FxRate: decPtr(quote.TargetBaseRate),
		}

		source.Balance = source.Balance.Sub(quote.Amount)
		target.Balance = target.Balance.Add(quote.Credited)
		if err := tx.UpdateAccountBalance(ctx, source); err != nil {
			return fmt.Errorf("update source balance: %w", err)
		}
		if err := tx.UpdateAccountBalance(ctx, target); err != nil {
			return fmt.Errorf("update target balance: %w", err)
		}

		txs := []*models.LedgerTransaction{sourceTx, targetTx}
		entries := []*models.LedgerEntry{sourceEntry, targetEntry}
		if !quote.Rounding.IsZero() {
			roundingTx, roundingEntry, err := s.postRounding(ctx, tx, byID[s.config.RoundingAccountID], quote, req.Description, now)
			if err != nil {
				return err
			}
			txs = append(txs, roundingTx)
			entries = append(entries, roundingEntry)
		}

		if err := tx.InsertTransactions(ctx, txs...); err != nil {
			return err
		}
		if err := tx.InsertEntries(ctx, entries...); err != nil {
			return err
		}

		payload := models.TransferPerformed{
			Source: models.TransferLeg{
				AccountID: source.ID, TransactionID: sourceTx.ID, Amount: quote.Amount, Currency: source.Currency,
			},
			Target: models.TransferLeg{
				AccountID: target.ID, TransactionID: targetTx.ID, Amount: quote.Credited, Currency: target.Currency,
			},
			FxPair:         quote.FxPair,
			FxRate:         quote.FxRate,
			BaseCurrency:   base,
			RoundingAmount: quote.Rounding,
			Description:    req.Description,
		}
		if err := appendEvent(ctx, tx, payload, now); err != nil {
			return err
		}
		txID = sourceTx.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, s.fail("transfer", req.SourceAccountID, err)
	}

	s.metrics.ObserveOperation("transfer", "success")
	s.audit.LogTransfer(txID, req.SourceAccountID, req.TargetAccountID, req.Amount, strings.ToUpper(req.Currency), quote.Rounding)
	return txID, nil
}

// transferLockSet returns every account a transfer may write. Currencies
// never change, so reading them before locking is safe. Cross-currency
// transfers include the rounding account so all three rows are locked in
// one canonical pass. A missing rounding account is left out; the transfer
// then fails only if it needs a rounding posting.
func (s *DoubleLedgerService) transferLockSet(ctx context.Context, sourceID, targetID uuid.UUID) ([]uuid.UUID, error) {
	source, err := s.GetAccount(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := s.GetAccount(ctx, targetID)
	if err != nil {
		return nil, err
	}

	ids := []uuid.UUID{sourceID, targetID}
	if strings.EqualFold(source.Currency, target.Currency) {
		return ids, nil
	}
	_, err = s.store.GetAccount(ctx, s.config.RoundingAccountID)
	switch {
	case err == nil:
		ids = append(ids, s.config.RoundingAccountID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("get rounding account: %w", err)
	}
	return ids, nil
}

// postRounding books the base-currency difference of a transfer against
// the rounding account, which the caller has already locked. Credits lower
// its balance, debits raise it.
func (s *DoubleLedgerService) postRounding(ctx context.Context, tx store.Tx, acc *models.Account, quote transferQuote, description *string, now time.Time) (*models.LedgerTransaction, *models.LedgerEntry, error) {
	if acc == nil {
		return nil, nil, ErrRoundingAccountMissing
	}
	if !strings.EqualFold(acc.Currency, quote.BaseCurrency) {
		return nil, nil, &Error{
			Code:    CodeRoundingAccountMissing,
			Message: fmt.Sprintf("Rounding account must be denominated in %s.", quote.BaseCurrency),
		}
	}

	base := quote.BaseCurrency
	adjustment := quote.Rounding.Abs()
	roundingTx := &models.LedgerTransaction{
		ID: uuid.New(), AccountID: acc.ID, Type: models.TransactionTransferFX,
		Description: description, Date: now, FxPair: quote.FxPair, FxRate: quote.FxRate,
	}
	entry := &models.LedgerEntry{
		ID: uuid.New(), TransactionID: roundingTx.ID, AccountID: acc.ID,
		Debit: decimal.Zero, Credit: decimal.Zero, Currency: acc.Currency, CreatedAt: now,
		BaseCurrency: &base, BaseDebit: decPtr(decimal.Zero), BaseCredit: decPtr(decimal.Zero),
		FxRate: decPtr(decimal.NewFromInt(1)),
	}

	if quote.Rounding.IsPositive() {
		entry.Credit, entry.BaseCredit = adjustment, decPtr(adjustment)
		roundingTx.Amount = adjustment.Neg()
		acc.Balance = acc.Balance.Sub(adjustment)
	} else {
		entry.Debit, entry.BaseDebit = adjustment, decPtr(adjustment)
		roundingTx.Amount = adjustment
		acc.Balance = acc.Balance.Add(adjustment)
	}

	if err := tx.UpdateAccountBalance(ctx, acc); err != nil {
		return nil, nil, fmt.Errorf("update rounding balance: %w", err)
	}
	s.logger.Debug().
		Stringer("transaction_id", roundingTx.ID).
		Str("adjustment", quote.Rounding.String()).
		Msg("rounding adjustment posted")
	return roundingTx, entry, nil
}

// fail records the outcome of a failed operation and hides infrastructure
// details behind INTERNAL_ERROR.
func (s *DoubleLedgerService) fail(op string, accountID uuid.UUID, err error) error {
	code := CodeOf(err)
	s.metrics.ObserveOperation(op, string(code))
	s.audit.LogError(strings.ToUpper(op), accountID, err)

	if code == CodeInternal {
		s.logger.Error().Err(err).Str("operation", op).Stringer("account_id", accountID).Msg("ledger operation failed")
		return &Error{Code: CodeInternal, Message: "An unexpected error occurred.", Err: err}
	}
	return err
}

func appendEvent(ctx context.Context, tx store.Tx, payload models.EventPayload, at time.Time) error {
	ev, err := models.NewDomainEvent(payload, at)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, ev)
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError("Amount must be greater than zero.")
	}
	return checkScale(amount)
}

func checkScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(moneyPlaces)) {
		return NewValidationError("Amount must have at most %d decimal places.", moneyPlaces)
	}
	return nil
}

func normalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", NewValidationError("Currency must be a 3-letter ISO code.")
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", NewValidationError("Currency must be a 3-letter ISO code.")
		}
	}
	return code, nil
}

func decPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
