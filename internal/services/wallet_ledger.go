package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
	"teleconsult-server/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// WalletLedger keeps doctor earnings and payouts.
type WalletLedger struct {
	db       *gorm.DB
	wallets  *repository.WalletRepository
	users    *repository.UserRepository
	cfg      config.WalletConfig
	clock    clockwork.Clock
	validate *validator.Validate
	notifier notify.Notifier
	log      *zap.Logger
}

func NewWalletLedger(db *gorm.DB, clock clockwork.Clock, cfg config.WalletConfig, notifier notify.Notifier, log *zap.Logger) *WalletLedger {
	return &WalletLedger{
		db:       db,
		wallets:  repository.NewWalletRepository(db),
		users:    repository.NewUserRepository(db),
		cfg:      cfg,
		clock:    clock,
		validate: validator.New(),
		notifier: notifier,
		log:      log,
	}
}

// WithdrawalRequest is a doctor's payout request. Amount is in minor units.
type WithdrawalRequest struct {
	Amount  int64
	Method  models.PaymentMethod
	Details models.PaymentDetails
}

type bankTransferDetails struct {
	BankName      string `validate:"required"`
	AccountNumber string `validate:"required,max=34"`
}

type mobileMoneyDetails struct {
	MobileProvider string `validate:"required,oneof=airtel tnm"`
	MobileNumber   string `validate:"required,numeric,min=9,max=13"`
}

// TransactionPage is one page of a wallet's log.
type TransactionPage struct {
	Items    []models.WalletTransaction `json:"items"`
	Total    int64                      `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"pageSize"`
}

// WalletSummary is the wallet plus its derived totals.
type WalletSummary struct {
	Wallet             models.Wallet                     `json:"wallet"`
	AvailableBalance   int64                             `json:"availableBalance"`
	TotalEarned        int64                             `json:"totalEarned"`
	TotalWithdrawn     int64                             `json:"totalWithdrawn"`
	PendingWithdrawals int64                             `json:"pendingWithdrawals"`
	EarningsByType     map[models.ConsultationType]int64 `json:"earningsByType"`
	PaymentRates       map[string]int64                  `json:"paymentRates"`
	WithdrawalLimits   config.WithdrawalLimit            `json:"withdrawalLimits"`
}

// AuditResult compares a wallet's balance with its completed transactions.
type AuditResult struct {
	WalletID   string `json:"walletId"`
	DoctorID   string `json:"doctorId"`
	Balance    int64  `json:"balance"`
	Expected   int64  `json:"expected"`
	Consistent bool   `json:"consistent"`
}

// currencyFor resolves the payout currency from the doctor's country.
func (l *WalletLedger) currencyFor(user *models.User) string {
	if strings.EqualFold(strings.TrimSpace(user.Country), l.cfg.LocalCountry) {
		return l.cfg.LocalCurrency
	}
	return l.cfg.DefaultCurrency
}

// ensureWallet returns the doctor's wallet, opening it on first use.
func (l *WalletLedger) ensureWallet(ctx context.Context, wallets *repository.WalletRepository, users *repository.UserRepository, doctorID string) (*models.Wallet, error) {
	wallet, err := wallets.FindByDoctor(ctx, doctorID)
	if err != nil || wallet != nil {
		return wallet, err
	}

	doctor, err := users.FindDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	wallet = &models.Wallet{DoctorID: doctorID, Currency: l.currencyFor(doctor)}
	if err := wallets.Create(ctx, wallet); err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			return wallets.FindByDoctor(ctx, doctorID)
		}
		return nil, err
	}
	l.log.Info("wallet opened", zap.String("doctor_id", doctorID), zap.String("currency", wallet.Currency))
	return wallet, nil
}

// RateFor returns the payout for one consultation of type t in currency.
func (l *WalletLedger) RateFor(currency string, t models.ConsultationType) (int64, error) {
	amount := l.cfg.Rates[currency][string(t)]
	if amount <= 0 {
		return 0, apperrors.NewInternalError(fmt.Sprintf("no payment rate for %s %s consultations", currency, t), nil)
	}
	return amount, nil
}

// CreditForSession pays the doctor for a billable session. Crediting the same session
// twice returns the first transaction.
func (l *WalletLedger) CreditForSession(ctx context.Context, doctorID, sessionID string, t models.ConsultationType) (*models.WalletTransaction, error) {
	var credited *models.WalletTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		credited, err = l.creditForSession(ctx, tx, doctorID, sessionID, t)
		return err
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			existing, findErr := l.wallets.FindBySession(ctx, sessionID)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return credited, nil
}

func (l *WalletLedger) creditForSession(ctx context.Context, tx *gorm.DB, doctorID, sessionID string, t models.ConsultationType) (*models.WalletTransaction, error) {
	wallets := l.wallets.WithTx(tx)

	existing, err := wallets.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	wallet, err := l.ensureWallet(ctx, wallets, l.users.WithTx(tx), doctorID)
	if err != nil {
		return nil, err
	}
	amount, err := l.RateFor(wallet.Currency, t)
	if err != nil {
		return nil, err
	}

	now := nowUTC(l.clock)
	related := sessionID
	credit := &models.WalletTransaction{
		WalletID:         wallet.ID,
		Type:             models.TransactionCredit,
		Amount:           amount,
		Currency:         wallet.Currency,
		Status:           models.TransactionCompleted,
		RelatedSessionID: &related,
		ConsultationType: t,
		PaymentMethod:    models.MethodConsultation,
		Description:      fmt.Sprintf("Earnings from %s consultation", t),
		CompletedAt:      &now,
	}
	credit.CreatedAt = now
	if err := wallets.CreateTransaction(ctx, credit); err != nil {
		return nil, err
	}
	if err := wallets.AddToBalance(ctx, wallet.ID, amount); err != nil {
		return nil, err
	}

	l.log.Info("wallet credited",
		zap.String("wallet_id", wallet.ID),
		zap.String("session_id", sessionID),
		zap.Int64("amount", amount),
		zap.String("currency", wallet.Currency),
	)
	return credit, nil
}

func (l *WalletLedger) validateWithdrawal(wallet *models.Wallet, req WithdrawalRequest) error {
	fields := map[string]string{}

	limit, ok := l.cfg.WithdrawalLimits[wallet.Currency]
	switch {
	case req.Amount <= 0:
		fields["amount"] = "must be positive"
	case ok && req.Amount < limit.Min:
		fields["amount"] = fmt.Sprintf("must be at least %d", limit.Min)
	case ok && req.Amount > limit.Max:
		fields["amount"] = fmt.Sprintf("must be at most %d", limit.Max)
	}

	var detailsErr error
	switch req.Method {
	case models.MethodBankTransfer:
		detailsErr = l.validate.Struct(bankTransferDetails{
			BankName:      req.Details.BankName,
			AccountNumber: req.Details.AccountNumber,
		})
	case models.MethodMobileMoney:
		if wallet.Currency != l.cfg.LocalCurrency {
			fields["method"] = fmt.Sprintf("mobile money is only available for %s wallets", l.cfg.LocalCurrency)
			break
		}
		detailsErr = l.validate.Struct(mobileMoneyDetails{
			MobileProvider: strings.ToLower(req.Details.MobileProvider),
			MobileNumber:   req.Details.MobileNumber,
		})
	default:
		fields["method"] = "must be bank_transfer or mobile_money"
	}

	var validationErrs validator.ValidationErrors
	if errors.As(detailsErr, &validationErrs) {
		for _, fe := range validationErrs {
			fields["details."+lowerFirst(fe.Field())] = describeTag(fe)
		}
	}

	if len(fields) > 0 {
		return apperrors.NewValidationError("invalid withdrawal request", fields)
	}
	return nil
}

// RequestWithdrawal records a pending payout. The balance is only reduced when the payout
// completes, but pending payouts already count against what can be requested.
func (l *WalletLedger) RequestWithdrawal(ctx context.Context, doctorID string, req WithdrawalRequest) (*models.WalletTransaction, error) {
	wallet, err := l.ensureWallet(ctx, l.wallets, l.users, doctorID)
	if err != nil {
		return nil, err
	}
	if err := l.validateWithdrawal(wallet, req); err != nil {
		return nil, err
	}
	if req.Method == models.MethodMobileMoney {
		req.Details.MobileProvider = strings.ToLower(req.Details.MobileProvider)
	}

	now := nowUTC(l.clock)
	details := req.Details
	debit := &models.WalletTransaction{
		WalletID:       wallet.ID,
		Type:           models.TransactionDebit,
		Amount:         req.Amount,
		Currency:       wallet.Currency,
		Status:         models.TransactionPending,
		PaymentMethod:  req.Method,
		PaymentDetails: &details,
		Description:    fmt.Sprintf("Withdrawal via %s", strings.ReplaceAll(string(req.Method), "_", " ")),
	}
	debit.CreatedAt = now

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets := l.wallets.WithTx(tx)
		locked, err := wallets.FindByIDForUpdate(ctx, wallet.ID)
		if err != nil {
			return err
		}
		pending, err := wallets.Sum(ctx, wallet.ID, models.TransactionDebit, models.TransactionPending)
		if err != nil {
			return err
		}
		if available := locked.Balance - pending; req.Amount > available {
			return apperrors.NewInsufficientBalanceError(
				fmt.Sprintf("requested %d %s but only %d is available", req.Amount, wallet.Currency, available))
		}
		return wallets.CreateTransaction(ctx, debit)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("withdrawal requested",
		zap.String("transaction_id", debit.ID),
		zap.String("doctor_id", doctorID),
		zap.Int64("amount", req.Amount),
		zap.String("method", string(req.Method)),
	)
	l.notifier.Notify(ctx, notify.Event{
		Type:        notify.EventWithdrawalRequested,
		Title:       "Withdrawal requested",
		Description: fmt.Sprintf("Withdrawal of %s %s is being processed", FormatAmount(req.Amount), wallet.Currency),
		Timestamp:   now,
		RelatedID:   debit.ID,
		UserIDs:     []string{doctorID},
	})
	return debit, nil
}

// CompleteWithdrawal settles a pending payout. Settling twice is a no-op. When the balance
// no longer covers the amount the payout is marked failed.
func (l *WalletLedger) CompleteWithdrawal(ctx context.Context, transactionID string) (*models.WalletTransaction, error) {
	var insufficient bool
	var doctorID string
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets := l.wallets.WithTx(tx)
		txn, err := wallets.FindTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.Type != models.TransactionDebit {
			return apperrors.NewInvalidStateError("only withdrawals can be completed")
		}
		switch txn.Status {
		case models.TransactionCompleted:
			return nil
		case models.TransactionFailed:
			return apperrors.NewInvalidStateError("withdrawal already failed")
		}

		wallet, err := wallets.FindByIDForUpdate(ctx, txn.WalletID)
		if err != nil {
			return err
		}
		doctorID = wallet.DoctorID

		now := nowUTC(l.clock)
		covered, err := wallets.SubtractFromBalance(ctx, txn.WalletID, txn.Amount)
		if err != nil {
			return err
		}
		if !covered {
			insufficient = true
			_, err := wallets.SwapTransactionStatus(ctx, txn.ID, models.TransactionPending, map[string]interface{}{
				"status":         models.TransactionFailed,
				"failure_reason": "insufficient balance at payout",
			})
			return err
		}

		swapped, err := wallets.SwapTransactionStatus(ctx, txn.ID, models.TransactionPending, map[string]interface{}{
			"status":       models.TransactionCompleted,
			"completed_at": now,
		})
		if err != nil {
			return err
		}
		if !swapped {
			return apperrors.NewConflictError("withdrawal was updated concurrently")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	txn, err := l.wallets.FindTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if insufficient {
		l.log.Warn("withdrawal failed at payout", zap.String("transaction_id", transactionID))
		l.notifyWithdrawal(ctx, notify.EventWithdrawalFailed, txn, doctorID)
		return nil, apperrors.NewInsufficientBalanceError("wallet balance no longer covers this withdrawal")
	}
	if doctorID != "" {
		l.log.Info("withdrawal completed", zap.String("transaction_id", transactionID), zap.Int64("amount", txn.Amount))
		l.notifyWithdrawal(ctx, notify.EventWithdrawalCompleted, txn, doctorID)
	}
	return txn, nil
}

// FailWithdrawal rejects a pending payout without touching the balance.
func (l *WalletLedger) FailWithdrawal(ctx context.Context, transactionID, reason string) (*models.WalletTransaction, error) {
	txn, err := l.wallets.FindTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Type != models.TransactionDebit {
		return nil, apperrors.NewInvalidStateError("only withdrawals can fail")
	}
	if reason == "" {
		reason = "payout rejected"
	}

	swapped, err := l.wallets.SwapTransactionStatus(ctx, transactionID, models.TransactionPending, map[string]interface{}{
		"status":         models.TransactionFailed,
		"failure_reason": reason,
	})
	if err != nil {
		return nil, err
	}

	txn, err = l.wallets.FindTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !swapped {
		if txn.Status == models.TransactionFailed {
			return txn, nil
		}
		return nil, apperrors.NewInvalidStateError("withdrawal already completed")
	}

	wallet, err := l.wallets.FindByID(ctx, txn.WalletID)
	if err != nil {
		return nil, err
	}
	l.log.Info("withdrawal failed", zap.String("transaction_id", transactionID), zap.String("reason", reason))
	l.notifyWithdrawal(ctx, notify.EventWithdrawalFailed, txn, wallet.DoctorID)
	return txn, nil
}

func (l *WalletLedger) notifyWithdrawal(ctx context.Context, eventType notify.EventType, txn *models.WalletTransaction, doctorID string) {
	title := "Withdrawal completed"
	description := fmt.Sprintf("%s %s has been paid out", FormatAmount(txn.Amount), txn.Currency)
	if eventType == notify.EventWithdrawalFailed {
		title = "Withdrawal failed"
		description = fmt.Sprintf("Withdrawal of %s %s failed: %s", FormatAmount(txn.Amount), txn.Currency, txn.FailureReason)
	}
	l.notifier.Notify(ctx, notify.Event{
		Type:        eventType,
		Title:       title,
		Description: description,
		Timestamp:   nowUTC(l.clock),
		RelatedID:   txn.ID,
		UserIDs:     []string{doctorID},
	})
}

// ListTransactions pages through the doctor's log, newest first.
func (l *WalletLedger) ListTransactions(ctx context.Context, doctorID string, page, pageSize int) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	result := &TransactionPage{Items: []models.WalletTransaction{}, Page: page, PageSize: pageSize}
	wallet, err := l.wallets.FindByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return result, nil
	}

	items, total, err := l.wallets.ListTransactions(ctx, wallet.ID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	result.Items = items
	result.Total = total
	return result, nil
}

// GetWallet returns the doctor's wallet and its summary, opening the wallet if needed.
func (l *WalletLedger) GetWallet(ctx context.Context, doctorID string) (*WalletSummary, error) {
	wallet, err := l.ensureWallet(ctx, l.wallets, l.users, doctorID)
	if err != nil {
		return nil, err
	}

	earned, err := l.wallets.Sum(ctx, wallet.ID, models.TransactionCredit, models.TransactionCompleted)
	if err != nil {
		return nil, err
	}
	withdrawn, err := l.wallets.Sum(ctx, wallet.ID, models.TransactionDebit, models.TransactionCompleted)
	if err != nil {
		return nil, err
	}
	pending, err := l.wallets.Sum(ctx, wallet.ID, models.TransactionDebit, models.TransactionPending)
	if err != nil {
		return nil, err
	}
	byType, err := l.wallets.EarningsByType(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}

	rates := make(map[string]int64, len(l.cfg.Rates[wallet.Currency]))
	for t, amount := range l.cfg.Rates[wallet.Currency] {
		rates[t] = amount
	}

	return &WalletSummary{
		Wallet:             *wallet,
		AvailableBalance:   wallet.Balance - pending,
		TotalEarned:        earned,
		TotalWithdrawn:     withdrawn,
		PendingWithdrawals: pending,
		EarningsByType:     byType,
		PaymentRates:       rates,
		WithdrawalLimits:   l.cfg.WithdrawalLimits[wallet.Currency],
	}, nil
}

// AuditWallet checks balance = completed credits - completed debits.
func (l *WalletLedger) AuditWallet(ctx context.Context, walletID string) (*AuditResult, error) {
	wallet, err := l.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return l.audit(ctx, wallet)
}

func (l *WalletLedger) audit(ctx context.Context, wallet *models.Wallet) (*AuditResult, error) {
	credits, err := l.wallets.Sum(ctx, wallet.ID, models.TransactionCredit, models.TransactionCompleted)
	if err != nil {
		return nil, err
	}
	debits, err := l.wallets.Sum(ctx, wallet.ID, models.TransactionDebit, models.TransactionCompleted)
	if err != nil {
		return nil, err
	}
	expected := credits - debits
	return &AuditResult{
		WalletID:   wallet.ID,
		DoctorID:   wallet.DoctorID,
		Balance:    wallet.Balance,
		Expected:   expected,
		Consistent: expected == wallet.Balance,
	}, nil
}

// AuditAll audits every wallet and returns the inconsistent ones.
func (l *WalletLedger) AuditAll(ctx context.Context) ([]AuditResult, error) {
	wallets, err := l.wallets.ListWallets(ctx)
	if err != nil {
		return nil, err
	}

	var mismatches []AuditResult
	for i := range wallets {
		result, err := l.audit(ctx, &wallets[i])
		if err != nil {
			return nil, err
		}
		if !result.Consistent {
			l.log.Error("wallet balance mismatch",
				zap.String("wallet_id", result.WalletID),
				zap.Int64("balance", result.Balance),
				zap.Int64("expected", result.Expected),
			)
			mismatches = append(mismatches, *result)
		}
	}
	return mismatches, nil
}

// FormatAmount renders minor units with two decimals.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "numeric":
		return "must contain digits only"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}
