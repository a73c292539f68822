package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) WithTx(tx *gorm.DB) *WalletRepository {
	return &WalletRepository{db: tx}
}

// FindByDoctor returns nil when the doctor has no wallet yet.
func (r *WalletRepository) FindByDoctor(ctx context.Context, doctorID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).Where("doctor_id = ?", doctorID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load wallet", err)
	}
	return &wallet, nil
}

func (r *WalletRepository) FindByID(ctx context.Context, id string) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&wallet).Error; err != nil {
		return nil, notFoundOr(err, "wallet")
	}
	return &wallet, nil
}

// FindByIDForUpdate locks the wallet row for the rest of the transaction.
func (r *WalletRepository) FindByIDForUpdate(ctx context.Context, id string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&wallet).Error
	if err != nil {
		return nil, notFoundOr(err, "wallet")
	}
	return &wallet, nil
}

// Create inserts a wallet. Losing a creation race is reported as Conflict.
func (r *WalletRepository) Create(ctx context.Context, wallet *models.Wallet) error {
	if err := r.db.WithContext(ctx).Create(wallet).Error; err != nil {
		if IsDuplicateKey(err) {
			return apperrors.NewConflictError("wallet already exists")
		}
		return apperrors.NewInternalError("failed to create wallet", err)
	}
	return nil
}

func (r *WalletRepository) ListWallets(ctx context.Context) ([]models.Wallet, error) {
	var wallets []models.Wallet
	if err := r.db.WithContext(ctx).Find(&wallets).Error; err != nil {
		return nil, apperrors.NewInternalError("failed to list wallets", err)
	}
	return wallets, nil
}

func (r *WalletRepository) AddToBalance(ctx context.Context, walletID string, amount int64) error {
	err := r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ?", walletID).
		Update("balance", gorm.Expr("balance + ?", amount)).Error
	if err != nil {
		return apperrors.NewInternalError("failed to credit wallet", err)
	}
	return nil
}

// SubtractFromBalance takes amount off the balance only when it is covered.
func (r *WalletRepository) SubtractFromBalance(ctx context.Context, walletID string, amount int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ? AND balance >= ?", walletID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to debit wallet", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CreateTransaction appends to the log. A second credit for the same session yields
// Conflict.
func (r *WalletRepository) CreateTransaction(ctx context.Context, tx *models.WalletTransaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		if IsDuplicateKey(err) {
			return apperrors.NewConflictError("session already credited")
		}
		return apperrors.NewInternalError("failed to record transaction", err)
	}
	return nil
}

func (r *WalletRepository) FindTransaction(ctx context.Context, id string) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, notFoundOr(err, "transaction")
	}
	return &tx, nil
}

// FindBySession returns nil when the session was never credited.
func (r *WalletRepository) FindBySession(ctx context.Context, sessionID string) (*models.WalletTransaction, error) {
	var tx models.WalletTransaction
	err := r.db.WithContext(ctx).Where("related_session_id = ?", sessionID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load transaction", err)
	}
	return &tx, nil
}

// SwapTransactionStatus moves a transaction out of from, reporting false when it already
// left that status.
func (r *WalletRepository) SwapTransactionStatus(ctx context.Context, id string, from models.TransactionStatus, updates map[string]interface{}) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.WalletTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to update transaction", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListTransactions pages through a wallet's log, newest first.
func (r *WalletRepository) ListTransactions(ctx context.Context, walletID string, offset, limit int) ([]models.WalletTransaction, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.WalletTransaction{}).Where("wallet_id = ?", walletID).Count(&total).Error; err != nil {
		return nil, 0, apperrors.NewInternalError("failed to count transactions", err)
	}

	var transactions []models.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, 0, apperrors.NewInternalError("failed to list transactions", err)
	}
	return transactions, total, nil
}

// Sum adds up the amounts of a wallet's transactions with the given type and status.
func (r *WalletRepository) Sum(ctx context.Context, walletID string, txType models.TransactionType, status models.TransactionStatus) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.WalletTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("wallet_id = ? AND type = ? AND status = ?", walletID, txType, status).
		Scan(&total).Error
	if err != nil {
		return 0, apperrors.NewInternalError("failed to sum transactions", err)
	}
	return total, nil
}

// EarningsByType groups completed credits by consultation type.
func (r *WalletRepository) EarningsByType(ctx context.Context, walletID string) (map[models.ConsultationType]int64, error) {
	var rows []struct {
		ConsultationType models.ConsultationType
		Total            int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.WalletTransaction{}).
		Select("consultation_type, COALESCE(SUM(amount), 0) AS total").
		Where("wallet_id = ? AND type = ? AND status = ?", walletID, models.TransactionCredit, models.TransactionCompleted).
		Group("consultation_type").
		Scan(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalError("failed to group earnings", err)
	}

	earnings := make(map[models.ConsultationType]int64, len(models.ConsultationTypes))
	for _, t := range models.ConsultationTypes {
		earnings[t] = 0
	}
	for _, row := range rows {
		earnings[row.ConsultationType] = row.Total
	}
	return earnings, nil
}
