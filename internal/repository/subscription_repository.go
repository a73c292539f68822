package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) WithTx(tx *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: tx}
}

func (r *SubscriptionRepository) Create(ctx context.Context, subscription *models.UserSubscription) error {
	if err := r.db.WithContext(ctx).Create(subscription).Error; err != nil {
		if IsDuplicateKey(err) {
			return apperrors.NewConflictError("payment reference already used")
		}
		return apperrors.NewInternalError("failed to create subscription", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*models.UserSubscription, error) {
	var subscription models.UserSubscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&subscription).Error; err != nil {
		return nil, notFoundOr(err, "subscription")
	}
	return &subscription, nil
}

// FindActive returns the newest active, unexpired subscription of the patient, or nil.
func (r *SubscriptionRepository) FindActive(ctx context.Context, patientID string, now time.Time) (*models.UserSubscription, error) {
	var subscription models.UserSubscription
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND is_active = ? AND expires_at > ?", patientID, true, now).
		Order("activated_at desc").
		First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load subscription", err)
	}
	return &subscription, nil
}

// FindByPaymentReference returns nil when the reference was never seen.
func (r *SubscriptionRepository) FindByPaymentReference(ctx context.Context, reference string) (*models.UserSubscription, error) {
	var subscription models.UserSubscription
	err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load subscription", err)
	}
	return &subscription, nil
}

// Decrement takes one credit of type t when at least one is left.
func (r *SubscriptionRepository) Decrement(ctx context.Context, id string, t models.ConsultationType) (bool, error) {
	remaining, _, ok := models.CreditColumns(t)
	if !ok {
		return false, apperrors.FieldError("consultationType", "is not a known consultation type")
	}
	result := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("id = ? AND is_active = ? AND "+remaining+" > 0", id, true).
		UpdateColumn(remaining, gorm.Expr(remaining+" - 1"))
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to debit credit", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Increment gives one credit of type t back, never exceeding the granted total.
func (r *SubscriptionRepository) Increment(ctx context.Context, id string, t models.ConsultationType) (bool, error) {
	remaining, total, ok := models.CreditColumns(t)
	if !ok {
		return false, apperrors.FieldError("consultationType", "is not a known consultation type")
	}
	result := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("id = ? AND "+remaining+" < "+total, id).
		UpdateColumn(remaining, gorm.Expr(remaining+" + 1"))
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to restore credit", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// IncrementActive is Increment limited to a subscription that is still active and
// unexpired at now.
func (r *SubscriptionRepository) IncrementActive(ctx context.Context, id string, t models.ConsultationType, now time.Time) (bool, error) {
	remaining, total, ok := models.CreditColumns(t)
	if !ok {
		return false, apperrors.FieldError("consultationType", "is not a known consultation type")
	}
	result := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("id = ? AND is_active = ? AND expires_at > ? AND "+remaining+" < "+total, id, true, now).
		UpdateColumn(remaining, gorm.Expr(remaining+" + 1"))
	if result.Error != nil {
		return false, apperrors.NewInternalError("failed to restore credit", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *SubscriptionRepository) Deactivate(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("id = ?", id).
		Update("is_active", false).Error
	if err != nil {
		return apperrors.NewInternalError("failed to deactivate subscription", err)
	}
	return nil
}

// DeactivateExpired switches off every active subscription whose expiry is not after now.
func (r *SubscriptionRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("is_active = ? AND expires_at <= ?", true, now).
		Update("is_active", false)
	if result.Error != nil {
		return 0, apperrors.NewInternalError("failed to expire subscriptions", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *SubscriptionRepository) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if err := r.db.WithContext(ctx).Create(plan).Error; err != nil {
		return apperrors.NewInternalError("failed to create plan", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		return nil, notFoundOr(err, "plan")
	}
	return &plan, nil
}

func (r *SubscriptionRepository) ListPlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("price asc").Find(&plans).Error; err != nil {
		return nil, apperrors.NewInternalError("failed to list plans", err)
	}
	return plans, nil
}
