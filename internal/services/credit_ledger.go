package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
	"teleconsult-server/internal/repository"
)

// CreditLedger keeps per-patient consultation credits.
type CreditLedger struct {
	db        *gorm.DB
	subs      *repository.SubscriptionRepository
	clock     clockwork.Clock
	carryOver bool
	notifier  notify.Notifier
	log       *zap.Logger
}

func NewCreditLedger(db *gorm.DB, clock clockwork.Clock, cfg config.SubscriptionConfig, notifier notify.Notifier, log *zap.Logger) *CreditLedger {
	return &CreditLedger{
		db:        db,
		subs:      repository.NewSubscriptionRepository(db),
		clock:     clock,
		carryOver: cfg.CarryOver,
		notifier:  notifier,
		log:       log,
	}
}

// Debit takes one credit of type t from the subscription.
func (l *CreditLedger) Debit(ctx context.Context, subscriptionID string, t models.ConsultationType) error {
	return debitCredit(ctx, l.subs, subscriptionID, t)
}

func debitCredit(ctx context.Context, subs *repository.SubscriptionRepository, subscriptionID string, t models.ConsultationType) error {
	if !t.Valid() {
		return apperrors.FieldError("consultationType", "must be one of text, voice, video")
	}
	ok, err := subs.Decrement(ctx, subscriptionID, t)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := subs.FindByID(ctx, subscriptionID); err != nil {
		return err
	}
	return apperrors.NewInsufficientCreditError(string(t))
}

// Credit gives one credit of type t back. It reports false when the subscription is
// already at its granted total.
func (l *CreditLedger) Credit(ctx context.Context, subscriptionID string, t models.ConsultationType) (bool, error) {
	return restoreCredit(ctx, l.subs, subscriptionID, t)
}

func restoreCredit(ctx context.Context, subs *repository.SubscriptionRepository, subscriptionID string, t models.ConsultationType) (bool, error) {
	if !t.Valid() {
		return false, apperrors.FieldError("consultationType", "must be one of text, voice, video")
	}
	restored, err := subs.Increment(ctx, subscriptionID, t)
	if err != nil {
		return false, err
	}
	if !restored {
		if _, err := subs.FindByID(ctx, subscriptionID); err != nil {
			return false, err
		}
	}
	return restored, nil
}

// restoreSessionCredit gives a session's credit back to the subscription that paid for it
// or, when that one was replaced or has lapsed, to the patient's active subscription. It
// returns the id of the subscription credited, or "" when nothing was restored.
func restoreSessionCredit(ctx context.Context, subs *repository.SubscriptionRepository, session *models.Session, now time.Time) (string, error) {
	if !session.ConsultationType.Valid() {
		return "", apperrors.FieldError("consultationType", "must be one of text, voice, video")
	}
	restored, err := subs.IncrementActive(ctx, session.SubscriptionID, session.ConsultationType, now)
	if err != nil {
		return "", err
	}
	if restored {
		return session.SubscriptionID, nil
	}

	active, err := subs.FindActive(ctx, session.PatientID, now)
	if err != nil {
		return "", err
	}
	if active == nil || active.ID == session.SubscriptionID {
		// Either no plan to credit or the paying plan is already at its total.
		return "", nil
	}
	restored, err = subs.IncrementActive(ctx, active.ID, session.ConsultationType, now)
	if err != nil || !restored {
		return "", err
	}
	return active.ID, nil
}

// Purchase activates planID for the patient, replacing any active subscription. A
// paymentReference seen before returns the subscription it created.
func (l *CreditLedger) Purchase(ctx context.Context, patientID, planID, paymentReference string) (*models.UserSubscription, error) {
	if paymentReference != "" {
		existing, err := l.subs.FindByPaymentReference(ctx, paymentReference)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return l.replayedPurchase(existing, patientID, planID)
		}
	}

	plan, err := l.subs.FindPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, apperrors.FieldError("planId", "is not available for purchase")
	}

	now := nowUTC(l.clock)
	subscription := &models.UserSubscription{
		PatientID:             patientID,
		PlanID:                plan.ID,
		TextSessionsRemaining: plan.TextSessions,
		VoiceCallsRemaining:   plan.VoiceCalls,
		VideoCallsRemaining:   plan.VideoCalls,
		TotalTextSessions:     plan.TextSessions,
		TotalVoiceCalls:       plan.VoiceCalls,
		TotalVideoCalls:       plan.VideoCalls,
		ActivatedAt:           now,
		ExpiresAt:             now.AddDate(0, 0, plan.DurationDays),
		IsActive:              true,
	}
	if paymentReference != "" {
		ref := paymentReference
		subscription.PaymentReference = &ref
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs := l.subs.WithTx(tx)
		prior, err := subs.FindActive(ctx, patientID, now)
		if err != nil {
			return err
		}
		if prior != nil {
			if l.carryOver {
				subscription.TextSessionsRemaining += prior.TextSessionsRemaining
				subscription.VoiceCallsRemaining += prior.VoiceCallsRemaining
				subscription.VideoCallsRemaining += prior.VideoCallsRemaining
				subscription.TotalTextSessions += prior.TextSessionsRemaining
				subscription.TotalVoiceCalls += prior.VoiceCallsRemaining
				subscription.TotalVideoCalls += prior.VideoCallsRemaining
			}
			if err := subs.Deactivate(ctx, prior.ID); err != nil {
				return err
			}
		}
		return subs.Create(ctx, subscription)
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) && paymentReference != "" {
			existing, findErr := l.subs.FindByPaymentReference(ctx, paymentReference)
			if findErr == nil && existing != nil {
				return l.replayedPurchase(existing, patientID, planID)
			}
		}
		return nil, err
	}

	l.log.Info("subscription activated",
		zap.String("subscription_id", subscription.ID),
		zap.String("patient_id", patientID),
		zap.String("plan_id", plan.ID),
		zap.Bool("carry_over", l.carryOver),
	)
	l.notifier.Notify(ctx, notify.Event{
		Type:        notify.EventSubscriptionActivated,
		Title:       "Subscription activated",
		Description: fmt.Sprintf("Your %s plan is active until %s", plan.Name, subscription.ExpiresAt.Format("2006-01-02")),
		Timestamp:   now,
		RelatedID:   subscription.ID,
		UserIDs:     []string{patientID},
	})
	return subscription, nil
}

func (l *CreditLedger) replayedPurchase(existing *models.UserSubscription, patientID, planID string) (*models.UserSubscription, error) {
	if existing.PatientID != patientID || existing.PlanID != planID {
		return nil, apperrors.NewConflictError("payment reference belongs to another purchase")
	}
	return existing, nil
}

// ActiveSubscription returns the patient's active, unexpired subscription.
func (l *CreditLedger) ActiveSubscription(ctx context.Context, patientID string) (*models.UserSubscription, error) {
	subscription, err := l.subs.FindActive(ctx, patientID, nowUTC(l.clock))
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, apperrors.NewNotFoundError("no active subscription")
	}
	return subscription, nil
}

func (l *CreditLedger) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return l.subs.ListPlans(ctx)
}

func (l *CreditLedger) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if plan.Name == "" {
		return apperrors.FieldError("name", "is required")
	}
	if plan.DurationDays <= 0 {
		return apperrors.FieldError("durationDays", "must be positive")
	}
	if plan.TextSessions < 0 || plan.VoiceCalls < 0 || plan.VideoCalls < 0 {
		return apperrors.NewValidationError("session allowances cannot be negative", nil)
	}
	return l.subs.CreatePlan(ctx, plan)
}

// ExpireSubscriptions deactivates every subscription past its expiry.
func (l *CreditLedger) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	count, err := l.subs.DeactivateExpired(ctx, now.UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		l.log.Info("subscriptions expired", zap.Int64("count", count))
	}
	return count, nil
}
