package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/haileyok/fapi-oauth-golang/events"
	"gorm.io/gorm"
)

const notExpired = "(expiration_date_time IS NULL OR expiration_date_time > ?)"

// ConsentService owns every consent status change. Each change is a single
// guarded UPDATE, so concurrent callers cannot both pass the same guard.
type ConsentService struct {
	db      *gorm.DB
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics
	now     func() time.Time
}

type ConsentServiceArgs struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Events events.Publisher
	Now    func() time.Time
}

func NewConsentService(args ConsentServiceArgs) (*ConsentService, error) {
	return newConsentService(args, nil)
}

func newConsentService(args ConsentServiceArgs, m *metrics) (*ConsentService, error) {
	if args.DB == nil {
		return nil, fmt.Errorf("no db provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.Events == nil {
		args.Events = events.Nop{}
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if m == nil {
		m, _ = newMetrics(nil)
	}

	return &ConsentService{
		db:      args.DB,
		logger:  args.Logger.With("component", "consents"),
		events:  args.Events,
		metrics: m,
		now:     func() time.Time { return args.Now().UTC() },
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (cs *ConsentService) CreatePaymentConsent(ctx context.Context, clientId string, initiation Initiation, expiresAt *time.Time) (*PaymentConsent, error) {
	now := cs.now()
	c := &PaymentConsent{
		ConsentId:            PaymentConsentPrefix + uuid.NewString(),
		ClientId:             clientId,
		Status:               ConsentAwaitingAuthorisation,
		Initiation:           initiation,
		CreationDateTime:     now,
		StatusUpdateDateTime: now,
		ExpirationDateTime:   utcPtr(expiresAt),
	}

	if err := cs.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("could not create payment consent: %w", err)
	}

	cs.record(ctx, events.ConsentCreated, c.ConsentId, c.Status)

	return c, nil
}

// AccountAccess is what an account access consent asks for.
type AccountAccess struct {
	Permissions             []string
	ExpirationDateTime      *time.Time
	TransactionFromDateTime *time.Time
	TransactionToDateTime   *time.Time
}

func (cs *ConsentService) CreateAccountAccessConsent(ctx context.Context, clientId string, access AccountAccess) (*AccountAccessConsent, error) {
	if len(access.Permissions) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}

	now := cs.now()
	c := &AccountAccessConsent{
		ConsentId:               AccountAccessConsentPrefix + uuid.NewString(),
		ClientId:                clientId,
		Status:                  ConsentAwaitingAuthorisation,
		Permissions:             access.Permissions,
		CreationDateTime:        now,
		StatusUpdateDateTime:    now,
		ExpirationDateTime:      utcPtr(access.ExpirationDateTime),
		TransactionFromDateTime: utcPtr(access.TransactionFromDateTime),
		TransactionToDateTime:   utcPtr(access.TransactionToDateTime),
	}

	if err := cs.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("could not create account access consent: %w", err)
	}

	cs.record(ctx, events.ConsentCreated, c.ConsentId, c.Status)

	return c, nil
}

// GetPaymentConsent returns the consent, first moving it to Expired if its
// expiration time has passed.
func (cs *ConsentService) GetPaymentConsent(ctx context.Context, consentId string) (*PaymentConsent, error) {
	var c PaymentConsent
	if err := cs.first(ctx, &c, consentId); err != nil {
		return nil, err
	}

	if !cs.due(c.Status, c.ExpirationDateTime) {
		return &c, nil
	}

	if err := cs.expire(ctx, &PaymentConsent{}, consentId, c.Status); err != nil {
		return nil, err
	}

	var fresh PaymentConsent
	if err := cs.first(ctx, &fresh, consentId); err != nil {
		return nil, err
	}

	return &fresh, nil
}

func (cs *ConsentService) GetAccountAccessConsent(ctx context.Context, consentId string) (*AccountAccessConsent, error) {
	var c AccountAccessConsent
	if err := cs.first(ctx, &c, consentId); err != nil {
		return nil, err
	}

	if !cs.due(c.Status, c.ExpirationDateTime) {
		return &c, nil
	}

	if err := cs.expire(ctx, &AccountAccessConsent{}, consentId, c.Status); err != nil {
		return nil, err
	}

	var fresh AccountAccessConsent
	if err := cs.first(ctx, &fresh, consentId); err != nil {
		return nil, err
	}

	return &fresh, nil
}

func (cs *ConsentService) first(ctx context.Context, dest any, consentId string) error {
	err := cs.db.WithContext(ctx).Where("consent_id = ?", consentId).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConsentNotFound
	}
	return err
}

func (cs *ConsentService) due(status ConsentStatus, expiresAt *time.Time) bool {
	return !status.Terminal() && expiresAt != nil && !expiresAt.After(cs.now())
}

// expire moves a consent that is still in status to Expired. Losing a race
// with another transition is not an error.
func (cs *ConsentService) expire(ctx context.Context, model any, consentId string, status ConsentStatus) error {
	res := cs.db.WithContext(ctx).Model(model).
		Where("consent_id = ? AND status = ?", consentId, status).
		Updates(map[string]any{"status": ConsentExpired, "status_update_date_time": cs.now()})
	if res.Error != nil {
		return fmt.Errorf("could not expire consent %s: %w", consentId, res.Error)
	}

	if res.RowsAffected == 1 {
		cs.logger.Info("consent expired", "consent_id", consentId)
		cs.record(ctx, events.ConsentExpired, consentId, ConsentExpired)
	}

	return nil
}

// Authorise moves a consent from AwaitingAuthorisation to Authorised. Only
// the client that created the consent can have it authorised; any other
// client sees ErrConsentNotFound.
func (cs *ConsentService) Authorise(ctx context.Context, clientId, consentId string) error {
	return cs.transition(ctx, clientId, consentId, []ConsentStatus{ConsentAwaitingAuthorisation}, ConsentAuthorised, events.ConsentAuthorised)
}

func (cs *ConsentService) Reject(ctx context.Context, clientId, consentId string) error {
	return cs.transition(ctx, clientId, consentId, []ConsentStatus{ConsentAwaitingAuthorisation}, ConsentRejected, events.ConsentRejected)
}

func (cs *ConsentService) Revoke(ctx context.Context, clientId, consentId string) error {
	return cs.transition(ctx, clientId, consentId, []ConsentStatus{ConsentAuthorised}, ConsentRevoked, events.ConsentRevoked)
}

func modelFor(consentId string) (any, error) {
	switch KindOf(consentId) {
	case KindPayment:
		return &PaymentConsent{}, nil
	case KindAccountAccess:
		return &AccountAccessConsent{}, nil
	default:
		return nil, ErrConsentNotFound
	}
}

func (cs *ConsentService) transition(ctx context.Context, clientId, consentId string, from []ConsentStatus, to ConsentStatus, eventType string) error {
	if clientId == "" {
		return ErrConsentNotFound
	}

	model, err := modelFor(consentId)
	if err != nil {
		return err
	}

	now := cs.now()
	res := cs.db.WithContext(ctx).Model(model).
		Where("consent_id = ? AND client_id = ? AND status IN ?", consentId, clientId, from).
		Where(notExpired, now).
		Updates(map[string]any{"status": to, "status_update_date_time": now})
	if res.Error != nil {
		return fmt.Errorf("could not update consent %s: %w", consentId, res.Error)
	}

	if res.RowsAffected == 0 {
		return cs.guardFailure(cs.db.WithContext(ctx), clientId, consentId, from)
	}

	cs.logger.Info("consent transitioned", "consent_id", consentId, "status", to)
	cs.record(ctx, eventType, consentId, to)

	return nil
}

// guardFailure explains why a guarded update touched no rows. A consent owned
// by someone other than clientId is reported as missing; an empty clientId
// skips the ownership check.
func (cs *ConsentService) guardFailure(db *gorm.DB, clientId, consentId string, want []ConsentStatus) error {
	model, err := modelFor(consentId)
	if err != nil {
		return err
	}

	var row struct {
		ClientId           string
		Status             ConsentStatus
		ExpirationDateTime *time.Time
	}

	err = db.Model(model).Where("consent_id = ?", consentId).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConsentNotFound
	}
	if err != nil {
		return err
	}

	if clientId != "" && row.ClientId != clientId {
		return ErrConsentNotFound
	}

	status := row.Status
	if cs.due(status, row.ExpirationDateTime) {
		status = ConsentExpired
	}

	return &InvalidConsentStatusError{ConsentId: consentId, Status: status, Want: want}
}

func (cs *ConsentService) record(ctx context.Context, eventType, consentId string, status ConsentStatus) {
	cs.metrics.consentTransitions.WithLabelValues(kindLabel(consentId), string(status)).Inc()
	cs.events.Publish(ctx, events.New(eventType, consentId, "consent", map[string]any{"status": string(status)}))
}
