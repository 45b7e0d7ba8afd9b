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

type PaymentService struct {
	db       *gorm.DB
	logger   *slog.Logger
	consents *ConsentService
	settler  *Settler
	events   events.Publisher
	metrics  *metrics
	now      func() time.Time
}

type PaymentServiceArgs struct {
	DB       *gorm.DB
	Consents *ConsentService
	// Settler, when set, is handed every created payment.
	Settler *Settler
	Logger  *slog.Logger
	Events  events.Publisher
	Now     func() time.Time
}

func NewPaymentService(args PaymentServiceArgs) (*PaymentService, error) {
	return newPaymentService(args, nil)
}

func newPaymentService(args PaymentServiceArgs, m *metrics) (*PaymentService, error) {
	if args.DB == nil {
		return nil, fmt.Errorf("no db provided")
	}

	if args.Consents == nil {
		return nil, fmt.Errorf("no consent service provided")
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

	return &PaymentService{
		db:       args.DB,
		logger:   args.Logger.With("component", "payments"),
		consents: args.Consents,
		settler:  args.Settler,
		events:   args.Events,
		metrics:  m,
		now:      func() time.Time { return args.Now().UTC() },
	}, nil
}

// Create executes the payment a consent authorised. In one transaction the
// consent moves from Authorised to Consumed (only if it has not expired), the
// payment is inserted with the consent's initiation, and the debtor account
// is debited. Any failure rolls all of it back and leaves the consent
// Authorised.
func (ps *PaymentService) Create(ctx context.Context, consentId string) (*Payment, error) {
	if KindOf(consentId) != KindPayment {
		return nil, ErrConsentNotFound
	}

	var payment *Payment

	err := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := ps.now()

		res := tx.Model(&PaymentConsent{}).
			Where("consent_id = ? AND status = ?", consentId, ConsentAuthorised).
			Where(notExpired, now).
			Updates(map[string]any{"status": ConsentConsumed, "status_update_date_time": now})
		if res.Error != nil {
			return &PaymentCreationFailedError{ConsentId: consentId, Err: res.Error}
		}

		if res.RowsAffected == 0 {
			return ps.consents.guardFailure(tx, "", consentId, []ConsentStatus{ConsentAuthorised})
		}

		var consent PaymentConsent
		if err := tx.Where("consent_id = ?", consentId).First(&consent).Error; err != nil {
			return &PaymentCreationFailedError{ConsentId: consentId, Err: err}
		}

		p := &Payment{
			DomesticPaymentId:    uuid.NewString(),
			ConsentId:            consentId,
			Status:               PaymentAcceptedSettlementInProcess,
			Initiation:           consent.Initiation,
			CreationDateTime:     now,
			StatusUpdateDateTime: now,
		}

		if err := tx.Create(p).Error; err != nil {
			return &PaymentCreationFailedError{ConsentId: consentId, Err: err}
		}

		if debtor := consent.Initiation.DebtorAccount; debtor != nil {
			if err := postDebit(tx, p, debtor, now); err != nil {
				return &PaymentCreationFailedError{ConsentId: consentId, Err: err}
			}
		}

		payment = p
		return nil
	})
	if err != nil {
		ps.metrics.paymentFailures.WithLabelValues(failureReason(err)).Inc()
		ps.logger.Warn("payment refused", "consent_id", consentId, "err", err)
		return nil, err
	}

	ps.logger.Info("payment created", "consent_id", consentId, "payment_id", payment.DomesticPaymentId)
	ps.metrics.paymentsCreated.Inc()
	ps.consents.record(ctx, events.ConsentConsumed, consentId, ConsentConsumed)
	ps.events.Publish(ctx, events.New(events.PaymentCreated, payment.DomesticPaymentId, "payment", map[string]any{
		"status":    string(payment.Status),
		"consentId": consentId,
		"amount":    payment.Initiation.InstructedAmount.Amount,
		"currency":  payment.Initiation.InstructedAmount.Currency,
	}))

	if ps.settler != nil {
		ps.settler.Schedule(payment.DomesticPaymentId)
	}

	return payment, nil
}

func postDebit(tx *gorm.DB, p *Payment, debtor *CashAccount, now time.Time) error {
	var account Account
	err := tx.Where("identification = ?", debtor.Identification).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, debtor.Identification)
	}
	if err != nil {
		return err
	}

	amount := p.Initiation.InstructedAmount
	if account.Currency != amount.Currency {
		return fmt.Errorf("%w: account %s is held in %s, payment is in %s", ErrCurrencyMismatch, account.AccountId, account.Currency, amount.Currency)
	}

	creditor := p.Initiation.CreditorAccount
	counterparty := creditor.Name
	if counterparty == "" {
		counterparty = creditor.Identification
	}

	var reference string
	if ri := p.Initiation.RemittanceInformation; ri != nil {
		reference = ri.Reference
	}

	return tx.Create(&LedgerTransaction{
		TransactionId:        uuid.NewString(),
		AccountId:            account.AccountId,
		PaymentId:            p.DomesticPaymentId,
		CreditDebitIndicator: Debit,
		Amount:               amount,
		Counterparty:         counterparty,
		Reference:            reference,
		BookingDateTime:      now,
	}).Error
}

func failureReason(err error) string {
	var statusErr *InvalidConsentStatusError
	switch {
	case errors.As(err, &statusErr):
		return "consent_" + string(statusErr.Status)
	case errors.Is(err, ErrConsentNotFound):
		return "consent_not_found"
	default:
		return "creation_failed"
	}
}

func (ps *PaymentService) Get(ctx context.Context, paymentId string) (*Payment, error) {
	var p Payment
	err := ps.db.WithContext(ctx).Where("domestic_payment_id = ?", paymentId).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByConsent returns the payment a consent was consumed by.
func (ps *PaymentService) GetByConsent(ctx context.Context, consentId string) (*Payment, error) {
	var p Payment
	err := ps.db.WithContext(ctx).Where("consent_id = ?", consentId).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (ps *PaymentService) Transactions(ctx context.Context, paymentId string) ([]LedgerTransaction, error) {
	var txns []LedgerTransaction
	if err := ps.db.WithContext(ctx).Where("payment_id = ?", paymentId).Order("booking_date_time").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
