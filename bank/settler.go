package bank

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haileyok/fapi-oauth-golang/events"
	"gorm.io/gorm"
)

const DefaultSettlementDelay = 5 * time.Second

// Settler simulates settlement latency: a scheduled payment is advanced from
// AcceptedSettlementInProcess to AcceptedSettlementCompleted after a delay.
// The advance is a guarded update, so it happens at most once per payment.
type Settler struct {
	db      *gorm.DB
	logger  *slog.Logger
	events  events.Publisher
	metrics *metrics
	delay   time.Duration
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

type SettlerArgs struct {
	DB     *gorm.DB
	Delay  time.Duration
	Logger *slog.Logger
	Events events.Publisher
	Now    func() time.Time
}

func NewSettler(args SettlerArgs) (*Settler, error) {
	return newSettler(args, nil)
}

func newSettler(args SettlerArgs, m *metrics) (*Settler, error) {
	if args.DB == nil {
		return nil, fmt.Errorf("no db provided")
	}

	if args.Delay <= 0 {
		args.Delay = DefaultSettlementDelay
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

	ctx, cancel := context.WithCancel(context.Background())

	return &Settler{
		db:      args.DB,
		logger:  args.Logger.With("component", "settler"),
		events:  args.Events,
		metrics: m,
		delay:   args.Delay,
		now:     func() time.Time { return args.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Schedule arranges for paymentId to settle after the delay. Scheduling a
// payment that is already pending does nothing.
func (s *Settler) Schedule(paymentId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("settler closed, not scheduling payment", "payment_id", paymentId)
		return
	}

	if _, ok := s.pending[paymentId]; ok {
		return
	}

	s.wg.Add(1)
	s.pending[paymentId] = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.pending, paymentId)
		s.mu.Unlock()

		if err := s.settle(s.ctx, paymentId); err != nil {
			s.logger.Error("could not settle payment", "payment_id", paymentId, "err", err)
		}
	})
}

// Pending is the number of payments waiting to settle.
func (s *Settler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Settler) settle(ctx context.Context, paymentId string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("domestic_payment_id = ? AND status = ?", paymentId, PaymentAcceptedSettlementInProcess).
		Updates(map[string]any{"status": PaymentAcceptedSettlementCompleted, "status_update_date_time": now})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		s.logger.Debug("payment no longer awaiting settlement", "payment_id", paymentId)
		return nil
	}

	s.logger.Info("payment settled", "payment_id", paymentId)
	s.metrics.paymentsSettled.Inc()
	s.events.Publish(ctx, events.New(events.PaymentSettled, paymentId, "payment", map[string]any{
		"status": string(PaymentAcceptedSettlementCompleted),
	}))

	return nil
}

// Recover schedules every payment still awaiting settlement, e.g. after a
// restart dropped the timers.
func (s *Settler) Recover(ctx context.Context) (int, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Payment{}).
		Where("status = ?", PaymentAcceptedSettlementInProcess).
		Pluck("domestic_payment_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("could not list unsettled payments: %w", err)
	}

	for _, id := range ids {
		s.Schedule(id)
	}

	if len(ids) > 0 {
		s.logger.Info("recovered unsettled payments", "count", len(ids))
	}

	return len(ids), nil
}

// Close cancels every pending advance and waits for any in flight to finish.
// Payments it cancels stay AcceptedSettlementInProcess for Recover to find.
func (s *Settler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true

	for id, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
