package bank

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haileyok/fapi-oauth-golang/events"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var ctx = context.Background()

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type testServices struct {
	db       *gorm.DB
	clock    *testClock
	events   *eventRecorder
	consents *ConsentService
	payments *PaymentService
	settler  *Settler
}

func newTestServices(t *testing.T, settleDelay time.Duration) *testServices {
	t.Helper()

	db, err := OpenSqlite(filepath.Join(t.TempDir(), "bank.db"))
	require.NoError(t, err)
	require.NoError(t, SeedAccounts(ctx, db, DefaultAccounts...))

	ts := &testServices{
		db:     db,
		clock:  newTestClock(),
		events: &eventRecorder{},
	}

	ts.consents, err = NewConsentService(ConsentServiceArgs{DB: db, Events: ts.events, Now: ts.clock.Now})
	require.NoError(t, err)

	ts.settler, err = NewSettler(SettlerArgs{DB: db, Delay: settleDelay, Events: ts.events, Now: ts.clock.Now})
	require.NoError(t, err)
	t.Cleanup(ts.settler.Close)

	ts.payments, err = NewPaymentService(PaymentServiceArgs{
		DB:       db,
		Consents: ts.consents,
		Settler:  ts.settler,
		Events:   ts.events,
		Now:      ts.clock.Now,
	})
	require.NoError(t, err)

	return ts
}

func testInitiation() Initiation {
	return Initiation{
		InstructionIdentification: "instr-001",
		EndToEndIdentification:    "e2e-001",
		InstructedAmount:          Amount{Amount: "165.88", Currency: "GBP"},
		DebtorAccount: &CashAccount{
			SchemeName:     "UK.OBIE.SortCodeAccountNumber",
			Identification: DefaultAccounts[0].Identification,
		},
		CreditorAccount: CashAccount{
			SchemeName:     "UK.OBIE.SortCodeAccountNumber",
			Identification: "08080021325698",
			Name:           "ACME Inc",
		},
		RemittanceInformation: &RemittanceInformation{Reference: "FRESCO-101"},
	}
}

// insertConsent writes a payment consent directly, bypassing the lifecycle.
func (ts *testServices) insertConsent(t *testing.T, id string, status ConsentStatus, initiation Initiation, expiresAt *time.Time) {
	t.Helper()

	now := ts.clock.Now()
	require.NoError(t, ts.db.Create(&PaymentConsent{
		ConsentId:            id,
		ClientId:             "tpp",
		Status:               status,
		Initiation:           initiation,
		CreationDateTime:     now,
		StatusUpdateDateTime: now,
		ExpirationDateTime:   expiresAt,
	}).Error)
}

func (ts *testServices) consentStatus(t *testing.T, id string) ConsentStatus {
	t.Helper()

	var c PaymentConsent
	require.NoError(t, ts.db.Where("consent_id = ?", id).First(&c).Error)
	return c.Status
}

func (ts *testServices) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()

	var n int64
	require.NoError(t, ts.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}
