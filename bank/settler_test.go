package bank

import (
	"testing"
	"time"

	"github.com/haileyok/fapi-oauth-golang/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (ts *testServices) insertPayment(t *testing.T, id string, status PaymentStatus) {
	t.Helper()

	now := ts.clock.Now()
	require.NoError(t, ts.db.Create(&Payment{
		DomesticPaymentId:    id,
		ConsentId:            "pcon-" + id,
		Status:               status,
		Initiation:           testInitiation(),
		CreationDateTime:     now,
		StatusUpdateDateTime: now,
	}).Error)
}

// paymentStatus is safe to call from assert.Eventually.
func (ts *testServices) paymentStatus(t *testing.T, id string) PaymentStatus {
	t.Helper()

	p, err := ts.payments.Get(ctx, id)
	if err != nil {
		t.Errorf("could not load payment %s: %v", id, err)
		return ""
	}
	return p.Status
}

func TestSettlerSettlesOnce(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServices(t, time.Hour)

	settler, err := NewSettler(SettlerArgs{DB: ts.db, Delay: 10 * time.Millisecond, Events: ts.events, Now: ts.clock.Now})
	require.NoError(t, err)
	t.Cleanup(settler.Close)

	ts.insertPayment(t, "pay-1", PaymentAcceptedSettlementInProcess)

	settler.Schedule("pay-1")
	settler.Schedule("pay-1")
	assert.Equal(1, settler.Pending())

	assert.Eventually(func() bool {
		return ts.paymentStatus(t, "pay-1") == PaymentAcceptedSettlementCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(func() bool { return settler.Pending() == 0 }, time.Second, 10*time.Millisecond)

	// a second advance finds nothing to do
	require.NoError(t, settler.settle(ctx, "pay-1"))
	assert.Equal(1, ts.events.count(events.PaymentSettled))
}

func TestSettlerLeavesOtherStatuses(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServices(t, time.Hour)

	ts.insertPayment(t, "pay-rejected", PaymentRejected)

	require.NoError(t, ts.settler.settle(ctx, "pay-rejected"))
	assert.Equal(PaymentRejected, ts.paymentStatus(t, "pay-rejected"))
	assert.Equal(0, ts.events.count(events.PaymentSettled))
}

func TestSettlerClose(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServices(t, time.Hour)

	ts.insertPayment(t, "pay-1", PaymentAcceptedSettlementInProcess)

	ts.settler.Schedule("pay-1")
	assert.Equal(1, ts.settler.Pending())

	done := make(chan struct{})
	go func() {
		ts.settler.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close waited for a cancelled timer")
	}

	assert.Equal(0, ts.settler.Pending())
	assert.Equal(PaymentAcceptedSettlementInProcess, ts.paymentStatus(t, "pay-1"))

	ts.settler.Schedule("pay-1")
	assert.Equal(0, ts.settler.Pending())
}

func TestSettlerRecover(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServices(t, time.Hour)

	ts.insertPayment(t, "pay-1", PaymentAcceptedSettlementInProcess)
	ts.insertPayment(t, "pay-2", PaymentAcceptedSettlementInProcess)
	ts.insertPayment(t, "pay-3", PaymentAcceptedSettlementCompleted)

	// a fresh process picks up what the last one left behind
	settler, err := NewSettler(SettlerArgs{DB: ts.db, Delay: 10 * time.Millisecond, Now: ts.clock.Now})
	require.NoError(t, err)
	t.Cleanup(settler.Close)

	n, err := settler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(2, n)

	assert.Eventually(func() bool {
		return ts.paymentStatus(t, "pay-1") == PaymentAcceptedSettlementCompleted &&
			ts.paymentStatus(t, "pay-2") == PaymentAcceptedSettlementCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewSettlerArgs(t *testing.T) {
	_, err := NewSettler(SettlerArgs{})
	assert.Error(t, err)
}
