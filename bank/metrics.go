package bank

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	consentTransitions *prometheus.CounterVec
	paymentsCreated    prometheus.Counter
	paymentFailures    *prometheus.CounterVec
	paymentsSettled    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		consentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fapi",
			Subsystem: "bank",
			Name:      "consent_transitions_total",
			Help:      "Consent status transitions, by consent kind and new status.",
		}, []string{"kind", "status"}),
		paymentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fapi",
			Subsystem: "bank",
			Name:      "payments_created_total",
			Help:      "Payments created.",
		}),
		paymentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fapi",
			Subsystem: "bank",
			Name:      "payment_failures_total",
			Help:      "Refused payment creations, by reason.",
		}, []string{"reason"}),
		paymentsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fapi",
			Subsystem: "bank",
			Name:      "payments_settled_total",
			Help:      "Payments advanced to AcceptedSettlementCompleted.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.consentTransitions, m.paymentsCreated, m.paymentFailures, m.paymentsSettled} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func kindLabel(consentId string) string {
	switch KindOf(consentId) {
	case KindPayment:
		return "payment"
	case KindAccountAccess:
		return "account_access"
	default:
		return "unknown"
	}
}
