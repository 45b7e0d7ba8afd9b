package bank

import (
	"strings"
	"time"
)

type ConsentStatus string

const (
	ConsentAwaitingAuthorisation ConsentStatus = "AwaitingAuthorisation"
	ConsentAuthorised            ConsentStatus = "Authorised"
	ConsentRejected              ConsentStatus = "Rejected"
	ConsentConsumed              ConsentStatus = "Consumed"
	ConsentRevoked               ConsentStatus = "Revoked"
	ConsentExpired               ConsentStatus = "Expired"
)

// Terminal reports whether no further transition can leave s.
func (s ConsentStatus) Terminal() bool {
	switch s {
	case ConsentConsumed, ConsentRejected, ConsentRevoked, ConsentExpired:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending                           PaymentStatus = "Pending"
	PaymentAcceptedSettlementInProcess       PaymentStatus = "AcceptedSettlementInProcess"
	PaymentAcceptedSettlementCompleted       PaymentStatus = "AcceptedSettlementCompleted"
	PaymentAcceptedWithoutPosting            PaymentStatus = "AcceptedWithoutPosting"
	PaymentAcceptedCreditSettlementCompleted PaymentStatus = "AcceptedCreditSettlementCompleted"
	PaymentRejected                          PaymentStatus = "Rejected"
)

const (
	PaymentConsentPrefix       = "pcon-"
	AccountAccessConsentPrefix = "aac-"
)

type ConsentKind int

const (
	KindUnknown ConsentKind = iota
	KindPayment
	KindAccountAccess
)

func KindOf(consentId string) ConsentKind {
	switch {
	case strings.HasPrefix(consentId, PaymentConsentPrefix):
		return KindPayment
	case strings.HasPrefix(consentId, AccountAccessConsentPrefix):
		return KindAccountAccess
	default:
		return KindUnknown
	}
}

type Amount struct {
	Amount   string
	Currency string
}

type CashAccount struct {
	SchemeName     string
	Identification string
	Name           string `json:",omitempty"`
}

type RemittanceInformation struct {
	Reference    string `json:",omitempty"`
	Unstructured string `json:",omitempty"`
}

// Initiation is what the resource owner approves. It is copied verbatim onto
// the payment and never re-derived.
type Initiation struct {
	InstructionIdentification string
	EndToEndIdentification    string
	InstructedAmount          Amount
	DebtorAccount             *CashAccount `json:",omitempty"`
	CreditorAccount           CashAccount
	RemittanceInformation     *RemittanceInformation `json:",omitempty"`
}

type PaymentConsent struct {
	ConsentId            string        `gorm:"primaryKey"`
	ClientId             string        `gorm:"index" json:"-"`
	Status               ConsentStatus `gorm:"index"`
	Initiation           Initiation    `gorm:"serializer:json"`
	CreationDateTime     time.Time
	StatusUpdateDateTime time.Time
	ExpirationDateTime   *time.Time `json:",omitempty"`
}

type AccountAccessConsent struct {
	ConsentId               string        `gorm:"primaryKey"`
	ClientId                string        `gorm:"index" json:"-"`
	Status                  ConsentStatus `gorm:"index"`
	Permissions             []string      `gorm:"serializer:json"`
	CreationDateTime        time.Time
	StatusUpdateDateTime    time.Time
	ExpirationDateTime      *time.Time `json:",omitempty"`
	TransactionFromDateTime *time.Time `json:",omitempty"`
	TransactionToDateTime   *time.Time `json:",omitempty"`
}

type Payment struct {
	DomesticPaymentId string `gorm:"primaryKey"`
	// ConsentId is unique: a consent owns at most one payment.
	ConsentId            string        `gorm:"uniqueIndex"`
	Status               PaymentStatus `gorm:"index"`
	Initiation           Initiation    `gorm:"serializer:json"`
	CreationDateTime     time.Time
	StatusUpdateDateTime time.Time
}

type Account struct {
	AccountId      string `gorm:"primaryKey"`
	SchemeName     string
	Identification string `gorm:"uniqueIndex"`
	Name           string
	Currency       string
}

type CreditDebitIndicator string

const (
	Credit CreditDebitIndicator = "Credit"
	Debit  CreditDebitIndicator = "Debit"
)

// LedgerTransaction is only ever written alongside the payment it records.
type LedgerTransaction struct {
	TransactionId        string `gorm:"primaryKey"`
	AccountId            string `gorm:"index"`
	PaymentId            string `gorm:"index"`
	CreditDebitIndicator CreditDebitIndicator
	Amount               Amount `gorm:"embedded;embeddedPrefix:amount_"`
	Counterparty         string
	Reference            string
	BookingDateTime      time.Time
}
