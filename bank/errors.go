package bank

import (
	"errors"
	"fmt"
)

var (
	ErrConsentNotFound      = errors.New("consent not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrCurrencyMismatch     = errors.New("account currency does not match payment currency")
	ErrInvalidConsentStatus = errors.New("invalid consent status")
)

// InvalidConsentStatusError is returned when a transition's guard did not
// hold. Nothing was changed.
type InvalidConsentStatusError struct {
	ConsentId string
	Status    ConsentStatus
	Want      []ConsentStatus
}

func (e *InvalidConsentStatusError) Error() string {
	return fmt.Sprintf("consent %s has status %s, expected one of %v", e.ConsentId, e.Status, e.Want)
}

func (e *InvalidConsentStatusError) Is(target error) bool {
	return target == ErrInvalidConsentStatus
}

// PaymentCreationFailedError means the payment unit of work was rolled back
// and the consent is still Authorised.
type PaymentCreationFailedError struct {
	ConsentId string
	Err       error
}

func (e *PaymentCreationFailedError) Error() string {
	return fmt.Sprintf("could not create payment for consent %s: %v", e.ConsentId, e.Err)
}

func (e *PaymentCreationFailedError) Unwrap() error { return e.Err }
