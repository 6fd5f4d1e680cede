package models

import (
	"strconv"
	"time"
)

// Gateway payment statuses. Terminal states are succeeded and canceled.
const (
	PaymentStatusPending           = "pending"
	PaymentStatusWaitingForCapture = "waiting_for_capture"
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusCanceled          = "canceled"
)

// Withdrawal destination kinds accepted by the backend.
const (
	WithdrawalKindCard        = "CARD"
	WithdrawalKindBankAccount = "BANK_ACCOUNT"
	WithdrawalKindSBP         = "SBP"
	WithdrawalKindInternal    = "INTERNAL"
)

// Pending payment kinds persisted locally for reconciliation.
const (
	PendingKindEntryFee = "entry_fee"
	PendingKindDeposit  = "deposit"
)

// PaymentAmount is the gateway's wire representation of money: a fixed
// two-decimal string plus a currency code.
type PaymentAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Float parses the wire value. Unparseable values read as zero.
func (a PaymentAmount) Float() float64 {
	v, err := strconv.ParseFloat(a.Value, 64)
	if err != nil {
		return 0
	}
	return v
}

// Payment is a gateway-owned monetary transaction intent. Transitions are
// driven by the gateway and observed by polling.
type Payment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       PaymentAmount     `json:"amount"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// ConfirmationURL is the redirect target the user must visit to authorize
// the payment, empty once the gateway no longer requires one.
func (p *Payment) ConfirmationURL() string {
	if p.Confirmation == nil {
		return ""
	}
	return p.Confirmation.ConfirmationURL
}

// Terminal reports whether polling can stop.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentStatusSucceeded || p.Status == PaymentStatusCanceled
}

// Refund is the gateway's response to a refund request.
type Refund struct {
	ID        string        `json:"id"`
	PaymentID string        `json:"payment_id"`
	Status    string        `json:"status"`
	Amount    PaymentAmount `json:"amount"`
}

// PendingPayment is the durable record of an in-flight gateway payment,
// keyed by the context that started it ("challenge:<id>" or "deposit:<uid>").
// It survives process restarts so a flow interrupted mid-redirect can be
// reconciled on next launch or foreground.
type PendingPayment struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	ContextKey  string    `json:"context_key" gorm:"uniqueIndex;not null"`
	PaymentID   string    `json:"payment_id" gorm:"not null"`
	Kind        string    `json:"kind" gorm:"not null"` // entry_fee | deposit
	ChallengeID string    `json:"challenge_id,omitempty" gorm:"index"`
	UserID      string    `json:"user_id" gorm:"index;not null"`
	Amount      float64   `json:"amount"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// EntryFeeContextKey builds the pending-payment key for a challenge join.
func EntryFeeContextKey(challengeID string) string {
	return "challenge:" + challengeID
}

// DepositContextKey builds the pending-payment key for a balance top-up.
func DepositContextKey(userID string) string {
	return "deposit:" + userID
}
