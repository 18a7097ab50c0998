package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction entry types
const (
	TxTypeCredit = "credit"
	TxTypeDebit  = "debit"
)

// Ledger operations
const (
	OpRequestPayment    = 1  // client pays an installment
	OpPartnerSettlement = 2  // partner payout for completed work
	OpSponsorFee        = 3  // referral commission payout
	OpPlatformFee       = 4  // platform share
	OpProcessorFee      = 5  // external processor commission
	OpWithdraw          = 6  // cash withdrawal
	OpProductPayment    = 7  // store purchase
	OpRefund            = 8  // money returned to the client
	OpDebtToPay         = 9  // outstanding second installment
	OpCoinPayment       = 10 // internal-currency purchase
)

var debitOps = map[int]bool{
	OpRequestPayment: true,
	OpProductPayment: true,
	OpDebtToPay:      true,
	OpCoinPayment:    true,
}

var creditOps = map[int]bool{
	OpPartnerSettlement: true,
	OpSponsorFee:        true,
	OpPlatformFee:       true,
	OpProcessorFee:      true,
	OpRefund:            true,
}

// OperationType classifies an operation as credit or debit. The second
// return is false for unregistered operations.
func OperationType(op int) (string, bool) {
	if debitOps[op] {
		return TxTypeDebit, true
	}
	if creditOps[op] {
		return TxTypeCredit, true
	}
	return "", false
}

var opNames = map[int]string{
	OpRequestPayment:    "request payment",
	OpPartnerSettlement: "partner settlement",
	OpSponsorFee:        "sponsor fee",
	OpPlatformFee:       "platform fee",
	OpProcessorFee:      "processor fee",
	OpWithdraw:          "withdraw",
	OpProductPayment:    "product payment",
	OpRefund:            "refund",
	OpDebtToPay:         "debt to pay",
	OpCoinPayment:       "coin payment",
}

func OperationName(op int) string { return opNames[op] }

// Transaction is an immutable ledger entry. Rows are created only
// through the ledger service and never updated.
type Transaction struct {
	ID                uuid.UUID       `json:"id"`
	OwnerID           uuid.UUID       `json:"owner_id"`
	ReceiverID        *uuid.UUID      `json:"receiver_id,omitempty"`
	Date              time.Time       `json:"date"`
	Type              string          `json:"type"`
	Operation         int             `json:"operation"`
	Interface         string          `json:"interface"` // payment processor key
	Amount            decimal.Decimal `json:"amount"`
	ExternalReference *string         `json:"external_reference,omitempty"`
	RequestID         *uuid.UUID      `json:"request_id,omitempty"`
}

// PaymentPlusFee splits a request-payment amount into the part that
// reaches the platform and the processor's cut, the way the processor
// reports it. Non-payment operations split to zero.
func (t *Transaction) PaymentPlusFee(percent, flat decimal.Decimal) (payment, fee decimal.Decimal) {
	if t.Operation != OpRequestPayment {
		return decimal.Zero, decimal.Zero
	}
	fee = t.Amount.Mul(percent).Add(flat).Round(2)
	return t.Amount.Sub(fee), fee
}

// Bill feature kinds
const (
	BillFeatureRequest = 1
	BillFeatureProduct = 2
	BillFeatureCoins   = 3
)

// Bill is an immutable snapshot tying a set of transactions to an item
// at close or cancel time.
type Bill struct {
	ID             uuid.UUID   `json:"id"`
	OwnerID        uuid.UUID   `json:"owner_id"`
	Date           time.Time   `json:"date"`
	Feature        int         `json:"feature"`
	RequestID      *uuid.UUID  `json:"request_id,omitempty"`
	TransactionIDs []uuid.UUID `json:"transaction_ids"`
}
