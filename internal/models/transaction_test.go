package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOperationType(t *testing.T) {
	tests := []struct {
		op       int
		expected string
		ok       bool
	}{
		{OpRequestPayment, TxTypeDebit, true},
		{OpProductPayment, TxTypeDebit, true},
		{OpDebtToPay, TxTypeDebit, true},
		{OpCoinPayment, TxTypeDebit, true},
		{OpPartnerSettlement, TxTypeCredit, true},
		{OpSponsorFee, TxTypeCredit, true},
		{OpPlatformFee, TxTypeCredit, true},
		{OpProcessorFee, TxTypeCredit, true},
		{OpRefund, TxTypeCredit, true},
		{OpWithdraw, "", false},
		{99, "", false},
	}

	for _, tt := range tests {
		t.Run(OperationName(tt.op), func(t *testing.T) {
			got, ok := OperationType(tt.op)
			if got != tt.expected || ok != tt.ok {
				t.Errorf("OperationType(%d) = (%q, %v), want (%q, %v)", tt.op, got, ok, tt.expected, tt.ok)
			}
		})
	}
}

func TestPaymentPlusFee(t *testing.T) {
	percent := decimal.RequireFromString("0.029")
	flat := decimal.RequireFromString("0.30")

	tx := Transaction{Operation: OpRequestPayment, Amount: decimal.RequireFromString("103.29")}
	payment, fee := tx.PaymentPlusFee(percent, flat)
	// 103.29 * 0.029 + 0.30 = 3.30 rounded
	if !fee.Equal(decimal.RequireFromString("3.30")) {
		t.Errorf("fee = %s, want 3.30", fee)
	}
	if !payment.Add(fee).Equal(tx.Amount) {
		t.Errorf("payment + fee = %s, want %s", payment.Add(fee), tx.Amount)
	}

	other := Transaction{Operation: OpPlatformFee, Amount: decimal.RequireFromString("50")}
	payment, fee = other.PaymentPlusFee(percent, flat)
	if !payment.IsZero() || !fee.IsZero() {
		t.Errorf("non-payment split = (%s, %s), want (0, 0)", payment, fee)
	}
}
