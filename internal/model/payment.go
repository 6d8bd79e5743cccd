package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus は支払いの状態を表す。
// コールバック経路で発生する遷移は pending → success のみ（successは終端）。
// failed/cancelled/refundedはpendingから到達可能だが他のフローで使用する。
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment は購入の試行を表す。
// TransactionIDは内部注文参照、ExternalTransactionIDはゲートウェイ側の参照。
type Payment struct {
	ID                    int64
	UserID                int64
	TierID                *int64
	Amount                decimal.Decimal
	Currency              string
	PaymentMethod         string
	Status                PaymentStatus
	TransactionID         *string
	ExternalTransactionID *string
	PaidAt                *time.Time
	CreatedAt             time.Time
}
