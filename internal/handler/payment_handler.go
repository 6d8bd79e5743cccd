package handler

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hitoshi/zasshi/internal/payment"
)

// PaymentServiceInterface は支払いハンドラーが必要とするサービスインターフェース。
type PaymentServiceInterface interface {
	// ProcessCallback はゲートウェイからの非同期通知を処理する。
	ProcessCallback(ctx context.Context, form url.Values) (*payment.CallbackOutcome, error)
}

// PaymentHandler は支払いゲートウェイ連携のHTTPハンドラー。
type PaymentHandler struct {
	service PaymentServiceInterface
}

// NewPaymentHandler はPaymentHandlerを生成する。
func NewPaymentHandler(service PaymentServiceInterface) *PaymentHandler {
	return &PaymentHandler{service: service}
}

// AlipayCallback はAlipayからの非同期通知を処理する。
// ゲートウェイの再送判定に合わせ、応答ボディはsuccess/failureのプレーンテキスト。
// POST /api/payments/callback/alipay
func (h *PaymentHandler) AlipayCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAck(w, false)
		return
	}

	outcome, err := h.service.ProcessCallback(r.Context(), r.PostForm)
	if err != nil {
		// 一時的な失敗はfailureで応答し、ゲートウェイの再送に委ねる
		writeAck(w, false)
		return
	}
	writeAck(w, outcome.OK)
}

func writeAck(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if ok {
		w.Write([]byte("success"))
		return
	}
	w.Write([]byte("failure"))
}
