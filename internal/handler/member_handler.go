package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/zasshi/internal/membership"
	"github.com/hitoshi/zasshi/internal/middleware"
	"github.com/hitoshi/zasshi/internal/model"
)

// MembershipServiceInterface は会員ハンドラーが必要とするサービスインターフェース。
type MembershipServiceInterface interface {
	// ListTiers は購入可能な会員ランクをlevel昇順で返す。
	ListTiers(ctx context.Context) ([]*model.MemberTier, error)
	// GetCurrentMembership はユーザーの現在有効な会員権を返す。無会員の場合はnil。
	GetCurrentMembership(ctx context.Context, userID int64) (*model.UserMembership, error)
	// GetMembershipHistory はユーザーの会員権履歴を新しい順に返す。
	GetMembershipHistory(ctx context.Context, userID int64) ([]*model.UserMembership, error)
	// ComputeRemainingDownloads は月間ダウンロード残量を計算する。
	ComputeRemainingDownloads(ctx context.Context, userID int64, tier *model.MemberTier) (membership.DownloadAllowance, error)
	// CreateMembershipUpgrade はランク購入のpending支払いを作成する。
	CreateMembershipUpgrade(ctx context.Context, userID, tierID int64, cycle model.BillingCycle, paymentMethod string) (*model.Payment, error)
}

// PayURLBuilder は支払いに対する決済ページURLの構築インターフェース。
type PayURLBuilder interface {
	BuildPagePayURL(paymentID int64, subject string, amount decimal.Decimal) (string, error)
}

// MemberHandler は会員ランク・会員権のHTTPハンドラー。
type MemberHandler struct {
	service MembershipServiceInterface
	payURL  PayURLBuilder
}

// NewMemberHandler はMemberHandlerを生成する。
func NewMemberHandler(service MembershipServiceInterface, payURL PayURLBuilder) *MemberHandler {
	return &MemberHandler{service: service, payURL: payURL}
}

// tierResponse は会員ランクのAPIレスポンス。
type tierResponse struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	Level                int     `json:"level"`
	PriceMonthly         *string `json:"price_monthly,omitempty"`
	PriceYearly          *string `json:"price_yearly,omitempty"`
	MaxDownloadsPerMonth *int    `json:"max_downloads_per_month,omitempty"`
	AccessHistoryDays    *int    `json:"access_history_days,omitempty"`
	CanViewCurrentWeek   bool    `json:"can_view_current_week"`
	Description          string  `json:"description"`
}

func toTierResponse(t *model.MemberTier) tierResponse {
	resp := tierResponse{
		ID:                   t.ID,
		Name:                 t.Name,
		Level:                t.Level,
		MaxDownloadsPerMonth: t.MaxDownloadsPerMonth,
		AccessHistoryDays:    t.AccessHistoryDays,
		CanViewCurrentWeek:   t.CanViewCurrentWeek,
		Description:          t.Description,
	}
	if t.PriceMonthly != nil {
		s := t.PriceMonthly.StringFixed(2)
		resp.PriceMonthly = &s
	}
	if t.PriceYearly != nil {
		s := t.PriceYearly.StringFixed(2)
		resp.PriceYearly = &s
	}
	return resp
}

// membershipResponse は会員権のAPIレスポンス。
type membershipResponse struct {
	ID        int64         `json:"id"`
	Tier      *tierResponse `json:"tier,omitempty"`
	StartDate string        `json:"start_date"`
	EndDate   string        `json:"end_date"`
	Status    string        `json:"status"`
	AutoRenew bool          `json:"auto_renew"`
	CreatedAt time.Time     `json:"created_at"`
}

func toMembershipResponse(m *model.UserMembership) membershipResponse {
	resp := membershipResponse{
		ID:        m.ID,
		StartDate: m.StartDate.Format("2006-01-02"),
		EndDate:   m.EndDate.Format("2006-01-02"),
		Status:    string(m.Status),
		AutoRenew: m.AutoRenew,
		CreatedAt: m.CreatedAt,
	}
	if m.Tier != nil {
		t := toTierResponse(m.Tier)
		resp.Tier = &t
	}
	return resp
}

// ListTiers は会員ランクのカタログを返す。
// GET /api/tiers
func (h *MemberHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.service.ListTiers(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		resp = append(resp, toTierResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// currentMembershipResponse は現在の会員権と残量のAPIレスポンス。
// membershipがnullの場合は無料ユーザー。
type currentMembershipResponse struct {
	Membership         *membershipResponse `json:"membership"`
	UnlimitedDownloads bool                `json:"unlimited_downloads"`
	RemainingDownloads *int                `json:"remaining_downloads,omitempty"`
}

// GetCurrent は現在の会員権と月間ダウンロード残量を返す。
// GET /api/members/current
func (h *MemberHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	current, err := h.service.GetCurrentMembership(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if current == nil {
		writeJSON(w, http.StatusOK, currentMembershipResponse{})
		return
	}

	allowance, err := h.service.ComputeRemainingDownloads(r.Context(), userID, current.Tier)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := currentMembershipResponse{UnlimitedDownloads: allowance.Unlimited}
	m := toMembershipResponse(current)
	resp.Membership = &m
	if !allowance.Unlimited {
		resp.RemainingDownloads = &allowance.Remaining
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory は会員権の履歴を新しい順に返す。
// GET /api/members/history
func (h *MemberHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	history, err := h.service.GetMembershipHistory(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]membershipResponse, 0, len(history))
	for _, m := range history {
		resp = append(resp, toMembershipResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// upgradeRequest はランク購入リクエストのボディ。
type upgradeRequest struct {
	TierID       int64  `json:"tier_id"`
	BillingCycle string `json:"billing_cycle"`
}

// upgradeResponse はランク購入のAPIレスポンス。
// 会員権は支払い確定コールバックで付与されるため、ここではpay_urlのみ返す。
type upgradeResponse struct {
	PaymentID int64  `json:"payment_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	PayURL    string `json:"pay_url,omitempty"`
}

// Upgrade はランク購入のpending支払いと決済URLを作成する。
// POST /api/members/upgrade
func (h *MemberHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	payment, err := h.service.CreateMembershipUpgrade(r.Context(), userID, req.TierID,
		model.BillingCycle(req.BillingCycle), "alipay")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := upgradeResponse{
		PaymentID: payment.ID,
		Amount:    payment.Amount.StringFixed(2),
		Currency:  payment.Currency,
		Status:    string(payment.Status),
	}
	payURL, err := h.payURL.BuildPagePayURL(payment.ID, "会員ランクアップグレード", payment.Amount)
	if err != nil {
		// 決済URLの構築失敗は支払いレコード自体を無効にしない
		handleServiceError(w, err)
		return
	}
	resp.PayURL = payURL

	writeJSON(w, http.StatusCreated, resp)
}
