// Package metrics はPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal はHTTPリクエスト数（メソッド・パス・ステータス別）。
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zasshi_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration はHTTPリクエストの処理時間。
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zasshi_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentCallbacksTotal は支払いコールバックの処理結果数。
	// resultは activated / already_processed / pending / invalid_signature /
	// invalid_order / not_found / reconciliation_gap / error のいずれか。
	PaymentCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zasshi_payment_callbacks_total",
			Help: "Total number of processed payment gateway callbacks by result.",
		},
		[]string{"result"},
	)

	// ReconciliationGapsTotal は課金サイクルを推定できず会員権を付与できなかった
	// 支払いの件数。増加したら手動での突合が必要になる。
	ReconciliationGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zasshi_payment_reconciliation_gaps_total",
			Help: "Payments marked success whose billing cycle could not be inferred.",
		},
	)

	// MembershipsExpiredTotal は期限切れスイープで遷移させた会員権の累計。
	MembershipsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zasshi_memberships_expired_total",
			Help: "Total number of memberships transitioned to expired by the sweep.",
		},
	)

	// RenewalRemindersSentTotal は送信した更新リマインダーメールの累計。
	RenewalRemindersSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zasshi_renewal_reminders_sent_total",
			Help: "Total number of renewal reminder emails sent.",
		},
	)

	// DownloadsTotal は権利確認を通過した雑誌ダウンロードの累計。
	DownloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zasshi_magazine_downloads_total",
			Help: "Total number of entitled magazine downloads served.",
		},
	)
)
