package handler

import (
	"context"
	"database/sql"
	"net/http"
)

// Pinger は依存先の疎通確認インターフェース。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db *sql.DB
	kv Pinger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db *sql.DB, kv Pinger) *HealthHandler {
	return &HealthHandler{db: db, kv: kv}
}

// Health はデータベースとRedisの疎通を確認する。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "ok", "redis": "ok"}
	healthy := true

	if err := h.db.PingContext(r.Context()); err != nil {
		status["database"] = "unavailable"
		healthy = false
	}
	if h.kv != nil {
		if err := h.kv.Ping(r.Context()); err != nil {
			status["redis"] = "unavailable"
			healthy = false
		}
	}

	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
