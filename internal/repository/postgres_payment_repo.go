package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/zasshi/internal/model"
)

// PostgresPaymentRepo はPaymentRepositoryのPostgreSQL実装。
type PostgresPaymentRepo struct {
	db *sql.DB
}

var _ PaymentRepository = (*PostgresPaymentRepo)(nil)

// NewPostgresPaymentRepo はPostgresPaymentRepoを生成する。
func NewPostgresPaymentRepo(db *sql.DB) *PostgresPaymentRepo {
	return &PostgresPaymentRepo{db: db}
}

const paymentColumns = `id, user_id, tier_id, amount, currency, payment_method,
	status, transaction_id, external_transaction_id, paid_at, created_at`

func scanPayment(scan func(dest ...any) error) (*model.Payment, error) {
	var p model.Payment
	err := scan(&p.ID, &p.UserID, &p.TierID, &p.Amount, &p.Currency, &p.PaymentMethod,
		&p.Status, &p.TransactionID, &p.ExternalTransactionID, &p.PaidAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create は支払いを作成し、採番されたIDをp.IDに設定する。
func (r *PostgresPaymentRepo) Create(ctx context.Context, p *model.Payment) error {
	query := `
		INSERT INTO payments (user_id, tier_id, amount, currency, payment_method, status, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		p.UserID, p.TierID, p.Amount.StringFixed(2), p.Currency, p.PaymentMethod, p.Status, p.TransactionID,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("支払いの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの支払いを取得する。見つからない場合はnilを返す。
func (r *PostgresPaymentRepo) FindByID(ctx context.Context, id int64) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("支払いの取得に失敗しました: %w", err)
	}
	return p, nil
}

// FindByIDForUpdate は指定IDの支払いを行ロック付きで取得する。
// 並行コールバックの冪等性チェックを直列化するため、必ずトランザクション内で呼ぶこと。
func (r *PostgresPaymentRepo) FindByIDForUpdate(ctx context.Context, q Queryer, id int64) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	p, err := scanPayment(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("支払いのロック取得に失敗しました: %w", err)
	}
	return p, nil
}

// MarkSuccess は支払いをsuccessに遷移させ、取引IDと支払日時を記録する。
func (r *PostgresPaymentRepo) MarkSuccess(ctx context.Context, q Queryer, id int64, transactionID, externalTransactionID string, paidAt time.Time) error {
	query := `
		UPDATE payments
		SET status = $1, transaction_id = $2, external_transaction_id = $3, paid_at = $4
		WHERE id = $5`

	if _, err := q.ExecContext(ctx, query,
		model.PaymentStatusSuccess, transactionID, externalTransactionID, paidAt, id); err != nil {
		return fmt.Errorf("支払いの成功記録に失敗しました: %w", err)
	}
	return nil
}
