package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asilinks/backend/internal/models"
)

// TransactionRepo is append-only: ledger rows are never updated or
// deleted once written.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const transactionColumns = `id, owner_id, receiver_id, date, type, operation, interface, amount, external_reference, request_id`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.OwnerID, &t.ReceiverID, &t.Date, &t.Type, &t.Operation,
		&t.Interface, &t.Amount, &t.ExternalReference, &t.RequestID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO transactions (owner_id, receiver_id, type, operation, interface, amount, external_reference, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, date
	`, t.OwnerID, t.ReceiverID, t.Type, t.Operation, t.Interface, t.Amount, t.ExternalReference, t.RequestID,
	).Scan(&t.ID, &t.Date)
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return scanTransaction(db(ctx, r.pool).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (r *TransactionRepo) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.Transaction, error) {
	return r.query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE request_id = $1 ORDER BY date
	`, requestID)
}

func (r *TransactionRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return r.query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE owner_id = $1 ORDER BY date DESC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
}

func (r *TransactionRepo) query(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, nil
}

// ---- Bills ----

func (r *TransactionRepo) CreateBill(ctx context.Context, b *models.Bill) error {
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO bills (owner_id, feature, request_id, transaction_ids)
		VALUES ($1, $2, $3, $4)
		RETURNING id, date
	`, b.OwnerID, b.Feature, b.RequestID, b.TransactionIDs).Scan(&b.ID, &b.Date)
}

func (r *TransactionRepo) ListBillsByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Bill, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT id, owner_id, date, feature, request_id, transaction_ids FROM bills
		WHERE owner_id = $1 ORDER BY date DESC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []models.Bill
	for rows.Next() {
		var b models.Bill
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Date, &b.Feature, &b.RequestID, &b.TransactionIDs); err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, nil
}
