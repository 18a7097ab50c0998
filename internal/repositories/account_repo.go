package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asilinks/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO accounts (email, first_name, last_name, payout_email, sponsor_id, sponsor_level)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, last_active_at
	`, a.Email, a.FirstName, a.LastName, a.PayoutEmail, a.SponsorID, a.SponsorLevel,
	).Scan(&a.ID, &a.CreatedAt, &a.LastActiveAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := db(ctx, r.pool).QueryRow(ctx, `
		SELECT id, email, first_name, last_name, payout_email, sponsor_id, sponsor_level, created_at, last_active_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &a.PayoutEmail, &a.SponsorID, &a.SponsorLevel, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := db(ctx, r.pool).QueryRow(ctx, `
		SELECT id, email, first_name, last_name, payout_email, sponsor_id, sponsor_level, created_at, last_active_at
		FROM accounts WHERE email = $1
	`, email).Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &a.PayoutEmail, &a.SponsorID, &a.SponsorLevel, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) UpdatePayoutEmail(ctx context.Context, id uuid.UUID, email string) error {
	_, err := db(ctx, r.pool).Exec(ctx, `UPDATE accounts SET payout_email = $1 WHERE id = $2`, email, id)
	return err
}

func (r *AccountRepo) TouchLastActive(ctx context.Context, id uuid.UUID) error {
	_, err := db(ctx, r.pool).Exec(ctx, `UPDATE accounts SET last_active_at = now() WHERE id = $1`, id)
	return err
}

// ---- Client profiles ----

func (r *AccountRepo) CreateClient(ctx context.Context, c *models.Client) error {
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO clients (account_id) VALUES ($1)
		RETURNING id, rating, created_at
	`, c.AccountID).Scan(&c.ID, &c.Rating, &c.CreatedAt)
}

func (r *AccountRepo) GetClientByAccount(ctx context.Context, accountID uuid.UUID) (*models.Client, error) {
	var c models.Client
	err := db(ctx, r.pool).QueryRow(ctx, `
		SELECT id, account_id, rating, created_at FROM clients WHERE account_id = $1
	`, accountID).Scan(&c.ID, &c.AccountID, &c.Rating, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *AccountRepo) GetClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	var c models.Client
	err := db(ctx, r.pool).QueryRow(ctx, `
		SELECT id, account_id, rating, created_at FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.AccountID, &c.Rating, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *AccountRepo) UpdateClientRating(ctx context.Context, id uuid.UUID, score int) error {
	// Running average over rated requests.
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE clients SET
			rating = (rating * rating_count + $1) / (rating_count + 1),
			rating_count = rating_count + 1
		WHERE id = $2
	`, score, id)
	return err
}

// ---- Partner profiles ----

const partnerColumns = `id, account_id, level, enabled, country, know_fields, rating, stats, joined_at`

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}

func scanPartner(row pgx.Row) (*models.Partner, error) {
	var p models.Partner
	var stats []byte
	err := row.Scan(&p.ID, &p.AccountID, &p.Level, &p.Enabled, &p.Country, &p.KnowFields, &p.Rating, &stats, &p.JoinedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stats, &p.Stats); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *AccountRepo) CreatePartner(ctx context.Context, p *models.Partner) error {
	stats, err := json.Marshal(p.Stats)
	if err != nil {
		return err
	}
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO partners (account_id, level, enabled, country, know_fields, stats)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, rating, joined_at
	`, p.AccountID, p.Level, p.Enabled, p.Country, p.KnowFields, stats,
	).Scan(&p.ID, &p.Rating, &p.JoinedAt)
}

func (r *AccountRepo) GetPartnerByID(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	return scanPartner(db(ctx, r.pool).QueryRow(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE id = $1`, id))
}

func (r *AccountRepo) GetPartnerByAccount(ctx context.Context, accountID uuid.UUID) (*models.Partner, error) {
	return scanPartner(db(ctx, r.pool).QueryRow(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE account_id = $1`, accountID))
}

func (r *AccountRepo) UpdatePartnerStats(ctx context.Context, id uuid.UUID, stats models.PartnerStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = db(ctx, r.pool).Exec(ctx, `UPDATE partners SET stats = $1 WHERE id = $2`, data, id)
	return err
}

func (r *AccountRepo) UpdatePartnerRating(ctx context.Context, id uuid.UUID, score int) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE partners SET
			rating = (rating * rating_count + $1) / (rating_count + 1),
			rating_count = rating_count + 1
		WHERE id = $2
	`, score, id)
	return err
}

// CandidateFilter narrows the matching pool.
type CandidateFilter struct {
	KnowFields []string
	Country    *string
	ExcludeIDs []uuid.UUID
}

// ListCandidates returns enabled partners covering at least one of the
// requested knowledge fields.
func (r *AccountRepo) ListCandidates(ctx context.Context, f CandidateFilter) ([]models.Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners WHERE enabled = true AND know_fields && $1`
	args := []any{f.KnowFields}
	argIdx := 2

	if f.Country != nil {
		query += fmt.Sprintf(" AND country = $%d", argIdx)
		args = append(args, *f.Country)
		argIdx++
	}
	if len(f.ExcludeIDs) > 0 {
		query += fmt.Sprintf(" AND id != ALL($%d)", argIdx)
		args = append(args, f.ExcludeIDs)
	}

	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []models.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, *p)
	}
	return partners, nil
}

// ---- Favorite partners ----

// GetFavoritePartners returns the client's pinned partners for any of
// the given knowledge fields, deduplicated.
func (r *AccountRepo) GetFavoritePartners(ctx context.Context, clientID uuid.UUID, knowFields []string) ([]models.Partner, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT ON (p.id) `+prefixed(partnerColumns, "p.")+`
		FROM favorite_partners fp
		JOIN partners p ON p.id = fp.partner_id
		WHERE fp.client_id = $1 AND fp.know_field = ANY($2) AND p.enabled = true
	`, clientID, knowFields)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []models.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, *p)
	}
	return partners, nil
}

// ReplaceFavorites pins a partner for each knowledge field, displacing
// whoever held the slot.
func (r *AccountRepo) ReplaceFavorites(ctx context.Context, clientID, partnerID uuid.UUID, knowFields []string) error {
	q := db(ctx, r.pool)
	if _, err := q.Exec(ctx, `
		DELETE FROM favorite_partners WHERE client_id = $1 AND know_field = ANY($2)
	`, clientID, knowFields); err != nil {
		return err
	}
	for _, nf := range knowFields {
		if _, err := q.Exec(ctx, `
			INSERT INTO favorite_partners (client_id, know_field, partner_id) VALUES ($1, $2, $3)
		`, clientID, nf, partnerID); err != nil {
			return err
		}
	}
	return nil
}

// ---- Status buckets ----

// MoveBucket shifts a request between a profile's status buckets inside
// the caller's transaction. Inserts when from is empty, deletes when to
// is empty.
func (r *AccountRepo) MoveBucket(ctx context.Context, profileType string, profileID, requestID uuid.UUID, from, to string) error {
	q := db(ctx, r.pool)

	if from != "" {
		tag, err := q.Exec(ctx, `
			DELETE FROM profile_buckets
			WHERE profile_type = $1 AND profile_id = $2 AND request_id = $3 AND bucket = $4
		`, profileType, profileID, requestID, from)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New("bucket entry not found")
		}
	}

	if to != "" {
		_, err := q.Exec(ctx, `
			INSERT INTO profile_buckets (profile_type, profile_id, request_id, bucket)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (profile_type, profile_id, request_id) DO UPDATE SET bucket = EXCLUDED.bucket
		`, profileType, profileID, requestID, to)
		return err
	}
	return nil
}

// CountBuckets returns the per-bucket request counts for one profile.
func (r *AccountRepo) CountBuckets(ctx context.Context, profileType string, profileID uuid.UUID) (map[string]int, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT bucket, count(*) FROM profile_buckets
		WHERE profile_type = $1 AND profile_id = $2
		GROUP BY bucket
	`, profileType, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, err
		}
		counts[bucket] = n
	}
	return counts, nil
}
