package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/asilinks/backend/internal/models"
)

type RequestRepo struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{pool: pool}
}

const requestColumns = `id, name, know_fields, description, country_alpha2, status,
	client_id, partner_id, price, sponsor_percent, payment_interface,
	client_review, partner_review,
	date_created, date_started, date_delivered, date_closed, date_canceled, date_promise, date_unsatisfied,
	last_read_client, last_read_partner,
	time_extensions, round_number, round_started_at`

type requestRow struct {
	req            models.Request
	clientReview   []byte
	partnerReview  []byte
	timeExtensions []byte
	RoundNumber    int
	RoundStartedAt time.Time
}

func scanRequest(row pgx.Row) (*requestRow, error) {
	var rr requestRow
	r := &rr.req
	err := row.Scan(&r.ID, &r.Name, &r.KnowFields, &r.Description, &r.CountryAlpha2, &r.Status,
		&r.ClientID, &r.PartnerID, &r.Price, &r.SponsorPercent, &r.PaymentInterface,
		&rr.clientReview, &rr.partnerReview,
		&r.DateCreated, &r.DateStarted, &r.DateDelivered, &r.DateClosed, &r.DateCanceled, &r.DatePromise, &r.DateUnsatisfied,
		&r.LastReadClient, &r.LastReadPartner,
		&rr.timeExtensions, &rr.RoundNumber, &rr.RoundStartedAt)
	if err != nil {
		return nil, err
	}

	if rr.clientReview != nil {
		r.ClientReview = &models.Review{}
		if err := json.Unmarshal(rr.clientReview, r.ClientReview); err != nil {
			return nil, err
		}
	}
	if rr.partnerReview != nil {
		r.PartnerReview = &models.Review{}
		if err := json.Unmarshal(rr.partnerReview, r.PartnerReview); err != nil {
			return nil, err
		}
	}
	if rr.timeExtensions != nil {
		if err := json.Unmarshal(rr.timeExtensions, &r.TimeExtensions); err != nil {
			return nil, err
		}
	}
	return &rr, nil
}

func (r *RequestRepo) Create(ctx context.Context, req *models.Request) error {
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO requests (name, know_fields, description, country_alpha2, status, client_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, date_created, last_read_client, last_read_partner
	`, req.Name, req.KnowFields, req.Description, req.CountryAlpha2, req.Status, req.ClientID,
	).Scan(&req.ID, &req.DateCreated, &req.LastReadClient, &req.LastReadPartner)
}

// UpdateDetails edits the describing fields while the request is still
// open for bidding. False means the request already left todo.
func (r *RequestRepo) UpdateDetails(ctx context.Context, id uuid.UUID, name, description string) (bool, error) {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE requests SET name = $1, description = $2 WHERE id = $3 AND status = $4
	`, name, description, id, models.RequestStatusTodo)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID loads a request with its bidding round. Messages are loaded
// on demand through ListMessages.
func (r *RequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	rr, err := scanRequest(db(ctx, r.pool).QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	round, err := r.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	rr.req.RoundPartners = round
	return &rr.req, nil
}

// RoundState carries the refresh-cycle counters alongside the request.
type RoundState struct {
	Request        models.Request
	RoundNumber    int
	RoundStartedAt time.Time
}

func (r *RequestRepo) GetRoundState(ctx context.Context, id uuid.UUID) (*RoundState, error) {
	rr, err := scanRequest(db(ctx, r.pool).QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return &RoundState{Request: rr.req, RoundNumber: rr.RoundNumber, RoundStartedAt: rr.RoundStartedAt}, nil
}

// UpdateStatusFrom performs the compare-and-set status transition. It
// reports false when the request was not in the expected status, which
// means another actor moved it first.
func (r *RequestRepo) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE requests SET status = $1 WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Acceptance freezes the agreement on the winning offer.
type Acceptance struct {
	PartnerID        uuid.UUID
	Price            decimal.Decimal
	SponsorPercent   decimal.Decimal
	PaymentInterface string
	DateStarted      time.Time
	DatePromise      time.Time
}

// AcceptOffer atomically moves todo -> in_progress and freezes the
// price, fee split and deadline. False means the request already left
// todo.
func (r *RequestRepo) AcceptOffer(ctx context.Context, id uuid.UUID, a Acceptance) (bool, error) {
	tag, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE requests SET
			status = $1, partner_id = $2, price = $3, sponsor_percent = $4,
			payment_interface = $5, date_started = $6, date_promise = $7
		WHERE id = $8 AND status = $9
	`, models.RequestStatusInProgress, a.PartnerID, a.Price, a.SponsorPercent,
		a.PaymentInterface, a.DateStarted, a.DatePromise, id, models.RequestStatusTodo)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetDate stamps one lifecycle date column.
func (r *RequestRepo) SetDate(ctx context.Context, id uuid.UUID, column string, at time.Time) error {
	switch column {
	case "date_started", "date_delivered", "date_closed", "date_canceled", "date_promise", "date_unsatisfied":
	default:
		return fmt.Errorf("unknown date column %q", column)
	}
	_, err := db(ctx, r.pool).Exec(ctx,
		`UPDATE requests SET `+column+` = $1 WHERE id = $2`, at, id)
	return err
}

func (r *RequestRepo) ClearDate(ctx context.Context, id uuid.UUID, column string) error {
	switch column {
	case "date_delivered", "date_unsatisfied":
	default:
		return fmt.Errorf("unknown date column %q", column)
	}
	_, err := db(ctx, r.pool).Exec(ctx,
		`UPDATE requests SET `+column+` = NULL WHERE id = $1`, id)
	return err
}

func (r *RequestRepo) SetReview(ctx context.Context, id uuid.UUID, column string, review models.Review) error {
	switch column {
	case "client_review", "partner_review":
	default:
		return fmt.Errorf("unknown review column %q", column)
	}
	data, err := json.Marshal(review)
	if err != nil {
		return err
	}
	_, err = db(ctx, r.pool).Exec(ctx,
		`UPDATE requests SET `+column+` = $1 WHERE id = $2 AND `+column+` IS NULL`, data, id)
	return err
}

// SetExtensions rewrites the extension list and the promise date
// derived from it.
func (r *RequestRepo) SetExtensions(ctx context.Context, id uuid.UUID, exts []models.TimeExtension, promise time.Time) error {
	data, err := json.Marshal(exts)
	if err != nil {
		return err
	}
	_, err = db(ctx, r.pool).Exec(ctx, `
		UPDATE requests SET time_extensions = $1, date_promise = $2 WHERE id = $3
	`, data, promise, id)
	return err
}

func (r *RequestRepo) UpdateLastRead(ctx context.Context, id uuid.UUID, who string, at time.Time) error {
	switch who {
	case models.ProfileClient:
		_, err := db(ctx, r.pool).Exec(ctx, `UPDATE requests SET last_read_client = $1 WHERE id = $2`, at, id)
		return err
	case models.ProfilePartner:
		_, err := db(ctx, r.pool).Exec(ctx, `UPDATE requests SET last_read_partner = $1 WHERE id = $2`, at, id)
		return err
	}
	return fmt.Errorf("unknown profile %q", who)
}

// RestartRound bumps the cycle counter and restarts the round clock.
func (r *RequestRepo) RestartRound(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE requests SET round_number = round_number + 1, round_started_at = $1 WHERE id = $2
	`, at, id)
	return err
}

type RequestFilter struct {
	ClientID  *uuid.UUID
	PartnerID *uuid.UUID
	Status    *string
	Limit     int
	Offset    int
}

func (r *RequestRepo) List(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.ClientID != nil {
		where = append(where, fmt.Sprintf("client_id = $%d", argIdx))
		args = append(args, *f.ClientID)
		argIdx++
	}
	if f.PartnerID != nil {
		where = append(where, fmt.Sprintf("partner_id = $%d", argIdx))
		args = append(args, *f.PartnerID)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY date_created DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	return r.queryRequests(ctx, query, args...)
}

// ListByRoundPartner returns open requests where the partner sits in
// the bidding round and has not been rejected.
func (r *RequestRepo) ListByRoundPartner(ctx context.Context, partnerID uuid.UUID) ([]models.Request, error) {
	return r.queryRequests(ctx, `
		SELECT `+prefixed(requestColumns, "r.")+`
		FROM requests r
		JOIN round_partners rp ON rp.request_id = r.id
		WHERE rp.partner_id = $1 AND rp.rejected = false AND r.status = $2
		ORDER BY r.date_created DESC
	`, partnerID, models.RequestStatusTodo)
}

// ---- Sweep queries ----

// ListStaleRounds returns open requests whose current bidding cycle ran
// past the cycle duration.
func (r *RequestRepo) ListStaleRounds(ctx context.Context, olderThan time.Time) ([]RoundState, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND round_started_at < $2
	`, models.RequestStatusTodo, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundState
	for rows.Next() {
		rr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, RoundState{Request: rr.req, RoundNumber: rr.RoundNumber, RoundStartedAt: rr.RoundStartedAt})
	}
	return out, nil
}

// ListUnsatisfiedBefore returns disputes whose response window closed.
func (r *RequestRepo) ListUnsatisfiedBefore(ctx context.Context, deadline time.Time) ([]models.Request, error) {
	return r.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND date_unsatisfied < $2
	`, models.RequestStatusUnsatisfied, deadline)
}

// ListBreachedPromises returns in-progress requests whose promise date
// passed before the given deadline.
func (r *RequestRepo) ListBreachedPromises(ctx context.Context, deadline time.Time) ([]models.Request, error) {
	return r.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND date_promise IS NOT NULL AND date_promise < $2
	`, models.RequestStatusInProgress, deadline)
}

// ListPendingDeliveredBefore returns pending approvals the client has
// sat on past the auto-close window.
func (r *RequestRepo) ListPendingDeliveredBefore(ctx context.Context, deadline time.Time) ([]models.Request, error) {
	return r.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND date_delivered < $2
	`, models.RequestStatusPending, deadline)
}

// ListClosedBefore returns settled requests older than the retention
// window that still hold messages.
func (r *RequestRepo) ListClosedBefore(ctx context.Context, deadline time.Time) ([]uuid.UUID, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT r.id FROM requests r
		JOIN messages m ON m.request_id = r.id
		WHERE r.status = $1 AND r.date_closed < $2
	`, models.RequestStatusDone, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListOrphanRounds returns open requests with no round at all, left
// behind by a failed selection.
func (r *RequestRepo) ListOrphanRounds(ctx context.Context) ([]models.Request, error) {
	return r.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM requests r
		WHERE status = $1 AND NOT EXISTS (
			SELECT 1 FROM round_partners rp WHERE rp.request_id = r.id
		)
	`, models.RequestStatusTodo)
}

func (r *RequestRepo) queryRequests(ctx context.Context, query string, args ...any) ([]models.Request, error) {
	rows, err := db(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		rr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr.req)
	}
	return out, nil
}

// ---- Round partners ----

const roundColumns = `id, request_id, partner_id, date_notification, last_read, date_response,
	rejected, price, duration_seconds, requisites, description, last_activity`

func scanRoundPartner(row pgx.Row) (*models.RoundPartner, error) {
	var rp models.RoundPartner
	var durationSeconds int64
	err := row.Scan(&rp.ID, &rp.RequestID, &rp.PartnerID, &rp.DateNotification, &rp.LastRead, &rp.DateResponse,
		&rp.Rejected, &rp.Price, &durationSeconds, &rp.Requisites, &rp.Description, &rp.LastActivity)
	if err != nil {
		return nil, err
	}
	rp.Duration = time.Duration(durationSeconds) * time.Second
	return &rp, nil
}

func (r *RequestRepo) AddRoundPartners(ctx context.Context, requestID uuid.UUID, partnerIDs []uuid.UUID, at time.Time) error {
	q := db(ctx, r.pool)
	for _, pid := range partnerIDs {
		if _, err := q.Exec(ctx, `
			INSERT INTO round_partners (request_id, partner_id, date_notification, last_read)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (request_id, partner_id) DO NOTHING
		`, requestID, pid, at); err != nil {
			return err
		}
	}
	return nil
}

func (r *RequestRepo) GetRound(ctx context.Context, requestID uuid.UUID) ([]models.RoundPartner, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT `+roundColumns+` FROM round_partners
		WHERE request_id = $1 ORDER BY date_notification
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var round []models.RoundPartner
	for rows.Next() {
		rp, err := scanRoundPartner(rows)
		if err != nil {
			return nil, err
		}
		round = append(round, *rp)
	}
	return round, nil
}

func (r *RequestRepo) GetRoundEntry(ctx context.Context, requestID, partnerID uuid.UUID) (*models.RoundPartner, error) {
	return scanRoundPartner(db(ctx, r.pool).QueryRow(ctx, `
		SELECT `+roundColumns+` FROM round_partners
		WHERE request_id = $1 AND partner_id = $2
	`, requestID, partnerID))
}

// PublishOffer records the partner's priced response.
func (r *RequestRepo) PublishOffer(ctx context.Context, entryID uuid.UUID, rp *models.RoundPartner) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE round_partners SET
			price = $1, duration_seconds = $2, requisites = $3, description = $4,
			date_response = $5, last_activity = $5
		WHERE id = $6
	`, rp.Price, int64(rp.Duration/time.Second), rp.Requisites, rp.Description, rp.DateResponse, entryID)
	return err
}

// RejectEntry marks one candidate rejected; entries are kept forever.
func (r *RequestRepo) RejectEntry(ctx context.Context, entryID uuid.UUID) error {
	_, err := db(ctx, r.pool).Exec(ctx, `UPDATE round_partners SET rejected = true WHERE id = $1`, entryID)
	return err
}

// RejectOthers rejects every candidate except the winner.
func (r *RequestRepo) RejectOthers(ctx context.Context, requestID, winnerPartnerID uuid.UUID) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE round_partners SET rejected = true
		WHERE request_id = $1 AND partner_id != $2
	`, requestID, winnerPartnerID)
	return err
}

func (r *RequestRepo) TouchRoundEntry(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE round_partners SET last_read = $1, last_activity = $1 WHERE id = $2
	`, at, entryID)
	return err
}

// TouchNotification restamps the entry after a reminder so the next
// sweep does not nudge the same candidate again within a cycle.
func (r *RequestRepo) TouchNotification(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE round_partners SET date_notification = $1 WHERE id = $2
	`, at, entryID)
	return err
}

// ---- Messages ----

const messageColumns = `id, request_id, owner_id, channel, type, content, attachment, ts, reference_ts, last_delivery`

func (r *RequestRepo) AddMessage(ctx context.Context, m *models.Message) error {
	return db(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO messages (request_id, owner_id, channel, type, content, attachment, reference_ts, last_delivery)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, ts
	`, m.RequestID, m.OwnerID, m.Channel, m.Type, m.Content, m.Attachment, m.ReferenceTS, m.LastDelivery,
	).Scan(&m.ID, &m.TS)
}

func (r *RequestRepo) ListMessages(ctx context.Context, requestID uuid.UUID, channel string) ([]models.Message, error) {
	rows, err := db(ctx, r.pool).Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE request_id = $1 AND channel = $2 ORDER BY ts
	`, requestID, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.RequestID, &m.OwnerID, &m.Channel, &m.Type, &m.Content,
			&m.Attachment, &m.TS, &m.ReferenceTS, &m.LastDelivery); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ClearLastDelivery unmarks previous delivery messages so only the
// newest delivery carries the flag.
func (r *RequestRepo) ClearLastDelivery(ctx context.Context, requestID uuid.UUID) error {
	_, err := db(ctx, r.pool).Exec(ctx, `
		UPDATE messages SET last_delivery = false WHERE request_id = $1 AND last_delivery = true
	`, requestID)
	return err
}

func (r *RequestRepo) DeleteMessages(ctx context.Context, requestIDs []uuid.UUID) (int64, error) {
	tag, err := db(ctx, r.pool).Exec(ctx,
		`DELETE FROM messages WHERE request_id = ANY($1)`, requestIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
