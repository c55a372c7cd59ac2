package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// Schema creates the tables used by the Postgres repositories. Applied by
// InitSchema; safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS platform_key_versions (
	version_id          TEXT PRIMARY KEY,
	vault_component     BYTEA NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	activated_at        TIMESTAMPTZ,
	retired_at          TIMESTAMPTZ,
	shares_last_rotated TIMESTAMPTZ,
	notes               TEXT NOT NULL DEFAULT '',
	revision            BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_survey_kek_escrows (
	user_id              BIGINT NOT NULL,
	survey_id            BIGINT NOT NULL,
	platform_key_version TEXT NOT NULL REFERENCES platform_key_versions (version_id) ON DELETE RESTRICT,
	store_path           TEXT NOT NULL,
	recovered_count      INT NOT NULL DEFAULT 0,
	last_recovered_at    TIMESTAMPTZ,
	last_recovered_by    TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	revision             BIGINT NOT NULL,
	PRIMARY KEY (user_id, survey_id)
);

CREATE TABLE IF NOT EXISTS recovery_requests (
	id                       TEXT PRIMARY KEY,
	request_code             TEXT NOT NULL,
	user_id                  BIGINT NOT NULL,
	survey_id                BIGINT NOT NULL,
	requested_by             TEXT NOT NULL,
	status                   TEXT NOT NULL,
	verified_by              TEXT NOT NULL DEFAULT '',
	verification_notes       TEXT NOT NULL DEFAULT '',
	primary_approver         TEXT NOT NULL DEFAULT '',
	secondary_approver       TEXT NOT NULL DEFAULT '',
	time_delay_until         TIMESTAMPTZ,
	rejected_by              TEXT NOT NULL DEFAULT '',
	reject_reason            TEXT NOT NULL DEFAULT '',
	executed_by              TEXT NOT NULL DEFAULT '',
	custodian_component_used BOOLEAN NOT NULL DEFAULT FALSE,
	created_at               TIMESTAMPTZ NOT NULL,
	revision                 BIGINT NOT NULL
);
`

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// Connect opens a connection pool for the given DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

// InitSchema applies the schema.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PostgresKeyVersions is the Postgres-backed KeyVersionRepository. The
// escrow table's foreign key with ON DELETE RESTRICT is what prevents
// deleting a key version that escrows still reference.
type PostgresKeyVersions struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyVersions creates the repository over an existing pool.
func NewPostgresKeyVersions(pool *pgxpool.Pool) *PostgresKeyVersions {
	return &PostgresKeyVersions{pool: pool}
}

// Create persists a new version.
func (p *PostgresKeyVersions) Create(ctx context.Context, v *interfaces.PlatformKeyVersion) error {
	v.Revision = 1
	_, err := p.pool.Exec(ctx, `
		INSERT INTO platform_key_versions
			(version_id, vault_component, created_at, activated_at, retired_at, shares_last_rotated, notes, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.VersionID, v.VaultComponent, v.CreatedAt, v.ActivatedAt, v.RetiredAt, v.SharesLastRotated, v.Notes, v.Revision)
	if isUniqueViolation(err) {
		return fmt.Errorf("version %q: %w", v.VersionID, interfaces.ErrAlreadyExists)
	}
	return err
}

// Get loads a version by id.
func (p *PostgresKeyVersions) Get(ctx context.Context, versionID string) (*interfaces.PlatformKeyVersion, error) {
	return p.scanVersion(p.pool.QueryRow(ctx, `
		SELECT version_id, vault_component, created_at, activated_at, retired_at, shares_last_rotated, notes, revision
		FROM platform_key_versions WHERE version_id = $1`, versionID))
}

// Active loads the unique active version.
func (p *PostgresKeyVersions) Active(ctx context.Context) (*interfaces.PlatformKeyVersion, error) {
	return p.scanVersion(p.pool.QueryRow(ctx, `
		SELECT version_id, vault_component, created_at, activated_at, retired_at, shares_last_rotated, notes, revision
		FROM platform_key_versions WHERE activated_at IS NOT NULL AND retired_at IS NULL`))
}

// Save persists the given versions in one transaction with revision checks.
func (p *PostgresKeyVersions) Save(ctx context.Context, versions ...*interfaces.PlatformKeyVersion) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, v := range versions {
		tag, err := tx.Exec(ctx, `
			UPDATE platform_key_versions
			SET vault_component = $2, activated_at = $3, retired_at = $4,
			    shares_last_rotated = $5, notes = $6, revision = revision + 1
			WHERE version_id = $1 AND revision = $7`,
			v.VersionID, v.VaultComponent, v.ActivatedAt, v.RetiredAt, v.SharesLastRotated, v.Notes, v.Revision)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("version %q: %w", v.VersionID, interfaces.ErrRevisionConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	for _, v := range versions {
		v.Revision++
	}
	return nil
}

func (p *PostgresKeyVersions) scanVersion(row pgx.Row) (*interfaces.PlatformKeyVersion, error) {
	var v interfaces.PlatformKeyVersion
	err := row.Scan(&v.VersionID, &v.VaultComponent, &v.CreatedAt, &v.ActivatedAt,
		&v.RetiredAt, &v.SharesLastRotated, &v.Notes, &v.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PostgresEscrows is the Postgres-backed EscrowRepository.
type PostgresEscrows struct {
	pool *pgxpool.Pool
}

// NewPostgresEscrows creates the repository over an existing pool.
func NewPostgresEscrows(pool *pgxpool.Pool) *PostgresEscrows {
	return &PostgresEscrows{pool: pool}
}

// Create persists a new escrow row; the primary key enforces uniqueness on
// (user, survey).
func (p *PostgresEscrows) Create(ctx context.Context, e *interfaces.UserSurveyKEKEscrow) error {
	e.Revision = 1
	_, err := p.pool.Exec(ctx, `
		INSERT INTO user_survey_kek_escrows
			(user_id, survey_id, platform_key_version, store_path, recovered_count,
			 last_recovered_at, last_recovered_by, created_at, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.UserID, e.SurveyID, e.PlatformKeyVersion, e.StorePath, e.RecoveredCount,
		e.LastRecoveredAt, e.LastRecoveredBy, e.CreatedAt, e.Revision)
	if isUniqueViolation(err) {
		return fmt.Errorf("escrow for user %d survey %d: %w", e.UserID, e.SurveyID, interfaces.ErrAlreadyExists)
	}
	return err
}

// Get loads the escrow for a (user, survey) pair.
func (p *PostgresEscrows) Get(ctx context.Context, userID, surveyID int64) (*interfaces.UserSurveyKEKEscrow, error) {
	var e interfaces.UserSurveyKEKEscrow
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, survey_id, platform_key_version, store_path, recovered_count,
		       last_recovered_at, last_recovered_by, created_at, revision
		FROM user_survey_kek_escrows WHERE user_id = $1 AND survey_id = $2`,
		userID, surveyID).Scan(
		&e.UserID, &e.SurveyID, &e.PlatformKeyVersion, &e.StorePath, &e.RecoveredCount,
		&e.LastRecoveredAt, &e.LastRecoveredBy, &e.CreatedAt, &e.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListByUser returns all escrows for a user, oldest first.
func (p *PostgresEscrows) ListByUser(ctx context.Context, userID int64) ([]*interfaces.UserSurveyKEKEscrow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, survey_id, platform_key_version, store_path, recovered_count,
		       last_recovered_at, last_recovered_by, created_at, revision
		FROM user_survey_kek_escrows WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*interfaces.UserSurveyKEKEscrow
	for rows.Next() {
		var e interfaces.UserSurveyKEKEscrow
		if err := rows.Scan(
			&e.UserID, &e.SurveyID, &e.PlatformKeyVersion, &e.StorePath, &e.RecoveredCount,
			&e.LastRecoveredAt, &e.LastRecoveredBy, &e.CreatedAt, &e.Revision); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Save persists an updated escrow row with a revision check.
func (p *PostgresEscrows) Save(ctx context.Context, e *interfaces.UserSurveyKEKEscrow) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE user_survey_kek_escrows
		SET recovered_count = $3, last_recovered_at = $4, last_recovered_by = $5, revision = revision + 1
		WHERE user_id = $1 AND survey_id = $2 AND revision = $6`,
		e.UserID, e.SurveyID, e.RecoveredCount, e.LastRecoveredAt, e.LastRecoveredBy, e.Revision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow for user %d survey %d: %w", e.UserID, e.SurveyID, interfaces.ErrRevisionConflict)
	}
	e.Revision++
	return nil
}

// Delete removes the escrow row for a (user, survey) pair.
func (p *PostgresEscrows) Delete(ctx context.Context, userID, surveyID int64) error {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM user_survey_kek_escrows WHERE user_id = $1 AND survey_id = $2`,
		userID, surveyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow for user %d survey %d: %w", userID, surveyID, interfaces.ErrNotFound)
	}
	return nil
}

// PostgresRequests is the Postgres-backed RecoveryRequestRepository.
type PostgresRequests struct {
	pool *pgxpool.Pool
}

// NewPostgresRequests creates the repository over an existing pool.
func NewPostgresRequests(pool *pgxpool.Pool) *PostgresRequests {
	return &PostgresRequests{pool: pool}
}

// Create persists a new request.
func (p *PostgresRequests) Create(ctx context.Context, r *interfaces.RecoveryRequest) error {
	r.Revision = 1
	_, err := p.pool.Exec(ctx, `
		INSERT INTO recovery_requests
			(id, request_code, user_id, survey_id, requested_by, status, verified_by, verification_notes,
			 primary_approver, secondary_approver, time_delay_until, rejected_by, reject_reason,
			 executed_by, custodian_component_used, created_at, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.RequestCode, r.UserID, r.SurveyID, r.RequestedBy, r.Status, r.VerifiedBy, r.VerificationNotes,
		r.PrimaryApprover, r.SecondaryApprover, r.TimeDelayUntil, r.RejectedBy, r.RejectReason,
		r.ExecutedBy, r.CustodianComponentUsed, r.CreatedAt, r.Revision)
	if isUniqueViolation(err) {
		return fmt.Errorf("request %q: %w", r.ID, interfaces.ErrAlreadyExists)
	}
	return err
}

// Get loads a request by id.
func (p *PostgresRequests) Get(ctx context.Context, id string) (*interfaces.RecoveryRequest, error) {
	var r interfaces.RecoveryRequest
	err := p.pool.QueryRow(ctx, `
		SELECT id, request_code, user_id, survey_id, requested_by, status, verified_by, verification_notes,
		       primary_approver, secondary_approver, time_delay_until, rejected_by, reject_reason,
		       executed_by, custodian_component_used, created_at, revision
		FROM recovery_requests WHERE id = $1`, id).Scan(
		&r.ID, &r.RequestCode, &r.UserID, &r.SurveyID, &r.RequestedBy, &r.Status, &r.VerifiedBy, &r.VerificationNotes,
		&r.PrimaryApprover, &r.SecondaryApprover, &r.TimeDelayUntil, &r.RejectedBy, &r.RejectReason,
		&r.ExecutedBy, &r.CustodianComponentUsed, &r.CreatedAt, &r.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Save persists an updated request with a revision check; the CAS that keeps
// two admins from racing the same transition.
func (p *PostgresRequests) Save(ctx context.Context, r *interfaces.RecoveryRequest) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE recovery_requests
		SET status = $2, verified_by = $3, verification_notes = $4, primary_approver = $5,
		    secondary_approver = $6, time_delay_until = $7, rejected_by = $8, reject_reason = $9,
		    executed_by = $10, custodian_component_used = $11, revision = revision + 1
		WHERE id = $1 AND revision = $12`,
		r.ID, r.Status, r.VerifiedBy, r.VerificationNotes, r.PrimaryApprover,
		r.SecondaryApprover, r.TimeDelayUntil, r.RejectedBy, r.RejectReason,
		r.ExecutedBy, r.CustodianComponentUsed, r.Revision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request %q: %w", r.ID, interfaces.ErrRevisionConflict)
	}
	r.Revision++
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
