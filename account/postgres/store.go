// Package postgres implements account.Store on PostgreSQL through
// database/sql and the pgx stdlib driver. The schema ships as embedded goose
// migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/internal/failure"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	emailConstraint    = "accounts_email_lower_uq"
	externalConstraint = "accounts_external_id_uq"
)

// DBTX is the subset of database/sql used by the store. Both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL account store.
type Store struct {
	db DBTX
}

var _ account.Store = (*Store)(nil)

// NewStore returns a store bound to db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const selectAccount = `SELECT id, email, display_name, role, COALESCE(password_hash, ''), COALESCE(external_id, ''),
       picture_url, verified, active, generation, COALESCE(reset_token_hash, ''), reset_expires_at,
       created_at, updated_at, last_login_at
  FROM accounts`

func (s *Store) Create(ctx context.Context, a *account.Account) error {
	query :=
		`INSERT INTO accounts (id, email, display_name, role, password_hash, external_id, picture_url, verified, active, generation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, 0, $10, $10)`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, account.NormalizeEmail(a.Email), a.DisplayName, string(a.Role),
		a.PasswordHash, a.ExternalID, a.PictureURL, a.Verified, a.Active, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == externalConstraint {
				return failure.ErrIdentityLinked
			}
			return failure.ErrEmailTaken
		}
		return failure.Unavailable(err)
	}
	return nil
}

func (s *Store) ByID(ctx context.Context, id string) (*account.Account, error) {
	return s.queryOne(ctx, selectAccount+` WHERE id = $1`, failure.ErrAccountNotFound, id)
}

func (s *Store) ByEmail(ctx context.Context, email string) (*account.Account, error) {
	return s.queryOne(ctx, selectAccount+` WHERE lower(email) = $1`, failure.ErrAccountNotFound, account.NormalizeEmail(email))
}

func (s *Store) ByExternalID(ctx context.Context, externalID string) (*account.Account, error) {
	if externalID == "" {
		return nil, failure.ErrAccountNotFound
	}
	return s.queryOne(ctx, selectAccount+` WHERE external_id = $1`, failure.ErrAccountNotFound, externalID)
}

func (s *Store) ByResetToken(ctx context.Context, tokenHash string, now time.Time) (*account.Account, error) {
	if tokenHash == "" {
		return nil, failure.ErrInvalidOrExpiredResetToken
	}
	return s.queryOne(ctx, selectAccount+` WHERE reset_token_hash = $1 AND reset_expires_at > $2`,
		failure.ErrInvalidOrExpiredResetToken, tokenHash, now)
}

func (s *Store) queryOne(ctx context.Context, query string, notFound error, args ...any) (*account.Account, error) {
	a := &account.Account{}
	var (
		role                 string
		generation           int64
		resetAt, lastLoginAt sql.NullTime
		createdAt, updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &a.Email, &a.DisplayName, &role, &a.PasswordHash, &a.ExternalID,
		&a.PictureURL, &a.Verified, &a.Active, &generation, &a.ResetTokenHash, &resetAt,
		&createdAt, &updatedAt, &lastLoginAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, failure.Unavailable(err)
	}
	a.Role = account.Role(role)
	a.Generation = uint64(generation)
	a.CreatedAt = createdAt
	a.UpdatedAt = updatedAt
	if resetAt.Valid {
		a.ResetExpiresAt = resetAt.Time
	}
	if lastLoginAt.Valid {
		a.LastLoginAt = lastLoginAt.Time
	}

	if a.Favorites, err = s.favorites(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) favorites(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id FROM account_favorites WHERE account_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, failure.Unavailable(err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, failure.Unavailable(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Unavailable(err)
	}
	return out, nil
}

func (s *Store) LinkExternalID(ctx context.Context, id, externalID, pictureURL string) error {
	query :=
		`UPDATE accounts
		    SET external_id = $2,
		        picture_url = CASE WHEN $3 = '' THEN picture_url ELSE $3 END,
		        updated_at = now()
		  WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, externalID, pictureURL)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return failure.ErrIdentityLinked
		}
		return failure.Unavailable(err)
	}
	return requireRow(res)
}

func (s *Store) MarkVerified(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE accounts SET verified = TRUE, updated_at = now() WHERE id = $1`, id)
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `UPDATE accounts SET active = $2, updated_at = now() WHERE id = $1`, id, active)
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE accounts SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (s *Store) SetResetToken(ctx context.Context, id string, token account.ResetToken) error {
	return s.exec(ctx,
		`UPDATE accounts SET reset_token_hash = $2, reset_expires_at = $3, updated_at = now() WHERE id = $1`,
		id, token.Hash, token.ExpiresAt)
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) (uint64, error) {
	query :=
		`UPDATE accounts
		    SET password_hash = $2,
		        generation = generation + 1,
		        reset_token_hash = NULL,
		        reset_expires_at = NULL,
		        updated_at = $3
		  WHERE id = $1
		  RETURNING generation`

	return s.returningGeneration(ctx, query, id, passwordHash, at)
}

func (s *Store) ConsumeResetToken(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (uint64, error) {
	if tokenHash == "" {
		return 0, failure.ErrInvalidOrExpiredResetToken
	}
	query :=
		`UPDATE accounts
		    SET password_hash = $3,
		        generation = generation + 1,
		        reset_token_hash = NULL,
		        reset_expires_at = NULL,
		        updated_at = $4
		  WHERE id = $1 AND reset_token_hash = $2 AND reset_expires_at > $4
		  RETURNING generation`

	gen, err := s.returningGeneration(ctx, query, id, tokenHash, passwordHash, now)
	if errors.Is(err, failure.ErrAccountNotFound) {
		return 0, failure.ErrInvalidOrExpiredResetToken
	}
	return gen, err
}

func (s *Store) IncrementGeneration(ctx context.Context, id string) (uint64, error) {
	return s.returningGeneration(ctx,
		`UPDATE accounts SET generation = generation + 1, updated_at = now() WHERE id = $1 RETURNING generation`, id)
}

func (s *Store) returningGeneration(ctx context.Context, query string, args ...any) (uint64, error) {
	var gen int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&gen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, failure.ErrAccountNotFound
		}
		return 0, failure.Unavailable(err)
	}
	return uint64(gen), nil
}

func (s *Store) AddFavorite(ctx context.Context, id, productID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO account_favorites (account_id, product_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		id, productID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return failure.ErrAccountNotFound
		}
		return failure.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return failure.Unavailable(err)
	}
	if n == 0 {
		return failure.ErrAlreadyFavorited
	}
	return nil
}

func (s *Store) RemoveFavorite(ctx context.Context, id, productID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM account_favorites WHERE account_id = $1 AND product_id = $2`, id, productID)
	if err != nil {
		return failure.Unavailable(err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return failure.Unavailable(err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return failure.Unavailable(err)
	}
	if n == 0 {
		return failure.ErrAccountNotFound
	}
	return nil
}
