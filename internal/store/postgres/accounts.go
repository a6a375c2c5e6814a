package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/store"
)

// Accounts persists account sessions in Postgres.
type Accounts struct {
	pool pool
}

// NewAccounts builds an account store backed by the provided pool.
func NewAccounts(pool pool) (*Accounts, error) {
	if pool == nil {
		return nil, stderrors.New("postgres accounts store requires pool")
	}
	return &Accounts{pool: pool}, nil
}

// EnsureSchema creates the accounts tables if needed.
func (s *Accounts) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
    id BIGSERIAL PRIMARY KEY,
    platform TEXT NOT NULL,
    name TEXT NOT NULL,
    cookie_file TEXT NOT NULL DEFAULT '',
    status INTEGER NOT NULL DEFAULT 1,
    last_checked_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    group_id BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (platform, name)
);`,
		`CREATE TABLE IF NOT EXISTS account_groups (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure accounts schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or refreshes the row keyed by (platform, name).
func (s *Accounts) Upsert(ctx context.Context, rec store.AccountRecord) (store.AccountRecord, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO accounts (platform, name, cookie_file, status, last_checked_at, group_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (platform, name) DO UPDATE SET
    cookie_file = EXCLUDED.cookie_file,
    status = EXCLUDED.status,
    last_checked_at = EXCLUDED.last_checked_at,
    group_id = EXCLUDED.group_id,
    updated_at = now()
RETURNING id, created_at, updated_at;
`, string(rec.Platform), rec.Name, rec.CookieFile, int(rec.Status), rec.LastCheckedAt.UTC(), rec.GroupID)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return store.AccountRecord{}, fmt.Errorf("upsert account %s/%s: %w", rec.Platform, rec.Name, err)
	}
	return rec, nil
}

const accountColumns = `id, platform, name, cookie_file, status, last_checked_at, group_id, created_at, updated_at`

// Get returns the account with the given id.
func (s *Accounts) Get(ctx context.Context, id int64) (store.AccountRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1;`, id)
	rec, err := scanAccount(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return store.AccountRecord{}, &errors.NotFoundError{Resource: "account", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return store.AccountRecord{}, fmt.Errorf("get account %d: %w", id, err)
	}
	return rec, nil
}

// GetByName returns the account keyed by (platform, name).
func (s *Accounts) GetByName(ctx context.Context, p platform.Platform, name string) (store.AccountRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE platform = $1 AND name = $2;`, string(p), name)
	rec, err := scanAccount(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return store.AccountRecord{}, &errors.NotFoundError{Resource: "account", Key: string(p) + "/" + name}
	}
	if err != nil {
		return store.AccountRecord{}, fmt.Errorf("get account %s/%s: %w", p, name, err)
	}
	return rec, nil
}

// List returns accounts matching the filter, oldest id first.
func (s *Accounts) List(ctx context.Context, f store.AccountFilter) ([]store.AccountRecord, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE TRUE`
	args := []any{}
	param := 1
	if f.Platform != "" {
		query += fmt.Sprintf(" AND platform = $%d", param)
		args = append(args, string(f.Platform))
		param++
	}
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", param)
		args = append(args, int(*f.Status))
		param++
	}
	if f.GroupID != 0 {
		query += fmt.Sprintf(" AND group_id = $%d", param)
		args = append(args, f.GroupID)
	}
	query += " ORDER BY id;"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []store.AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// SetStatus stores the validation outcome for the account.
func (s *Accounts) SetStatus(ctx context.Context, id int64, status store.AccountStatus, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE accounts SET status = $1, last_checked_at = $2, updated_at = now() WHERE id = $3;
`, int(status), checkedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("set account %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "account", Key: fmt.Sprint(id)}
	}
	return nil
}

// SetCookieFile rotates the account's cookie bundle path.
func (s *Accounts) SetCookieFile(ctx context.Context, id int64, cookieFile string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE accounts SET cookie_file = $1, updated_at = now() WHERE id = $2;
`, cookieFile, id)
	if err != nil {
		return fmt.Errorf("set account %d cookie file: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "account", Key: fmt.Sprint(id)}
	}
	return nil
}

// Delete removes the account row. Deleting an unknown id is a no-op.
func (s *Accounts) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("delete account %d: %w", id, err)
	}
	return nil
}

// Groups lists every account group.
func (s *Accounts) Groups(ctx context.Context) ([]store.GroupRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM account_groups ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []store.GroupRecord
	for rows.Next() {
		var g store.GroupRecord
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return out, nil
}

// SaveGroup inserts or renames a group.
func (s *Accounts) SaveGroup(ctx context.Context, g store.GroupRecord) (store.GroupRecord, error) {
	if g.ID == 0 {
		row := s.pool.QueryRow(ctx, `INSERT INTO account_groups (name) VALUES ($1) RETURNING id;`, g.Name)
		if err := row.Scan(&g.ID); err != nil {
			return store.GroupRecord{}, fmt.Errorf("insert group %q: %w", g.Name, err)
		}
		return g, nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE account_groups SET name = $1 WHERE id = $2;`, g.Name, g.ID); err != nil {
		return store.GroupRecord{}, fmt.Errorf("update group %d: %w", g.ID, err)
	}
	return g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (store.AccountRecord, error) {
	var (
		rec          store.AccountRecord
		platformName string
		status       int
	)
	err := row.Scan(&rec.ID, &platformName, &rec.Name, &rec.CookieFile, &status,
		&rec.LastCheckedAt, &rec.GroupID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return store.AccountRecord{}, err
	}
	rec.Platform = platform.Platform(platformName)
	rec.Status = store.AccountStatus(status)
	return rec, nil
}

var _ store.AccountStore = (*Accounts)(nil)
