package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/apperr"
)

// =============================================================================
// AccountAdapter
// =============================================================================

type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

type accountRow struct {
	ID          string        `db:"id"`
	Email       string        `db:"email"`
	Credentials string        `db:"credentials"`
	Checkpoint  string        `db:"checkpoint"`
	LastSyncAt  sql.NullInt64 `db:"last_sync_at"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

func (r *accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:          r.ID,
		Email:       r.Email,
		Credentials: r.Credentials,
		Checkpoint:  r.Checkpoint,
		LastSyncAt:  timePtr(r.LastSyncAt),
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

const accountColumns = `id, email, credentials, checkpoint, last_sync_at, created_at, updated_at`

func (a *AccountAdapter) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	var row accountRow
	query := a.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`)
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("account " + id)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return row.toDomain(), nil
}

func (a *AccountAdapter) List(ctx context.Context) ([]*domain.Account, error) {
	var rows []accountRow
	if err := a.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toDomain())
	}
	return accounts, nil
}

func (a *AccountAdapter) Create(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := a.db.Rebind(`INSERT INTO accounts (` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := a.db.ExecContext(ctx, query,
		account.ID, account.Email, account.Credentials, account.Checkpoint,
		nullMillis(account.LastSyncAt), toMillis(account.CreatedAt), toMillis(account.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// Delete removes the account; every dependent row cascades.
func (a *AccountAdapter) Delete(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, a.db.Rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("account " + id)
	}
	return nil
}

func (a *AccountAdapter) UpdateCredentials(ctx context.Context, id, credentials string) error {
	query := a.db.Rebind(`UPDATE accounts SET credentials = ?, updated_at = ? WHERE id = ?`)
	if _, err := a.db.ExecContext(ctx, query, credentials, nowMillis(), id); err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	return nil
}

// AdvanceCheckpoint stamps last_sync_at and moves the checkpoint forward only.
// The write is a compare-and-set on the value read, retried when another run got there first.
func (a *AccountAdapter) AdvanceCheckpoint(ctx context.Context, id, checkpoint string, syncedAt time.Time) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var current string
		if err := a.db.GetContext(ctx, &current, a.db.Rebind(`SELECT checkpoint FROM accounts WHERE id = ?`), id); err != nil {
			if isNoRows(err) {
				return false, apperr.NotFound("account " + id)
			}
			return false, fmt.Errorf("read checkpoint: %w", err)
		}

		if !domain.CheckpointAdvances(current, checkpoint) {
			query := a.db.Rebind(`UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?`)
			if _, err := a.db.ExecContext(ctx, query, toMillis(syncedAt), nowMillis(), id); err != nil {
				return false, fmt.Errorf("stamp last sync: %w", err)
			}
			return false, nil
		}

		query := a.db.Rebind(`UPDATE accounts SET checkpoint = ?, last_sync_at = ?, updated_at = ? WHERE id = ? AND checkpoint = ?`)
		res, err := a.db.ExecContext(ctx, query, checkpoint, toMillis(syncedAt), nowMillis(), id, current)
		if err != nil {
			return false, fmt.Errorf("advance checkpoint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil
		}
	}
	return false, fmt.Errorf("advance checkpoint: concurrent updates on account %s", id)
}

// ReplaceCheckpoint is the recovery path after a full resync: the rejected cursor may
// compare higher than the fresh one, so AdvanceCheckpoint alone would keep it forever.
func (a *AccountAdapter) ReplaceCheckpoint(ctx context.Context, id, rejected, checkpoint string, syncedAt time.Time) (bool, error) {
	if checkpoint == "" {
		return false, nil
	}
	query := a.db.Rebind(`UPDATE accounts SET checkpoint = ?, last_sync_at = ?, updated_at = ? WHERE id = ? AND checkpoint = ?`)
	res, err := a.db.ExecContext(ctx, query, checkpoint, toMillis(syncedAt), nowMillis(), id, rejected)
	if err != nil {
		return false, fmt.Errorf("replace checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replace checkpoint: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	// another run already moved past the rejected value
	return a.AdvanceCheckpoint(ctx, id, checkpoint, syncedAt)
}

var _ out.AccountRepository = (*AccountAdapter)(nil)
