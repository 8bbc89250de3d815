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
// SyncRunAdapter - 동기화 감사 기록
// =============================================================================

type SyncRunAdapter struct {
	db *sqlx.DB
}

func NewSyncRunAdapter(db *sqlx.DB) *SyncRunAdapter {
	return &SyncRunAdapter{db: db}
}

type syncRunRow struct {
	ID                string         `db:"id"`
	AccountID         string         `db:"account_id"`
	Mode              string         `db:"mode"`
	StartedAt         int64          `db:"started_at"`
	CompletedAt       sql.NullInt64  `db:"completed_at"`
	MessagesProcessed int            `db:"messages_processed"`
	Status            string         `db:"status"`
	Error             sql.NullString `db:"error"`
}

func (r *syncRunRow) toDomain() *domain.SyncRun {
	return &domain.SyncRun{
		ID:                r.ID,
		AccountID:         r.AccountID,
		Mode:              domain.SyncMode(r.Mode),
		StartedAt:         fromMillis(r.StartedAt),
		CompletedAt:       timePtr(r.CompletedAt),
		MessagesProcessed: r.MessagesProcessed,
		Status:            domain.SyncRunStatus(r.Status),
		Error:             stringPtr(r.Error),
	}
}

const syncRunColumns = `id, account_id, mode, started_at, completed_at, messages_processed, status, error`

func (a *SyncRunAdapter) Create(ctx context.Context, run *domain.SyncRun) error {
	query := a.db.Rebind(`INSERT INTO sync_runs (` + syncRunColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := a.db.ExecContext(ctx, query,
		run.ID, run.AccountID, string(run.Mode), toMillis(run.StartedAt), nullMillis(run.CompletedAt),
		run.MessagesProcessed, string(run.Status), nullString(run.Error),
	)
	if err != nil {
		return apperr.PersistenceFailed("create sync run", err)
	}
	return nil
}

// Finalize only moves a running run to its terminal state; a second call changes nothing.
func (a *SyncRunAdapter) Finalize(ctx context.Context, run *domain.SyncRun) (bool, error) {
	query := a.db.Rebind(`UPDATE sync_runs SET mode = ?, status = ?, completed_at = ?, messages_processed = ?, error = ?
		WHERE id = ? AND status = ?`)
	res, err := a.db.ExecContext(ctx, query,
		string(run.Mode), string(run.Status), nullMillis(run.CompletedAt), run.MessagesProcessed, nullString(run.Error),
		run.ID, string(domain.SyncRunRunning),
	)
	if err != nil {
		return false, apperr.PersistenceFailed("finalize sync run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.PersistenceFailed("finalize sync run", err)
	}
	return n == 1, nil
}

func (a *SyncRunAdapter) GetByID(ctx context.Context, id string) (*domain.SyncRun, error) {
	var row syncRunRow
	if err := a.db.GetContext(ctx, &row, a.db.Rebind(`SELECT `+syncRunColumns+` FROM sync_runs WHERE id = ?`), id); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("sync run " + id)
		}
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return row.toDomain(), nil
}

func (a *SyncRunAdapter) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []syncRunRow
	query := a.db.Rebind(`SELECT ` + syncRunColumns + ` FROM sync_runs WHERE account_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`)
	if err := a.db.SelectContext(ctx, &rows, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	runs := make([]*domain.SyncRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toDomain())
	}
	return runs, nil
}

// FailStaleRunning closes runs orphaned by a crash.
func (a *SyncRunAdapter) FailStaleRunning(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	query := a.db.Rebind(`UPDATE sync_runs SET status = ?, completed_at = ?, error = ?
		WHERE status = ? AND started_at < ?`)
	res, err := a.db.ExecContext(ctx, query,
		string(domain.SyncRunFailed), nowMillis(), reason, string(domain.SyncRunRunning), toMillis(cutoff),
	)
	if err != nil {
		return 0, apperr.PersistenceFailed("fail stale runs", err)
	}
	return res.RowsAffected()
}

var _ out.SyncRunRepository = (*SyncRunAdapter)(nil)
