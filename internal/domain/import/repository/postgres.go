package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FACorreiaa/statement-importer/pkg/money"
)

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const expenseColumns = `id, fingerprint, source, source_transaction_id, date, amount_minor, currency,
	vendor, category, status, transaction_type, raw_text, source_file_checksum,
	is_duplicate, duplicate_of, created_at, updated_at`

const jobColumns = `job_id, status, source, file_name, source_file_checksum,
	created_count, skipped_count, updated_count, duplicate_count, errors, started_at, finished_at`

// PostgresRepository stores expenses and jobs in PostgreSQL.
//
// The atomic upsert relies on row locks under READ COMMITTED: the existence
// check is a SELECT ... FOR UPDATE and the insert is guarded by
// ON CONFLICT DO NOTHING, so a caller that loses an insert race sees zero
// affected rows and re-reads the winner's row.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a repository over a pgx pool (or a pgxmock pool in tests).
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetExpense(ctx context.Context, id string) (*CanonicalExpense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`
	e, err := scanExpense(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get expense: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) ListExpenses(ctx context.Context, filter ExpenseFilter) ([]*CanonicalExpense, error) {
	query, args := buildExpenseQuery(filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*CanonicalExpense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expenses: %w", err)
	}
	return expenses, nil
}

func buildExpenseQuery(f ExpenseFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.VendorPrefix != "" {
		add("vendor LIKE $%d", escapeLike(f.VendorPrefix)+"%")
	}
	if f.DateFrom != "" {
		add("date >= $%d", f.DateFrom)
	}
	if f.DateTo != "" {
		add("date <= $%d", f.DateTo)
	}
	if f.ExcludeDuplicates {
		where = append(where, "NOT is_duplicate")
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + expenseColumns + ` FROM expenses`)
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY date DESC, created_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *PostgresRepository) CreateImportJob(ctx context.Context, job *ImportJob) error {
	query := `
		INSERT INTO import_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("failed to create import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.JobID)
	}
	return nil
}

// SaveImportJob upserts the job. The conflict branch only fires while the
// stored row is still open, so a reaped or finished job stays as it is.
func (r *PostgresRepository) SaveImportJob(ctx context.Context, job *ImportJob) error {
	query := `
		INSERT INTO import_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			created_count = EXCLUDED.created_count,
			skipped_count = EXCLUDED.skipped_count,
			updated_count = EXCLUDED.updated_count,
			duplicate_count = EXCLUDED.duplicate_count,
			errors = EXCLUDED.errors,
			finished_at = EXCLUDED.finished_at
		WHERE import_jobs.status NOT IN ('completed', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("failed to save import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrJobClosed, job.JobID)
	}
	return nil
}

func jobArgs(job *ImportJob) []any {
	errs := job.Errors
	if errs == nil {
		errs = []string{}
	}
	return []any{
		job.JobID, string(job.Status), job.Source, job.FileName, job.SourceFileChecksum,
		job.Created, job.Skipped, job.Updated, job.Duplicates, errs,
		job.StartedAt, job.FinishedAt,
	}
}

func (r *PostgresRepository) GetImportJob(ctx context.Context, jobID string) (*ImportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE job_id = $1`
	job, err := scanJob(r.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get import job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) ListImportJobs(ctx context.Context, filter JobFilter) ([]*ImportJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Checksum != "" {
		args = append(args, filter.Checksum)
		where = append(where, fmt.Sprintf("source_file_checksum = $%d", len(args)))
	}
	if !filter.StartedBefore.IsZero() {
		args = append(args, filter.StartedBefore)
		where = append(where, fmt.Sprintf("started_at < $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM import_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import jobs: %w", err)
	}
	return jobs, nil
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetExpenseForUpdate(ctx context.Context, id string) (*CanonicalExpense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1 FOR UPDATE`
	e, err := scanExpense(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock expense: %w", err)
	}
	return e, nil
}

func (t *pgTx) InsertExpense(ctx context.Context, e *CanonicalExpense) (bool, error) {
	raw, err := json.Marshal(e.RawText)
	if err != nil {
		return false, fmt.Errorf("failed to encode raw text: %w", err)
	}

	query := `
		INSERT INTO expenses (` + expenseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := t.tx.Exec(ctx, query,
		e.ID, e.Fingerprint, e.Source, e.SourceTransactionID, e.Date,
		money.ToMinor(e.Amount, e.Currency), e.Currency, e.Vendor, e.Category,
		string(e.Status), e.TransactionType, raw, e.SourceFileChecksum,
		e.IsDuplicate, e.DuplicateOf, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert expense: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateExpense(ctx context.Context, e *CanonicalExpense) error {
	raw, err := json.Marshal(e.RawText)
	if err != nil {
		return fmt.Errorf("failed to encode raw text: %w", err)
	}

	query := `
		UPDATE expenses SET
			fingerprint = $2,
			source = $3,
			source_transaction_id = $4,
			date = $5,
			amount_minor = $6,
			currency = $7,
			vendor = $8,
			category = $9,
			status = $10,
			transaction_type = $11,
			raw_text = $12,
			source_file_checksum = $13,
			updated_at = $14
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query,
		e.ID, e.Fingerprint, e.Source, e.SourceTransactionID, e.Date,
		money.ToMinor(e.Amount, e.Currency), e.Currency, e.Vendor, e.Category,
		string(e.Status), e.TransactionType, raw, e.SourceFileChecksum, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LockOpenJob takes a share lock on the job row. The reaper's update needs
// an exclusive lock, so it waits for in-flight row writes and they see its
// result afterwards.
func (t *pgTx) LockOpenJob(ctx context.Context, jobID string) error {
	var status string
	err := t.tx.QueryRow(ctx, `SELECT status FROM import_jobs WHERE job_id = $1 FOR SHARE`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("import job %s: %w", jobID, ErrNotFound)
		}
		return fmt.Errorf("failed to lock import job: %w", err)
	}
	if JobStatus(status).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, status)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(row scanner) (*CanonicalExpense, error) {
	var (
		e           CanonicalExpense
		amountMinor int64
		status      string
		raw         []byte
	)
	err := row.Scan(
		&e.ID, &e.Fingerprint, &e.Source, &e.SourceTransactionID, &e.Date,
		&amountMinor, &e.Currency, &e.Vendor, &e.Category, &status,
		&e.TransactionType, &raw, &e.SourceFileChecksum,
		&e.IsDuplicate, &e.DuplicateOf, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount = money.FromMinor(amountMinor, e.Currency)
	e.Status = ExpenseStatus(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.RawText); err != nil {
			return nil, fmt.Errorf("failed to decode raw text: %w", err)
		}
	}
	return &e, nil
}

func scanJob(row scanner) (*ImportJob, error) {
	var (
		job    ImportJob
		status string
	)
	err := row.Scan(
		&job.JobID, &status, &job.Source, &job.FileName, &job.SourceFileChecksum,
		&job.Created, &job.Skipped, &job.Updated, &job.Duplicates, &job.Errors,
		&job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	return &job, nil
}
