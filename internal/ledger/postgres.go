package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/transfer-ledger/internal/domain"
)

var pgTracer = otel.Tracer("postgres")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL UNIQUE,
	balance    BIGINT NOT NULL CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS transfers (
	transfer_id     BIGSERIAL PRIMARY KEY,
	transfer_type   TEXT   NOT NULL,
	status          TEXT   NOT NULL,
	from_account_id BIGINT NOT NULL REFERENCES accounts (account_id),
	to_account_id   BIGINT NOT NULL REFERENCES accounts (account_id),
	amount          BIGINT NOT NULL CHECK (amount > 0),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (from_account_id <> to_account_id)
);

CREATE TABLE IF NOT EXISTS commands (
	command_id   TEXT PRIMARY KEY,
	committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store on a relational database. Each unit of work
// is one SQL transaction; the balance check and mutation are a single
// conditional UPDATE, so the database serializes concurrent operations on
// the same account and a mid-operation crash rolls back cleanly.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, commandID string, fn func(tx Tx) error) ([]domain.Event, error) {
	ctx, span := pgTracer.Start(ctx, "postgres.Update",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("command_id", commandID),
		),
	)
	defer span.End()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to begin transaction")
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer sqlTx.Rollback()

	tx := &pgTx{ctx: ctx, tx: sqlTx, commandID: commandID}
	if err := fn(tx); err != nil {
		span.SetAttributes(attribute.String("failure_kind", domain.ErrorKind(err)))
		return nil, err
	}
	if len(tx.events) == 0 {
		span.SetStatus(codes.Ok, "")
		return nil, nil
	}

	if _, err := sqlTx.ExecContext(ctx,
		`INSERT INTO commands (command_id) VALUES ($1) ON CONFLICT (command_id) DO NOTHING`,
		commandID,
	); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := sqlTx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("events_count", len(tx.events)))
	return tx.events, nil
}

// View implements Store.
func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer sqlTx.Rollback()

	return fn(&pgTx{ctx: ctx, tx: sqlTx, readOnly: true})
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgTx struct {
	ctx       context.Context
	tx        *sql.Tx
	commandID string
	readOnly  bool
	events    []domain.Event
}

// Account and AccountByUser read without row locks. Locks on account rows
// are taken only by the conditional UPDATE in AdjustBalance, which callers
// issue in ascending account id order; lock-free lookups keep opposing
// transfers that resolve their accounts in opposite order from deadlocking.
func (tx *pgTx) Account(accountID int64) (domain.Account, error) {
	return tx.scanAccount(tx.tx.QueryRowContext(tx.ctx,
		`SELECT account_id, user_id, balance FROM accounts WHERE account_id = $1`, accountID))
}

func (tx *pgTx) AccountByUser(userID int64) (domain.Account, error) {
	return tx.scanAccount(tx.tx.QueryRowContext(tx.ctx,
		`SELECT account_id, user_id, balance FROM accounts WHERE user_id = $1`, userID))
}

func (tx *pgTx) scanAccount(row *sql.Row) (domain.Account, error) {
	var acct domain.Account
	err := row.Scan(&acct.AccountID, &acct.UserID, &acct.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return acct, nil
}

func (tx *pgTx) OpenAccount(userID, initialBalance int64) (domain.Account, error) {
	if tx.readOnly {
		return domain.Account{}, errReadOnly
	}
	if initialBalance < 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}

	var accountID int64
	err := tx.tx.QueryRowContext(tx.ctx, `
		INSERT INTO accounts (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING account_id
	`, userID, initialBalance).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountExists
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	tx.emit(domain.AccountOpened{
		CommandID: tx.commandID,
		AccountID: accountID,
		UserID:    userID,
		Balance:   initialBalance,
	})
	return domain.Account{AccountID: accountID, UserID: userID, Balance: initialBalance}, nil
}

func (tx *pgTx) AdjustBalance(accountID, delta int64) error {
	if tx.readOnly {
		return errReadOnly
	}

	// Check and mutation in one statement; the row lock makes concurrent
	// adjustments of the same account serialize inside the database.
	res, err := tx.tx.ExecContext(tx.ctx, `
		UPDATE accounts SET balance = balance + $1
		WHERE account_id = $2 AND balance + $1 >= 0
	`, delta, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if rows == 0 {
		if _, err := tx.Account(accountID); err != nil {
			return err
		}
		return domain.ErrInsufficientFunds
	}

	if delta < 0 {
		tx.emit(domain.MoneyDeducted{CommandID: tx.commandID, AccountID: accountID, Amount: -delta})
	} else {
		tx.emit(domain.MoneyCredited{CommandID: tx.commandID, AccountID: accountID, Amount: delta})
	}
	return nil
}

func (tx *pgTx) CreateTransfer(transferType, status string, fromID, toID, amount int64) (domain.Transfer, error) {
	if tx.readOnly {
		return domain.Transfer{}, errReadOnly
	}
	if amount <= 0 {
		return domain.Transfer{}, domain.ErrInvalidAmount
	}
	if fromID == toID {
		return domain.Transfer{}, domain.ErrSameAccount
	}
	if _, err := tx.Account(fromID); err != nil {
		return domain.Transfer{}, err
	}
	if _, err := tx.Account(toID); err != nil {
		return domain.Transfer{}, err
	}

	var (
		transferID int64
		createdAt  time.Time
	)
	err := tx.tx.QueryRowContext(tx.ctx, `
		INSERT INTO transfers (transfer_type, status, from_account_id, to_account_id, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING transfer_id, created_at
	`, transferType, status, fromID, toID, amount).Scan(&transferID, &createdAt)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	t := domain.Transfer{
		TransferID:    transferID,
		Type:          transferType,
		Status:        status,
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		CreatedAt:     createdAt,
	}
	tx.emit(domain.TransferCreated{
		CommandID:     tx.commandID,
		TransferID:    t.TransferID,
		TransferType:  t.Type,
		Status:        t.Status,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		Amount:        t.Amount,
		CreatedAt:     t.CreatedAt,
	})
	return t, nil
}

func (tx *pgTx) Transfer(transferID int64) (domain.Transfer, error) {
	query := `
		SELECT transfer_id, transfer_type, status, from_account_id, to_account_id, amount, created_at
		FROM transfers WHERE transfer_id = $1`
	if !tx.readOnly {
		query += ` FOR UPDATE`
	}

	var t domain.Transfer
	err := tx.tx.QueryRowContext(tx.ctx, query, transferID).Scan(
		&t.TransferID, &t.Type, &t.Status, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transfer{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return t, nil
}

func (tx *pgTx) SetStatus(transferID int64, status string) error {
	if tx.readOnly {
		return errReadOnly
	}
	if status != domain.TransferStatusApproved && status != domain.TransferStatusRejected {
		return domain.ErrInvalidTransition
	}

	res, err := tx.tx.ExecContext(tx.ctx, `
		UPDATE transfers SET status = $1
		WHERE transfer_id = $2 AND status = $3
	`, status, transferID, domain.TransferStatusPending)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if rows == 0 {
		if _, err := tx.Transfer(transferID); err != nil {
			return err
		}
		return domain.ErrInvalidTransition
	}

	tx.emit(domain.TransferResolved{
		CommandID:  tx.commandID,
		TransferID: transferID,
		Status:     status,
	})
	return nil
}

func (tx *pgTx) listTransfers(query string, accountID int64) ([]domain.Transfer, error) {
	rows, err := tx.tx.QueryContext(tx.ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		if err := rows.Scan(&t.TransferID, &t.Type, &t.Status, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (tx *pgTx) ListByAccount(accountID int64) ([]domain.Transfer, error) {
	return tx.listTransfers(`
		SELECT transfer_id, transfer_type, status, from_account_id, to_account_id, amount, created_at
		FROM transfers
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY transfer_id
	`, accountID)
}

func (tx *pgTx) ListPendingByAccount(accountID int64) ([]domain.Transfer, error) {
	return tx.listTransfers(`
		SELECT transfer_id, transfer_type, status, from_account_id, to_account_id, amount, created_at
		FROM transfers
		WHERE status = 'Pending' AND (from_account_id = $1 OR to_account_id = $1)
		ORDER BY transfer_id
	`, accountID)
}

func (tx *pgTx) Seen() (bool, error) {
	var exists bool
	err := tx.tx.QueryRowContext(tx.ctx,
		`SELECT EXISTS (SELECT 1 FROM commands WHERE command_id = $1)`,
		tx.commandID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return exists, nil
}

func (tx *pgTx) emit(event domain.Event) {
	tx.events = append(tx.events, event)
}
