package ledger

import (
	"context"

	"github.com/nathanyu/transfer-ledger/internal/domain"
)

// Tx is the unit of work handed to an engine operation. All reads and writes
// made through it belong to a single atomic commit: either every mutation is
// applied or none is. Implementations guarantee the balance check and the
// balance mutation cannot interleave with another operation on the same
// account.
type Tx interface {
	// Account store
	Account(accountID int64) (domain.Account, error)
	AccountByUser(userID int64) (domain.Account, error)
	OpenAccount(userID, initialBalance int64) (domain.Account, error)
	// AdjustBalance applies delta to the account balance and fails with
	// domain.ErrInsufficientFunds if the result would be negative.
	AdjustBalance(accountID, delta int64) error

	// Transfer ledger
	CreateTransfer(transferType, status string, fromID, toID, amount int64) (domain.Transfer, error)
	Transfer(transferID int64) (domain.Transfer, error)
	// SetStatus performs the single Pending -> Approved/Rejected transition
	// and fails with domain.ErrInvalidTransition otherwise.
	SetStatus(transferID int64, status string) error
	ListByAccount(accountID int64) ([]domain.Transfer, error)
	ListPendingByAccount(accountID int64) ([]domain.Transfer, error)

	// Seen reports whether the command owning this unit of work has already
	// been committed, so retried commands are not applied twice.
	Seen() (bool, error)
}

// Store is the storage collaborator behind the transfer engine. Update runs
// fn inside an exclusive unit of work identified by commandID and returns
// the events the commit produced; if fn returns an error nothing is applied.
// View runs fn against committed state only.
type Store interface {
	Update(ctx context.Context, commandID string, fn func(tx Tx) error) ([]domain.Event, error)
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
