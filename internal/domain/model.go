package domain

import "time"

// Account holds the balance for a single user. Every user has exactly one
// account and the balance is kept in cents to avoid floating point issues.
type Account struct {
	AccountID int64 `json:"account_id"`
	UserID    int64 `json:"user_id"`
	Balance   int64 `json:"balance"`
}

// TransferType constants
const (
	TransferTypeSend    = "Send"
	TransferTypeRequest = "Request"
)

// TransferStatus constants
const (
	TransferStatusPending  = "Pending"
	TransferStatusApproved = "Approved"
	TransferStatusRejected = "Rejected"
)

// Transfer is one row of the append-only transfer ledger. A Send is created
// Approved with its balance effects already applied; a Request is created
// Pending and moves exactly once to Approved or Rejected.
type Transfer struct {
	TransferID    int64     `json:"transfer_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	FromAccountID int64     `json:"from_account_id"`
	ToAccountID   int64     `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// Terminal reports whether the transfer can no longer change status.
func (t Transfer) Terminal() bool {
	return t.Status != TransferStatusPending
}
