package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/transfer-ledger/internal/domain"
)

func newStore(t *testing.T) *MemoryStore {
	store, err := NewMemoryStore(nil)
	require.NoError(t, err)
	return store
}

func mustOpen(t *testing.T, store *MemoryStore, userID, balance int64) domain.Account {
	var acct domain.Account
	_, err := store.Update(context.Background(), fmt.Sprintf("open-%d", userID), func(tx Tx) error {
		var oerr error
		acct, oerr = tx.OpenAccount(userID, balance)
		return oerr
	})
	require.NoError(t, err)
	return acct
}

func TestOpenAccountAssignsSequentialIDs(t *testing.T) {
	store := newStore(t)

	a := mustOpen(t, store, 7, 100)
	b := mustOpen(t, store, 8, 200)
	c := mustOpen(t, store, 9, 0)

	assert.Equal(t, int64(1), a.AccountID)
	assert.Equal(t, int64(2), b.AccountID)
	assert.Equal(t, int64(3), c.AccountID)

	err := store.View(context.Background(), func(tx Tx) error {
		acct, verr := tx.AccountByUser(8)
		require.NoError(t, verr)
		assert.Equal(t, b.AccountID, acct.AccountID)
		assert.Equal(t, int64(200), acct.Balance)
		return nil
	})
	require.NoError(t, err)
}

// A failed unit of work leaves no partial state behind, even when some
// mutations were already staged.
func TestUpdateIsAtomic(t *testing.T) {
	store := newStore(t)
	a := mustOpen(t, store, 1, 1000)
	b := mustOpen(t, store, 2, 0)

	sentinel := errors.New("boom")
	events, err := store.Update(context.Background(), "cmd-1", func(tx Tx) error {
		require.NoError(t, tx.AdjustBalance(a.AccountID, -500))
		require.NoError(t, tx.AdjustBalance(b.AccountID, 500))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Nil(t, events)

	err = store.View(context.Background(), func(tx Tx) error {
		acct, verr := tx.Account(a.AccountID)
		require.NoError(t, verr)
		assert.Equal(t, int64(1000), acct.Balance)
		acct, verr = tx.Account(b.AccountID)
		require.NoError(t, verr)
		assert.Equal(t, int64(0), acct.Balance)
		return nil
	})
	require.NoError(t, err)

	// The command id of a failed operation is not marked as seen
	_, err = store.Update(context.Background(), "cmd-1", func(tx Tx) error {
		seen, serr := tx.Seen()
		require.NoError(t, serr)
		assert.False(t, seen)
		return nil
	})
	require.NoError(t, err)
}

// Staged mutations are visible to later reads inside the same unit of work.
func TestReadYourWrites(t *testing.T) {
	store := newStore(t)

	_, err := store.Update(context.Background(), "cmd-1", func(tx Tx) error {
		acct, oerr := tx.OpenAccount(1, 1000)
		require.NoError(t, oerr)

		require.NoError(t, tx.AdjustBalance(acct.AccountID, -400))

		read, rerr := tx.Account(acct.AccountID)
		require.NoError(t, rerr)
		assert.Equal(t, int64(600), read.Balance)

		byUser, uerr := tx.AccountByUser(1)
		require.NoError(t, uerr)
		assert.Equal(t, int64(600), byUser.Balance)
		return nil
	})
	require.NoError(t, err)
}

func TestAdjustBalanceNeverGoesNegative(t *testing.T) {
	store := newStore(t)
	a := mustOpen(t, store, 1, 100)

	_, err := store.Update(context.Background(), "cmd-1", func(tx Tx) error {
		return tx.AdjustBalance(a.AccountID, -101)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Draining to exactly zero is allowed
	_, err = store.Update(context.Background(), "cmd-2", func(tx Tx) error {
		return tx.AdjustBalance(a.AccountID, -100)
	})
	require.NoError(t, err)

	err = store.View(context.Background(), func(tx Tx) error {
		acct, verr := tx.Account(a.AccountID)
		require.NoError(t, verr)
		assert.Equal(t, int64(0), acct.Balance)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateTransferValidation(t *testing.T) {
	store := newStore(t)
	a := mustOpen(t, store, 1, 100)
	b := mustOpen(t, store, 2, 100)

	tests := []struct {
		name    string
		from    int64
		to      int64
		amount  int64
		wantErr error
	}{
		{"zero amount", a.AccountID, b.AccountID, 0, domain.ErrInvalidAmount},
		{"negative amount", a.AccountID, b.AccountID, -5, domain.ErrInvalidAmount},
		{"same account", a.AccountID, a.AccountID, 10, domain.ErrSameAccount},
		{"missing from", 99, b.AccountID, 10, domain.ErrNotFound},
		{"missing to", a.AccountID, 99, 10, domain.ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Update(context.Background(), "cmd-"+tc.name, func(tx Tx) error {
				_, cerr := tx.CreateTransfer(domain.TransferTypeSend, domain.TransferStatusApproved,
					tc.from, tc.to, tc.amount)
				return cerr
			})
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestSetStatusTransitions(t *testing.T) {
	store := newStore(t)
	a := mustOpen(t, store, 1, 100)
	b := mustOpen(t, store, 2, 100)

	var pending domain.Transfer
	_, err := store.Update(context.Background(), "cmd-1", func(tx Tx) error {
		var cerr error
		pending, cerr = tx.CreateTransfer(domain.TransferTypeRequest, domain.TransferStatusPending,
			a.AccountID, b.AccountID, 50)
		return cerr
	})
	require.NoError(t, err)

	// Pending is not a valid target status
	_, err = store.Update(context.Background(), "cmd-2", func(tx Tx) error {
		return tx.SetStatus(pending.TransferID, domain.TransferStatusPending)
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = store.Update(context.Background(), "cmd-3", func(tx Tx) error {
		return tx.SetStatus(pending.TransferID, domain.TransferStatusRejected)
	})
	require.NoError(t, err)

	// A terminal row cannot move again
	_, err = store.Update(context.Background(), "cmd-4", func(tx Tx) error {
		return tx.SetStatus(pending.TransferID, domain.TransferStatusApproved)
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = store.View(context.Background(), func(tx Tx) error {
		row, verr := tx.Transfer(pending.TransferID)
		require.NoError(t, verr)
		assert.Equal(t, domain.TransferStatusRejected, row.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestListByAccount(t *testing.T) {
	store := newStore(t)
	a := mustOpen(t, store, 1, 1000)
	b := mustOpen(t, store, 2, 1000)
	c := mustOpen(t, store, 3, 1000)

	create := func(commandID, transferType, status string, from, to, amount int64) int64 {
		var id int64
		_, err := store.Update(context.Background(), commandID, func(tx Tx) error {
			row, cerr := tx.CreateTransfer(transferType, status, from, to, amount)
			id = row.TransferID
			return cerr
		})
		require.NoError(t, err)
		return id
	}

	t1 := create("cmd-1", domain.TransferTypeSend, domain.TransferStatusApproved, a.AccountID, b.AccountID, 10)
	t2 := create("cmd-2", domain.TransferTypeRequest, domain.TransferStatusPending, a.AccountID, c.AccountID, 20)
	create("cmd-3", domain.TransferTypeSend, domain.TransferStatusApproved, b.AccountID, c.AccountID, 30)
	t4 := create("cmd-4", domain.TransferTypeRequest, domain.TransferStatusPending, c.AccountID, a.AccountID, 40)

	err := store.View(context.Background(), func(tx Tx) error {
		// Insertion order, both directions
		rows, lerr := tx.ListByAccount(a.AccountID)
		require.NoError(t, lerr)
		require.Len(t, rows, 3)
		assert.Equal(t, t1, rows[0].TransferID)
		assert.Equal(t, t2, rows[1].TransferID)
		assert.Equal(t, t4, rows[2].TransferID)

		pending, perr := tx.ListPendingByAccount(a.AccountID)
		require.NoError(t, perr)
		require.Len(t, pending, 2)
		assert.Equal(t, t2, pending[0].TransferID)
		assert.Equal(t, t4, pending[1].TransferID)
		return nil
	})
	require.NoError(t, err)
}

func TestViewRejectsMutations(t *testing.T) {
	store := newStore(t)
	a := mustOpen(t, store, 1, 100)

	err := store.View(context.Background(), func(tx Tx) error {
		return tx.AdjustBalance(a.AccountID, 50)
	})
	require.Error(t, err)

	err = store.View(context.Background(), func(tx Tx) error {
		_, oerr := tx.OpenAccount(2, 100)
		return oerr
	})
	require.Error(t, err)
}

func TestSeenMarksCommittedCommands(t *testing.T) {
	store := newStore(t)
	mustOpen(t, store, 1, 100)

	_, err := store.Update(context.Background(), "open-1", func(tx Tx) error {
		seen, serr := tx.Seen()
		require.NoError(t, serr)
		assert.True(t, seen)
		return nil
	})
	require.NoError(t, err)

	// An operation that emits no events is not recorded
	_, err = store.Update(context.Background(), "noop", func(tx Tx) error { return nil })
	require.NoError(t, err)
	_, err = store.Update(context.Background(), "noop", func(tx Tx) error {
		seen, serr := tx.Seen()
		require.NoError(t, serr)
		assert.False(t, seen)
		return nil
	})
	require.NoError(t, err)
}
