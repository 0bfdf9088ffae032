package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nathanyu/transfer-ledger/internal/domain"
	"github.com/nathanyu/transfer-ledger/internal/journal"
	"github.com/nathanyu/transfer-ledger/internal/telemetry"
)

var errReadOnly = errors.New("read-only unit of work")

// MemoryStore keeps the full ledger state in memory behind a single lock and
// persists every commit to a write-ahead journal. A unit of work stages its
// events while holding the lock; the batch is journaled first and applied to
// state only after the journal sync succeeds, so a crash at any point leaves
// either the pre-operation or the post-operation state.
type MemoryStore struct {
	mu sync.RWMutex

	accounts      map[int64]*domain.Account
	accountByUser map[int64]int64
	transfers     map[int64]*domain.Transfer
	order         []int64
	seen          map[string]bool

	nextAccountID  int64
	nextTransferID int64

	journal *journal.Journal
}

// NewMemoryStore builds a store on top of the given journal and replays it
// to rebuild state. A nil journal gives a volatile store (used in tests).
func NewMemoryStore(j *journal.Journal) (*MemoryStore, error) {
	s := &MemoryStore{
		accounts:       make(map[int64]*domain.Account),
		accountByUser:  make(map[int64]int64),
		transfers:      make(map[int64]*domain.Transfer),
		seen:           make(map[string]bool),
		nextAccountID:  1,
		nextTransferID: 1,
		journal:        j,
	}

	if j != nil {
		events, err := j.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to replay journal: %w", err)
		}
		for _, event := range events {
			s.apply(event)
		}
	}

	return s, nil
}

// Update implements Store. The store lock covers the full
// read-check-mutate-commit sequence, so two operations touching the same
// account can never both pass a stale balance check.
func (s *MemoryStore) Update(_ context.Context, commandID string, fn func(tx Tx) error) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, commandID: commandID}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if len(tx.events) == 0 {
		return nil, nil
	}

	if s.journal != nil {
		start := time.Now()
		if err := s.journal.AppendBatch(tx.events); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		telemetry.JournalWriteDuration.Observe(time.Since(start).Seconds())
	}

	for _, event := range tx.events {
		s.apply(event)
	}
	return tx.events, nil
}

// View implements Store for read-only access.
func (s *MemoryStore) View(_ context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memTx{store: s, readOnly: true})
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// apply updates committed state from a single event.
// Not thread-safe; caller must hold the lock.
func (s *MemoryStore) apply(event domain.Event) {
	switch ev := event.(type) {
	case domain.AccountOpened:
		s.accounts[ev.AccountID] = &domain.Account{
			AccountID: ev.AccountID,
			UserID:    ev.UserID,
			Balance:   ev.Balance,
		}
		s.accountByUser[ev.UserID] = ev.AccountID
		if ev.AccountID >= s.nextAccountID {
			s.nextAccountID = ev.AccountID + 1
		}
	case domain.MoneyDeducted:
		if acct, ok := s.accounts[ev.AccountID]; ok {
			acct.Balance -= ev.Amount
		}
	case domain.MoneyCredited:
		if acct, ok := s.accounts[ev.AccountID]; ok {
			acct.Balance += ev.Amount
		}
	case domain.TransferCreated:
		s.transfers[ev.TransferID] = &domain.Transfer{
			TransferID:    ev.TransferID,
			Type:          ev.TransferType,
			Status:        ev.Status,
			FromAccountID: ev.FromAccountID,
			ToAccountID:   ev.ToAccountID,
			Amount:        ev.Amount,
			CreatedAt:     ev.CreatedAt,
		}
		s.order = append(s.order, ev.TransferID)
		if ev.TransferID >= s.nextTransferID {
			s.nextTransferID = ev.TransferID + 1
		}
	case domain.TransferResolved:
		if t, ok := s.transfers[ev.TransferID]; ok {
			t.Status = ev.Status
		}
	}
	if id := event.GetCommandID(); id != "" {
		s.seen[id] = true
	}
}

// memTx is a unit of work against a MemoryStore. Mutations are staged as
// events with read-your-writes visibility and nothing touches committed
// state until the batch is journaled.
type memTx struct {
	store     *MemoryStore
	commandID string
	readOnly  bool

	events   []domain.Event
	deltas   map[int64]int64
	opened   []*domain.Account
	created  []*domain.Transfer
	statuses map[int64]string
}

func (tx *memTx) Account(accountID int64) (domain.Account, error) {
	var acct domain.Account
	if committed, ok := tx.store.accounts[accountID]; ok {
		acct = *committed
	} else {
		found := false
		for _, staged := range tx.opened {
			if staged.AccountID == accountID {
				acct = *staged
				found = true
				break
			}
		}
		if !found {
			return domain.Account{}, fmt.Errorf("account %d: %w", accountID, domain.ErrNotFound)
		}
	}
	acct.Balance += tx.deltas[accountID]
	return acct, nil
}

func (tx *memTx) AccountByUser(userID int64) (domain.Account, error) {
	if accountID, ok := tx.store.accountByUser[userID]; ok {
		return tx.Account(accountID)
	}
	for _, staged := range tx.opened {
		if staged.UserID == userID {
			return tx.Account(staged.AccountID)
		}
	}
	return domain.Account{}, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
}

func (tx *memTx) OpenAccount(userID, initialBalance int64) (domain.Account, error) {
	if tx.readOnly {
		return domain.Account{}, errReadOnly
	}
	if initialBalance < 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}
	if _, err := tx.AccountByUser(userID); err == nil {
		return domain.Account{}, domain.ErrAccountExists
	}

	acct := &domain.Account{
		AccountID: tx.store.nextAccountID + int64(len(tx.opened)),
		UserID:    userID,
		Balance:   initialBalance,
	}
	tx.opened = append(tx.opened, acct)
	tx.emit(domain.AccountOpened{
		CommandID: tx.commandID,
		AccountID: acct.AccountID,
		UserID:    userID,
		Balance:   initialBalance,
	})
	return *acct, nil
}

func (tx *memTx) AdjustBalance(accountID, delta int64) error {
	if tx.readOnly {
		return errReadOnly
	}
	acct, err := tx.Account(accountID)
	if err != nil {
		return err
	}
	if acct.Balance+delta < 0 {
		return domain.ErrInsufficientFunds
	}

	if tx.deltas == nil {
		tx.deltas = make(map[int64]int64)
	}
	tx.deltas[accountID] += delta

	if delta < 0 {
		tx.emit(domain.MoneyDeducted{CommandID: tx.commandID, AccountID: accountID, Amount: -delta})
	} else {
		tx.emit(domain.MoneyCredited{CommandID: tx.commandID, AccountID: accountID, Amount: delta})
	}
	return nil
}

func (tx *memTx) CreateTransfer(transferType, status string, fromID, toID, amount int64) (domain.Transfer, error) {
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

	t := &domain.Transfer{
		TransferID:    tx.store.nextTransferID + int64(len(tx.created)),
		Type:          transferType,
		Status:        status,
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	}
	tx.created = append(tx.created, t)
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
	return *t, nil
}

func (tx *memTx) Transfer(transferID int64) (domain.Transfer, error) {
	var t domain.Transfer
	if committed, ok := tx.store.transfers[transferID]; ok {
		t = *committed
	} else {
		found := false
		for _, staged := range tx.created {
			if staged.TransferID == transferID {
				t = *staged
				found = true
				break
			}
		}
		if !found {
			return domain.Transfer{}, fmt.Errorf("transfer %d: %w", transferID, domain.ErrNotFound)
		}
	}
	if status, ok := tx.statuses[transferID]; ok {
		t.Status = status
	}
	return t, nil
}

func (tx *memTx) SetStatus(transferID int64, status string) error {
	if tx.readOnly {
		return errReadOnly
	}
	if status != domain.TransferStatusApproved && status != domain.TransferStatusRejected {
		return domain.ErrInvalidTransition
	}
	t, err := tx.Transfer(transferID)
	if err != nil {
		return err
	}
	if t.Status != domain.TransferStatusPending {
		return domain.ErrInvalidTransition
	}

	if tx.statuses == nil {
		tx.statuses = make(map[int64]string)
	}
	tx.statuses[transferID] = status
	tx.emit(domain.TransferResolved{
		CommandID:  tx.commandID,
		TransferID: transferID,
		Status:     status,
	})
	return nil
}

func (tx *memTx) ListByAccount(accountID int64) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, id := range tx.store.order {
		t := tx.store.transfers[id]
		if t.FromAccountID == accountID || t.ToAccountID == accountID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (tx *memTx) ListPendingByAccount(accountID int64) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, id := range tx.store.order {
		t := tx.store.transfers[id]
		if t.Status != domain.TransferStatusPending {
			continue
		}
		if t.FromAccountID == accountID || t.ToAccountID == accountID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (tx *memTx) Seen() (bool, error) {
	return tx.store.seen[tx.commandID], nil
}

func (tx *memTx) emit(event domain.Event) {
	tx.events = append(tx.events, event)
}
