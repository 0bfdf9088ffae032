package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/nathanyu/transfer-ledger/internal/directory"
	"github.com/nathanyu/transfer-ledger/internal/domain"
	"github.com/nathanyu/transfer-ledger/internal/journal"
	"github.com/nathanyu/transfer-ledger/internal/ledger"
)

// TransferView is one row of a user-facing history or pending listing. The
// counterpart username is a read-side join against the user directory, not
// ledger state.
type TransferView struct {
	TransferID   int64  `json:"transfer_id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Direction    string `json:"direction"` // "to" or "from" the counterpart
	Counterparty string `json:"counterparty"`
	Amount       int64  `json:"amount"`
}

// Service answers the read-only questions: per-user history and pending
// views straight from the store, and aggregate balance figures from an
// event-fed projection (the store has no way to enumerate every account).
type Service struct {
	store ledger.Store
	dir   directory.Directory

	// Event-fed aggregate projection
	balances      map[int64]int64
	accountToUser map[int64]int64
	mu            sync.RWMutex

	natsConn     *nats.Conn
	subscription *nats.Subscription

	stopOnce sync.Once
}

// NewService creates the query service. natsConn may be nil when events are
// delivered in-process only.
func NewService(store ledger.Store, dir directory.Directory, natsConn *nats.Conn) *Service {
	return &Service{
		store:         store,
		dir:           dir,
		balances:      make(map[int64]int64),
		accountToUser: make(map[int64]int64),
		natsConn:      natsConn,
	}
}

// InitializeFromJournal replays a journal to rebuild the aggregate
// projection after a restart.
func (s *Service) InitializeFromJournal(j *journal.Journal) error {
	events, err := j.LoadAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		s.applyEvent(event)
	}

	slog.Info("query projection initialized", "events", len(events), "accounts", len(s.balances))
	return nil
}

// Start subscribes to the event stream.
func (s *Service) Start(eventSubject string) error {
	if s.natsConn == nil {
		return nil
	}
	sub, err := s.natsConn.Subscribe(eventSubject, s.handleEvent)
	if err != nil {
		return err
	}

	s.subscription = sub
	slog.Info("query service started", "subject", eventSubject)
	return nil
}

// Stop gracefully stops the service.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.subscription != nil {
			err = s.subscription.Unsubscribe()
		}
	})
	return err
}

// handleEvent processes events from NATS.
func (s *Service) handleEvent(msg *nats.Msg) {
	event, err := domain.DeserializeEvent(msg.Data)
	if err != nil {
		slog.Error("failed to deserialize event in query service", "error", err)
		return
	}

	s.mu.Lock()
	s.applyEvent(event)
	s.mu.Unlock()
}

// HandleEventDirect processes an event delivered in-process by the engine.
func (s *Service) HandleEventDirect(event domain.Event) {
	s.mu.Lock()
	s.applyEvent(event)
	s.mu.Unlock()
}

// applyEvent updates the aggregate projection.
// Not thread-safe; caller must hold the lock.
func (s *Service) applyEvent(event domain.Event) {
	switch ev := event.(type) {
	case domain.AccountOpened:
		s.balances[ev.AccountID] = ev.Balance
		s.accountToUser[ev.AccountID] = ev.UserID
	case domain.MoneyDeducted:
		s.balances[ev.AccountID] -= ev.Amount
	case domain.MoneyCredited:
		s.balances[ev.AccountID] += ev.Amount
	}
}

// History returns every transfer involving the user's account, in insertion
// order, with counterpart usernames joined in.
func (s *Service) History(ctx context.Context, userID int64) ([]TransferView, error) {
	return s.listForUser(ctx, userID, func(tx ledger.Tx, accountID int64) ([]domain.Transfer, error) {
		return tx.ListByAccount(accountID)
	})
}

// Pending returns the user's unresolved requests, in insertion order.
func (s *Service) Pending(ctx context.Context, userID int64) ([]TransferView, error) {
	return s.listForUser(ctx, userID, func(tx ledger.Tx, accountID int64) ([]domain.Transfer, error) {
		return tx.ListPendingByAccount(accountID)
	})
}

func (s *Service) listForUser(ctx context.Context, userID int64, list func(ledger.Tx, int64) ([]domain.Transfer, error)) ([]TransferView, error) {
	var (
		account   domain.Account
		transfers []domain.Transfer
	)
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var verr error
		account, verr = tx.AccountByUser(userID)
		if verr != nil {
			return verr
		}
		transfers, verr = list(tx, account.AccountID)
		return verr
	})
	if err != nil {
		return nil, err
	}

	views := make([]TransferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, s.enrich(t, account.AccountID))
	}
	return views, nil
}

// enrich joins the counterpart username for display.
func (s *Service) enrich(t domain.Transfer, viewerAccountID int64) TransferView {
	view := TransferView{
		TransferID: t.TransferID,
		Type:       t.Type,
		Status:     t.Status,
		Amount:     t.Amount,
	}

	counterpartAccount := t.FromAccountID
	view.Direction = "from"
	if t.FromAccountID == viewerAccountID {
		counterpartAccount = t.ToAccountID
		view.Direction = "to"
	}

	s.mu.RLock()
	counterpartUser, mapped := s.accountToUser[counterpartAccount]
	s.mu.RUnlock()

	if mapped {
		if user, err := s.dir.UserByID(counterpartUser); err == nil {
			view.Counterparty = user.Username
		}
	}
	if view.Counterparty == "" {
		view.Counterparty = fmt.Sprintf("account-%d", counterpartAccount)
	}
	return view
}

// Balance returns the committed balance for a user's account.
func (s *Service) Balance(ctx context.Context, userID int64) (domain.Account, error) {
	var acct domain.Account
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var verr error
		acct, verr = tx.AccountByUser(userID)
		return verr
	})
	return acct, err
}

// AllBalances returns a copy of the aggregate balance projection.
func (s *Service) AllBalances() map[int64]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]int64, len(s.balances))
	for k, v := range s.balances {
		result[k] = v
	}
	return result
}

// TotalBalance returns the sum across all accounts. Money is conserved, so
// outside of account openings this value never changes.
func (s *Service) TotalBalance() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, balance := range s.balances {
		total += balance
	}
	return total
}

// AccountCount returns the number of accounts seen by the projection.
func (s *Service) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.balances)
}
