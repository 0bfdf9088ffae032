package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/transfer-ledger/internal/domain"
	"github.com/nathanyu/transfer-ledger/internal/ledger"
	"github.com/nathanyu/transfer-ledger/internal/telemetry"
)

const (
	CommandSubject = "ledger.commands"
	EventSubject   = "ledger.events"
)

// EventHandler is a function that receives committed events (for the read
// model and other in-process projections).
type EventHandler func(event domain.Event)

// Engine is the transfer engine: the sole writer of account balances and
// transfer statuses. Every operation runs as one unit of work against the
// store, so all its mutations commit together or not at all.
type Engine struct {
	store ledger.Store

	natsConn      *nats.Conn
	subscription  *nats.Subscription
	eventHandlers []EventHandler

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates an engine over the given store. natsConn may be nil when the
// service runs without a message bus.
func New(store ledger.Store, natsConn *nats.Conn) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		natsConn: natsConn,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterEventHandler registers a handler to receive committed events.
func (e *Engine) RegisterEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventHandlers = append(e.eventHandlers, handler)
}

// Start begins processing commands from NATS.
func (e *Engine) Start() error {
	if e.natsConn == nil {
		return nil
	}
	sub, err := e.natsConn.Subscribe(CommandSubject, e.handleCommand)
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	e.subscription = sub
	slog.Info("transfer engine started", "subject", CommandSubject)
	return nil
}

// Stop gracefully stops the engine. Commands already being processed are
// waited for; commands arriving afterwards are dropped.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.cancel()

		// Set closed under the lock before waiting, so every wg.Add from
		// handleCommand is either counted here or refused.
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		if e.subscription != nil {
			err = e.subscription.Unsubscribe()
		}

		e.wg.Wait()
	})
	return err
}

// begin registers an in-flight command, refusing once the engine is stopped.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// Execute dispatches a command to the matching operation, fans committed
// events out to handlers or NATS, and records metrics.
//
// A command id that was already committed is acknowledged without re-applying
// its effects; the reply carries success with an empty Result, not the
// original outcome, so callers retrying after a lost response should read the
// committed state through the query side rather than the retry's Result.
func (e *Engine) Execute(ctx context.Context, cmd domain.Command) (domain.Result, error) {
	start := time.Now()

	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "engine.Execute",
			trace.WithAttributes(
				attribute.String("command_id", cmd.CommandID),
				attribute.String("op", cmd.Op),
				attribute.Int64("actor_user_id", cmd.ActorUserID),
				attribute.Int64("amount", cmd.Amount),
			),
		)
		defer span.End()
	}

	var (
		result domain.Result
		events []domain.Event
		dup    bool
		err    error
	)

	run := func(fn func(tx ledger.Tx) error) ([]domain.Event, error) {
		return e.store.Update(ctx, cmd.CommandID, func(tx ledger.Tx) error {
			seen, serr := tx.Seen()
			if serr != nil {
				return serr
			}
			if seen {
				dup = true
				return nil
			}
			return fn(tx)
		})
	}

	switch cmd.Op {
	case domain.OpOpenAccount:
		events, err = run(func(tx ledger.Tx) error {
			acct, oerr := tx.OpenAccount(cmd.ActorUserID, cmd.InitBalance)
			if oerr != nil {
				return oerr
			}
			result.AccountID = acct.AccountID
			result.Balance = acct.Balance
			return nil
		})
	case domain.OpSend:
		events, err = run(func(tx ledger.Tx) error { return e.send(tx, cmd, &result) })
	case domain.OpRequest:
		events, err = run(func(tx ledger.Tx) error { return e.request(tx, cmd, &result) })
	case domain.OpResolve:
		events, err = run(func(tx ledger.Tx) error { return e.resolve(tx, cmd, &result) })
	default:
		err = fmt.Errorf("unknown operation %q", cmd.Op)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.Bool("duplicate", dup), attribute.Int("events_count", len(events)))
		}
	}

	if err != nil {
		telemetry.CommandsTotal.WithLabelValues(cmd.Op, domain.ErrorKind(err)).Inc()
		slog.Info("command rejected", "op", cmd.Op, "command_id", cmd.CommandID, "kind", domain.ErrorKind(err))
		return domain.Result{}, err
	}

	if dup {
		telemetry.DuplicateCommandsTotal.Inc()
		slog.Info("duplicate command skipped", "op", cmd.Op, "command_id", cmd.CommandID)
		return result, nil
	}

	for _, event := range events {
		result.Events = append(result.Events, event.GetType())
		telemetry.EventsStoredTotal.WithLabelValues(event.GetType()).Inc()
	}
	telemetry.CommandsTotal.WithLabelValues(cmd.Op, "success").Inc()
	telemetry.CommandProcessingDuration.WithLabelValues(cmd.Op).Observe(time.Since(start).Seconds())
	if cmd.Op == domain.OpSend || cmd.Op == domain.OpRequest {
		telemetry.TransferAmount.WithLabelValues(transferTypeForOp(cmd.Op)).Observe(float64(cmd.Amount))
	}
	e.updateBalanceMetrics(events)

	// Fan out each committed event exactly once: in-process handlers when no
	// bus is attached, the event subject otherwise. In-process subscribers on
	// a bus deployment consume the subject like every other subscriber, so
	// registering a direct handler there must not double-deliver.
	if e.natsConn == nil {
		e.notifyEventHandlers(events)
	} else {
		e.publishEvents(events)
	}

	return result, nil
}

// send resolves both users, appends an Approved Send row and moves the
// money, all in one commit.
func (e *Engine) send(tx ledger.Tx, cmd domain.Command, result *domain.Result) error {
	sender, err := tx.AccountByUser(cmd.ActorUserID)
	if err != nil {
		return err
	}
	recipient, err := tx.AccountByUser(cmd.OtherUserID)
	if err != nil {
		return err
	}

	t, err := tx.CreateTransfer(domain.TransferTypeSend, domain.TransferStatusApproved,
		sender.AccountID, recipient.AccountID, cmd.Amount)
	if err != nil {
		return err
	}
	if err := moveFunds(tx, sender.AccountID, recipient.AccountID, cmd.Amount); err != nil {
		return err
	}

	result.TransferID = t.TransferID
	result.Balance = sender.Balance - cmd.Amount
	return nil
}

// request appends a Pending row with from = payer and to = requester, with
// no balance effect.
func (e *Engine) request(tx ledger.Tx, cmd domain.Command, result *domain.Result) error {
	requester, err := tx.AccountByUser(cmd.ActorUserID)
	if err != nil {
		return err
	}
	payer, err := tx.AccountByUser(cmd.OtherUserID)
	if err != nil {
		return err
	}

	t, err := tx.CreateTransfer(domain.TransferTypeRequest, domain.TransferStatusPending,
		payer.AccountID, requester.AccountID, cmd.Amount)
	if err != nil {
		return err
	}

	result.TransferID = t.TransferID
	return nil
}

// resolve decides a pending request. Only the payer may decide, the status
// moves exactly once, and an approval re-checks the payer's balance in the
// same commit that moves the money.
func (e *Engine) resolve(tx ledger.Tx, cmd domain.Command, result *domain.Result) error {
	t, err := tx.Transfer(cmd.TransferID)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return domain.ErrInvalidTransition
	}

	actor, err := tx.AccountByUser(cmd.ActorUserID)
	if err != nil {
		return err
	}
	if actor.AccountID != t.FromAccountID {
		return domain.ErrUnauthorized
	}

	switch cmd.Decision {
	case domain.DecisionApprove:
		if err := moveFunds(tx, t.FromAccountID, t.ToAccountID, t.Amount); err != nil {
			return err
		}
		if err := tx.SetStatus(t.TransferID, domain.TransferStatusApproved); err != nil {
			return err
		}
		result.Balance = actor.Balance - t.Amount
	case domain.DecisionReject:
		if err := tx.SetStatus(t.TransferID, domain.TransferStatusRejected); err != nil {
			return err
		}
		result.Balance = actor.Balance
	default:
		return domain.ErrInvalidTransition
	}

	result.TransferID = t.TransferID
	return nil
}

// moveFunds debits from and credits to within the current unit of work.
// Accounts are adjusted in ascending id order so implementations that lock
// per row always acquire locks in the same global order.
func moveFunds(tx ledger.Tx, fromID, toID, amount int64) error {
	adjustments := []struct {
		accountID int64
		delta     int64
	}{
		{fromID, -amount},
		{toID, amount},
	}
	sort.Slice(adjustments, func(i, j int) bool { return adjustments[i].accountID < adjustments[j].accountID })

	for _, adj := range adjustments {
		if err := tx.AdjustBalance(adj.accountID, adj.delta); err != nil {
			return err
		}
	}
	return nil
}

func transferTypeForOp(op string) string {
	if op == domain.OpRequest {
		return domain.TransferTypeRequest
	}
	return domain.TransferTypeSend
}

// Balance returns the committed balance for a user's account.
func (e *Engine) Balance(ctx context.Context, userID int64) (domain.Account, error) {
	var acct domain.Account
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var verr error
		acct, verr = tx.AccountByUser(userID)
		return verr
	})
	return acct, err
}

// Transfer returns a single ledger row.
func (e *Engine) Transfer(ctx context.Context, transferID int64) (domain.Transfer, error) {
	var t domain.Transfer
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var verr error
		t, verr = tx.Transfer(transferID)
		return verr
	})
	return t, err
}

// handleCommand processes a single command from NATS.
func (e *Engine) handleCommand(msg *nats.Msg) {
	if !e.begin() {
		return
	}
	defer e.wg.Done()

	ctx := e.ctx

	if telemetry.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.Tracer.Start(ctx, "engine.handleCommand",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination", CommandSubject),
			),
		)
		defer span.End()
	}

	telemetry.NATSMessagesReceived.WithLabelValues(CommandSubject).Inc()

	var cmd domain.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Error("failed to unmarshal command", "error", err)
		e.respond(msg, CommandResponse{Success: false, Error: "invalid command format"})
		return
	}

	result, err := e.Execute(ctx, cmd)
	e.respond(msg, BuildResponse(result, err))
}

// updateBalanceMetrics applies event deltas to the balance gauges.
func (e *Engine) updateBalanceMetrics(events []domain.Event) {
	for _, event := range events {
		switch ev := event.(type) {
		case domain.AccountOpened:
			telemetry.AccountBalanceGauge.WithLabelValues(fmt.Sprint(ev.AccountID)).Set(float64(ev.Balance))
			telemetry.TotalBalanceGauge.Add(float64(ev.Balance))
			telemetry.AccountCount.Inc()
		case domain.MoneyDeducted:
			telemetry.AccountBalanceGauge.WithLabelValues(fmt.Sprint(ev.AccountID)).Sub(float64(ev.Amount))
			telemetry.TotalBalanceGauge.Sub(float64(ev.Amount))
		case domain.MoneyCredited:
			telemetry.AccountBalanceGauge.WithLabelValues(fmt.Sprint(ev.AccountID)).Add(float64(ev.Amount))
			telemetry.TotalBalanceGauge.Add(float64(ev.Amount))
		case domain.TransferCreated:
			if ev.Status == domain.TransferStatusPending {
				telemetry.PendingRequestsGauge.Inc()
			}
		case domain.TransferResolved:
			telemetry.PendingRequestsGauge.Dec()
		}
	}
}

// notifyEventHandlers sends events to all registered handlers.
func (e *Engine) notifyEventHandlers(events []domain.Event) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.eventHandlers))
	copy(handlers, e.eventHandlers)
	e.mu.RUnlock()

	for _, event := range events {
		for _, handler := range handlers {
			handler(event)
		}
	}
}

// publishEvents publishes committed events to NATS for other subscribers.
func (e *Engine) publishEvents(events []domain.Event) {
	if e.natsConn == nil {
		return
	}
	for _, event := range events {
		data, err := domain.SerializeEvent(event)
		if err != nil {
			slog.Error("failed to serialize event for publishing", "error", err)
			continue
		}

		if err := e.natsConn.Publish(EventSubject, data); err != nil {
			slog.Error("failed to publish event", "error", err)
			continue
		}
		telemetry.NATSMessagesPublished.WithLabelValues(EventSubject).Inc()
	}
}

// CommandResponse is the reply to a submitted command.
type CommandResponse struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Result    *domain.Result `json:"result,omitempty"`
}

// BuildResponse converts an operation outcome into a wire response.
func BuildResponse(result domain.Result, err error) CommandResponse {
	if err != nil {
		return CommandResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorKind: domain.ErrorKind(err),
		}
	}
	return CommandResponse{
		Success: true,
		Result:  &result,
	}
}

func (e *Engine) respond(msg *nats.Msg, resp CommandResponse) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(resp)
	msg.Respond(data)
}

// LocalBus submits commands to the engine in-process, for deployments that
// run without NATS and for tests.
type LocalBus struct {
	Engine *Engine
}

// Submit executes the command directly.
func (b *LocalBus) Submit(ctx context.Context, cmd domain.Command) (*CommandResponse, error) {
	result, err := b.Engine.Execute(ctx, cmd)
	resp := BuildResponse(result, err)
	return &resp, nil
}
