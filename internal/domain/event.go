package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	EventTypeAccountOpened    = "AccountOpened"
	EventTypeMoneyDeducted    = "MoneyDeducted"
	EventTypeMoneyCredited    = "MoneyCredited"
	EventTypeTransferCreated  = "TransferCreated"
	EventTypeTransferResolved = "TransferResolved"
)

// Event is the base interface for all ledger events. Every committed
// operation is recorded as a batch of events in the journal; replaying the
// journal from the start reproduces the exact ledger state.
type Event interface {
	GetType() string
	GetCommandID() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AccountOpened records a new account with its starting balance.
type AccountOpened struct {
	CommandID string `json:"command_id"`
	AccountID int64  `json:"account_id"`
	UserID    int64  `json:"user_id"`
	Balance   int64  `json:"balance"`
}

func (e AccountOpened) GetType() string      { return EventTypeAccountOpened }
func (e AccountOpened) GetCommandID() string { return e.CommandID }

// MoneyDeducted represents a successful deduction from an account
type MoneyDeducted struct {
	CommandID string `json:"command_id"`
	AccountID int64  `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (e MoneyDeducted) GetType() string      { return EventTypeMoneyDeducted }
func (e MoneyDeducted) GetCommandID() string { return e.CommandID }

// MoneyCredited represents a successful credit to an account
type MoneyCredited struct {
	CommandID string `json:"command_id"`
	AccountID int64  `json:"account_id"`
	Amount    int64  `json:"amount"`
}

func (e MoneyCredited) GetType() string      { return EventTypeMoneyCredited }
func (e MoneyCredited) GetCommandID() string { return e.CommandID }

// TransferCreated records a new row in the transfer ledger. A Send row is
// born Approved; a Request row is born Pending.
type TransferCreated struct {
	CommandID     string    `json:"command_id"`
	TransferID    int64     `json:"transfer_id"`
	TransferType  string    `json:"transfer_type"`
	Status        string    `json:"status"`
	FromAccountID int64     `json:"from_account_id"`
	ToAccountID   int64     `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

func (e TransferCreated) GetType() string      { return EventTypeTransferCreated }
func (e TransferCreated) GetCommandID() string { return e.CommandID }

// TransferResolved records the single Pending -> Approved/Rejected
// transition of a request.
type TransferResolved struct {
	CommandID  string `json:"command_id"`
	TransferID int64  `json:"transfer_id"`
	Status     string `json:"status"`
}

func (e TransferResolved) GetType() string      { return EventTypeTransferResolved }
func (e TransferResolved) GetCommandID() string { return e.CommandID }

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var event Event
	switch envelope.Type {
	case EventTypeAccountOpened:
		var e AccountOpened
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTypeMoneyDeducted:
		var e MoneyDeducted
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTypeMoneyCredited:
		var e MoneyCredited
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTypeTransferCreated:
		var e TransferCreated
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTypeTransferResolved:
		var e TransferResolved
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}

	return event, nil
}
