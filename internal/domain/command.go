package domain

// Operation constants for Command.Op
const (
	OpOpenAccount = "open_account"
	OpSend        = "send"
	OpRequest     = "request"
	OpResolve     = "resolve"
)

// Decision constants for Command.Decision
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Command represents one engine operation submitted by the API layer.
// ActorUserID is the authenticated caller supplied by the identity
// collaborator; the engine itself carries no session state.
type Command struct {
	CommandID   string `json:"command_id"`
	Op          string `json:"op"`
	ActorUserID int64  `json:"actor_user_id"`
	OtherUserID int64  `json:"other_user_id,omitempty"`
	Amount      int64  `json:"amount,omitempty"` // Amount in cents to avoid floating point issues
	TransferID  int64  `json:"transfer_id,omitempty"`
	Decision    string `json:"decision,omitempty"`
	InitBalance int64  `json:"init_balance,omitempty"`
}

// Result is what a successfully committed command reports back.
type Result struct {
	TransferID int64    `json:"transfer_id,omitempty"`
	AccountID  int64    `json:"account_id,omitempty"`
	Balance    int64    `json:"balance,omitempty"`
	Events     []string `json:"events,omitempty"`
}
