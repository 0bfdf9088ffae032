package queue

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/transfer-ledger/internal/directory"
	"github.com/nathanyu/transfer-ledger/internal/domain"
	"github.com/nathanyu/transfer-ledger/internal/engine"
	"github.com/nathanyu/transfer-ledger/internal/ledger"
	"github.com/nathanyu/transfer-ledger/internal/query"
)

// Tests need a local NATS server; they are skipped when none is running.
func connectNATS(t *testing.T) *NATSClient {
	client, err := NewNATSClient(nats.DefaultURL)
	if err != nil {
		t.Skip("NATS server not available")
	}
	t.Cleanup(client.Close)
	return client
}

func TestSubmitRoundTrip(t *testing.T) {
	client := connectNATS(t)

	store, err := ledger.NewMemoryStore(nil)
	require.NoError(t, err)

	eng := engine.New(store, client.GetConn())
	require.NoError(t, eng.Start())
	defer eng.Stop()

	resp, err := client.Submit(context.Background(), domain.Command{
		CommandID:   "open-1",
		Op:          domain.OpOpenAccount,
		ActorUserID: 1,
		InitBalance: 1000,
	})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, int64(1), resp.Result.AccountID)
	assert.Equal(t, int64(1000), resp.Result.Balance)

	// Failures come back as structured responses, not transport errors
	resp, err = client.Submit(context.Background(), domain.Command{
		CommandID:   "send-1",
		Op:          domain.OpSend,
		ActorUserID: 1,
		OtherUserID: 2,
		Amount:      100,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.ErrorKind)
}

// The query projection is wired both as a direct handler and as an event
// subject subscriber, the way the server sets it up. With a bus attached the
// engine must deliver through the subject alone, so a credit lands in the
// projection exactly once.
func TestProjectionCountsEventsOnce(t *testing.T) {
	client := connectNATS(t)

	store, err := ledger.NewMemoryStore(nil)
	require.NoError(t, err)

	eng := engine.New(store, client.GetConn())
	svc := query.NewService(store, directory.NewInMemory(), client.GetConn())
	eng.RegisterEventHandler(svc.HandleEventDirect)

	require.NoError(t, eng.Start())
	defer eng.Stop()
	require.NoError(t, svc.Start(engine.EventSubject))
	defer svc.Stop()

	submit := func(cmd domain.Command) {
		resp, err := client.Submit(context.Background(), cmd)
		require.NoError(t, err)
		require.True(t, resp.Success, resp.Error)
	}
	submit(domain.Command{CommandID: "open-1", Op: domain.OpOpenAccount, ActorUserID: 1, InitBalance: 1000})
	submit(domain.Command{CommandID: "open-2", Op: domain.OpOpenAccount, ActorUserID: 2})
	submit(domain.Command{CommandID: "send-1", Op: domain.OpSend, ActorUserID: 1, OtherUserID: 2, Amount: 100})

	require.NoError(t, client.GetConn().Flush())
	// Event delivery to the projection is asynchronous.
	require.Eventually(t, func() bool {
		return svc.AccountCount() == 2 && svc.AllBalances()[2] != 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1000), svc.TotalBalance())
	assert.Equal(t, 2, svc.AccountCount())
	balances := svc.AllBalances()
	assert.Equal(t, int64(900), balances[1])
	assert.Equal(t, int64(100), balances[2])
}

func TestSubmitWithoutResponder(t *testing.T) {
	client := connectNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), nats.DefaultTimeout)
	defer cancel()

	_, err := client.Submit(ctx, domain.Command{CommandID: "orphan", Op: domain.OpOpenAccount, ActorUserID: 1})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
