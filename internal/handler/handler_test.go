package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/transfer-ledger/internal/directory"
	"github.com/nathanyu/transfer-ledger/internal/engine"
	"github.com/nathanyu/transfer-ledger/internal/ledger"
	"github.com/nathanyu/transfer-ledger/internal/query"
)

func setupRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)

	store, err := ledger.NewMemoryStore(nil)
	require.NoError(t, err)

	dir := directory.NewInMemory()
	eng := engine.New(store, nil)
	svc := query.NewService(store, dir, nil)
	eng.RegisterEventHandler(svc.HandleEventDirect)

	h := NewHandler(&engine.LocalBus{Engine: eng}, svc, dir)

	router := gin.New()
	SetupRoutes(router, h)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set("X-User-ID", fmt.Sprint(userID))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// createAccount registers a user and opens its account, returning the user id.
func createAccount(t *testing.T, router *gin.Engine, username string, balance int64) int64 {
	w := doJSON(t, router, http.MethodPost, "/v1/ledger/accounts", 0, gin.H{
		"username":        username,
		"initial_balance": balance,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	users := doJSON(t, router, http.MethodGet, "/v1/ledger/users", 0, nil)
	require.Equal(t, http.StatusOK, users.Code)
	for _, u := range decode(t, users)["users"].([]any) {
		user := u.(map[string]any)
		if user["username"] == username {
			return int64(user["user_id"].(float64))
		}
	}
	t.Fatalf("user %s not found after registration", username)
	return 0
}

func TestCreateAccount(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/ledger/accounts", 0, gin.H{
		"username":        "alice",
		"initial_balance": 10000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["command_id"])

	result := body["result"].(map[string]any)
	assert.Equal(t, float64(1), result["account_id"])
	assert.Equal(t, float64(10000), result["balance"])

	// Duplicate username is rejected
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/accounts", 0, gin.H{
		"username": "alice",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing username fails validation
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/accounts", 0, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendEndpoint(t *testing.T) {
	router := setupRouter(t)
	alice := createAccount(t, router, "alice", 10000)
	createAccount(t, router, "bob", 0)

	w := doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, gin.H{
		"to_username": "bob",
		"amount":      2500,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode(t, w)["result"].(map[string]any)
	assert.Equal(t, float64(1), result["transfer_id"])
	assert.Equal(t, float64(7500), result["balance"])

	// Balances reflect the transfer
	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/ledger/balance/%d", alice), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(7500), decode(t, w)["balance"])
}

func TestSendRequiresAuthentication(t *testing.T) {
	router := setupRouter(t)
	createAccount(t, router, "alice", 10000)
	createAccount(t, router, "bob", 0)

	w := doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", 0, gin.H{
		"to_username": "bob",
		"amount":      100,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSendErrors(t *testing.T) {
	router := setupRouter(t)
	alice := createAccount(t, router, "alice", 100)
	createAccount(t, router, "bob", 0)

	// Unknown recipient
	w := doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, gin.H{
		"to_username": "mallory",
		"amount":      50,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Insufficient funds
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, gin.H{
		"to_username": "bob",
		"amount":      500,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "insufficient_funds", decode(t, w)["error_kind"])

	// Send to self
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, gin.H{
		"to_username": "alice",
		"amount":      50,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "same_account", decode(t, w)["error_kind"])
}

func TestRequestAndResolveFlow(t *testing.T) {
	router := setupRouter(t)
	alice := createAccount(t, router, "alice", 10000)
	bob := createAccount(t, router, "bob", 0)

	// Bob requests money from alice
	w := doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/request", bob, gin.H{
		"from_username": "alice",
		"amount":        3000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	transferID := int64(decode(t, w)["result"].(map[string]any)["transfer_id"].(float64))

	// It shows up in alice's pending list
	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/ledger/pending/%d", alice), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode(t, w)["transfers"].([]any)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].(map[string]any)["counterparty"])

	// Bob cannot approve his own request
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/ledger/resolve/%d", transferID), bob, gin.H{
		"decision": "approve",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["error_kind"])

	// Alice approves
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/ledger/resolve/%d", transferID), alice, gin.H{
		"decision": "approve",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A second decision conflicts
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/ledger/resolve/%d", transferID), alice, gin.H{
		"decision": "reject",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w)["error_kind"])

	// Money moved once
	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/ledger/balance/%d", bob), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3000), decode(t, w)["balance"])
}

func TestResolveValidation(t *testing.T) {
	router := setupRouter(t)
	alice := createAccount(t, router, "alice", 1000)

	// Unparseable transfer id
	w := doJSON(t, router, http.MethodPost, "/v1/ledger/resolve/abc", alice, gin.H{
		"decision": "approve",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Decision outside approve/reject fails binding
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/resolve/1", alice, gin.H{
		"decision": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown transfer
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/resolve/42", alice, gin.H{
		"decision": "approve",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandIDPassthrough(t *testing.T) {
	router := setupRouter(t)
	alice := createAccount(t, router, "alice", 1000)
	createAccount(t, router, "bob", 0)

	send := gin.H{
		"to_username": "bob",
		"amount":      100,
		"command_id":  "client-retry-1",
	}

	w := doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, send)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client-retry-1", decode(t, w)["command_id"])

	// Retrying the same command id does not move money twice
	w = doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, send)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/ledger/balance/%d", alice), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(900), decode(t, w)["balance"])
}

func TestHistoryEndpoint(t *testing.T) {
	router := setupRouter(t)
	alice := createAccount(t, router, "alice", 1000)
	createAccount(t, router, "bob", 0)

	w := doJSON(t, router, http.MethodPost, "/v1/ledger/transfers/send", alice, gin.H{
		"to_username": "bob",
		"amount":      100,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/ledger/history/%d", alice), 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	transfers := decode(t, w)["transfers"].([]any)
	require.Len(t, transfers, 1)
	row := transfers[0].(map[string]any)
	assert.Equal(t, "to", row["direction"])
	assert.Equal(t, "bob", row["counterparty"])

	// Unknown user
	w = doJSON(t, router, http.MethodGet, "/v1/ledger/history/42", 0, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed user id
	w = doJSON(t, router, http.MethodGet, "/v1/ledger/history/abc", 0, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAllBalancesEndpoint(t *testing.T) {
	router := setupRouter(t)
	createAccount(t, router, "alice", 1000)
	createAccount(t, router, "bob", 500)

	w := doJSON(t, router, http.MethodGet, "/v1/ledger/balances", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(1500), body["total_balance"])
	assert.Equal(t, float64(2), body["account_count"])

	balances := body["balances"].(map[string]any)
	assert.Equal(t, float64(1000), balances["1"])
	assert.Equal(t, float64(500), balances["2"])
}

func TestHealth(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}
