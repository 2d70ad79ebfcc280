package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"order-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder() *models.OrderMessage {
	return &models.OrderMessage{
		OrderID:   "ORDER-1",
		UserID:    "user-42",
		UserName:  "Jane Doe",
		UserEmail: "jane@example",
		Items: []models.LineItem{
			{ProductName: "Runner", Brand: "Acme", Size: 42, Color: "black", Quantity: 1, Price: 99.99},
		},
		TotalPrice:    99.99,
		TotalQuantity: 1,
		ShippingAddress: models.ShippingAddress{
			Address: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		OrderDate: time.Now().Add(-time.Minute),
		Status:    "pending",
	}
}

// testCRM stands in for both the token endpoint and the record endpoint.
type testCRM struct {
	server       *httptest.Server
	tokenCalls   int64
	createCalls  int64
	createStatus func(call int64) int
}

func newTestCRM(t *testing.T) *testCRM {
	t.Helper()

	crm := &testCRM{
		createStatus: func(int64) int { return http.StatusCreated },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))

		n := atomic.AddInt64(&crm.tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","instance_url":"%s"}`, n, crm.server.URL)
	})
	mux.HandleFunc("/services/data/", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&crm.createCalls, 1)
		status := crm.createStatus(n)
		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			fmt.Fprint(w, `{"id":"crm-record-1","success":true}`)
		} else {
			fmt.Fprint(w, `{"error":"nope"}`)
		}
	})

	crm.server = httptest.NewServer(mux)
	t.Cleanup(crm.server.Close)
	return crm
}

func newTestClient(crm *testCRM) *Client {
	return NewClient(crm.server.URL, "v58.0", crm.server.URL+"/oauth2/token",
		"client-id", "client-secret", "refresh-token", 5*time.Second)
}

func TestDeliverOrderSuccess(t *testing.T) {
	crm := newTestCRM(t)
	client := newTestClient(crm)

	outcome := client.DeliverOrder(context.Background(), sampleOrder(), "corr-1")

	assert.True(t, outcome.Success)
	assert.False(t, outcome.Retryable)
	assert.Equal(t, http.StatusCreated, outcome.StatusCode)
	assert.Contains(t, outcome.Body, "crm-record-1")
}

func TestTokenReusedWithinValidityWindow(t *testing.T) {
	crm := newTestCRM(t)
	client := newTestClient(crm)
	ctx := context.Background()

	client.DeliverOrder(ctx, sampleOrder(), "corr-1")
	client.DeliverOrder(ctx, sampleOrder(), "corr-2")

	assert.Equal(t, int64(1), atomic.LoadInt64(&crm.tokenCalls))
	assert.Equal(t, int64(2), atomic.LoadInt64(&crm.createCalls))
}

func TestTokenRefetchedAfterExpiry(t *testing.T) {
	crm := newTestCRM(t)
	client := newTestClient(crm)
	ctx := context.Background()

	client.DeliverOrder(ctx, sampleOrder(), "corr-1")

	// Expire the cached token by hand.
	client.tokens.mu.Lock()
	client.tokens.expiresAt = time.Now().Add(-time.Minute)
	client.tokens.mu.Unlock()

	client.DeliverOrder(ctx, sampleOrder(), "corr-2")

	assert.Equal(t, int64(2), atomic.LoadInt64(&crm.tokenCalls))
}

func TestUnauthorizedRetriesExactlyOnce(t *testing.T) {
	crm := newTestCRM(t)
	crm.createStatus = func(call int64) int {
		if call == 1 {
			return http.StatusUnauthorized
		}
		return http.StatusCreated
	}
	client := newTestClient(crm)

	outcome := client.DeliverOrder(context.Background(), sampleOrder(), "corr-1")

	assert.True(t, outcome.Success)
	assert.Equal(t, int64(2), atomic.LoadInt64(&crm.createCalls))
	// Initial fetch plus the forced refresh.
	assert.Equal(t, int64(2), atomic.LoadInt64(&crm.tokenCalls))
}

func TestPersistentUnauthorizedDoesNotLoop(t *testing.T) {
	crm := newTestCRM(t)
	crm.createStatus = func(int64) int { return http.StatusUnauthorized }
	client := newTestClient(crm)

	outcome := client.DeliverOrder(context.Background(), sampleOrder(), "corr-1")

	assert.False(t, outcome.Success)
	assert.False(t, outcome.Retryable)
	assert.Equal(t, http.StatusUnauthorized, outcome.StatusCode)
	assert.Equal(t, int64(2), atomic.LoadInt64(&crm.createCalls))
}

func TestClassification(t *testing.T) {
	cases := []struct {
		status    int
		success   bool
		retryable bool
	}{
		{200, true, false},
		{201, true, false},
		{429, false, true},
		{500, false, true},
		{503, false, true},
		{400, false, false},
		{404, false, false},
	}

	for _, tc := range cases {
		outcome := classify(tc.status, "")
		assert.Equal(t, tc.success, outcome.Success, "status %d", tc.status)
		assert.Equal(t, tc.retryable, outcome.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.status, outcome.StatusCode)
	}
}

func TestTransportErrorFailsClosed(t *testing.T) {
	crm := newTestCRM(t)
	client := newTestClient(crm)

	// Warm the token cache, then kill the server so the create call fails
	// at the transport level.
	_, err := client.tokens.GetToken(context.Background())
	require.NoError(t, err)
	crm.server.Close()

	outcome := client.DeliverOrder(context.Background(), sampleOrder(), "corr-1")

	assert.False(t, outcome.Success)
	assert.False(t, outcome.Retryable)
	assert.NotEmpty(t, outcome.Error)
}

func TestDeliverFallback(t *testing.T) {
	crm := newTestCRM(t)
	client := newTestClient(crm)

	outcome := client.DeliverFallback(context.Background(), "msg-1", "raw text that would not parse", "corr-1")

	assert.True(t, outcome.Success)
	assert.Equal(t, int64(1), atomic.LoadInt64(&crm.createCalls))
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]string{
		"pending":    "New",
		"processing": "In Progress",
		"shipped":    "Shipped",
		"delivered":  "Delivered",
		"completed":  "Completed",
		"cancelled":  "Cancelled",
		"failed":     "Failed",
		"weird":      "weird",
		"":           "",
	}

	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), "status %q", in)
	}
}

func TestForceRefreshDiscardsCache(t *testing.T) {
	crm := newTestCRM(t)
	client := newTestClient(crm)
	ctx := context.Background()

	first, err := client.tokens.GetToken(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "token-"))

	second, err := client.tokens.ForceRefresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
