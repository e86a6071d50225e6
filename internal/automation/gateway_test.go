package automation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/retry"
)

func noSleep() retry.Option {
	return retry.WithSleep(func(context.Context, time.Duration) error { return nil })
}

func newTestGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gw, err := NewGateway(Config{
		BaseURL:        server.URL,
		APIKey:         "agent-key",
		RetryDelay:     time.Millisecond,
		AttemptTimeout: 2 * time.Second,
		HealthTimeout:  time.Second,
	}, noSleep())
	require.NoError(t, err)
	return gw
}

func visitorRequest() Request {
	return Request{
		VisitorID: "visitor-1",
		VisitorData: VisitorData{
			Name:  "Maria Souza",
			CPF:   "52998224725",
			Phone: "+5511999998888",
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	var authHeader string
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathAutomation, r.URL.Path)
		authHeader = r.Header.Get("Authorization")

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "visitor-1", req.VisitorID)
		require.Equal(t, "Maria Souza", req.VisitorData.Name)

		_ = json.NewEncoder(w).Encode(Outcome{
			Success:      true,
			Message:      "registered",
			HikCentralID: "hc-42",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		})
	}))

	outcome, err := gw.Execute(context.Background(), visitorRequest())
	require.NoError(t, err)
	require.Equal(t, "hc-42", outcome.HikCentralID)
	require.Equal(t, "Bearer agent-key", authHeader)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			// Drop the connection to simulate the agent being down.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_ = json.NewEncoder(w).Encode(Outcome{Success: true, HikCentralID: "hc-7"})
	}))
	t.Cleanup(server.Close)

	gw, err := NewGateway(Config{
		BaseURL:        server.URL,
		RetryDelay:     time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}, noSleep())
	require.NoError(t, err)

	outcome, err := gw.Execute(context.Background(), visitorRequest())
	require.NoError(t, err)
	require.Equal(t, "hc-7", outcome.HikCentralID)
	require.Equal(t, 3, calls)
}

func TestExecuteStopsOnStructuredRejection(t *testing.T) {
	calls := 0
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(Outcome{
			Success: false,
			Error:   "form field missing",
			Step:    "fill_visitor_form",
		})
	}))

	_, err := gw.Execute(context.Background(), visitorRequest())
	require.ErrorIs(t, err, apperrors.ErrGatewayRejected)
	require.Contains(t, err.Error(), "fill_visitor_form")
	require.Equal(t, 1, calls, "structured rejections are not retried")
}

func TestExecuteExhaustsRetriesWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	gw, err := NewGateway(Config{
		BaseURL:        server.URL,
		MaxAttempts:    3,
		RetryDelay:     time.Millisecond,
		AttemptTimeout: time.Second,
	}, noSleep())
	require.NoError(t, err)

	_, err = gw.Execute(context.Background(), visitorRequest())
	require.ErrorIs(t, err, apperrors.ErrGatewayUnreachable)
}

func TestCancel(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, pathAutomation+"/visitor-1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	require.True(t, gw.Cancel(context.Background(), "visitor-1"))
	require.False(t, gw.Cancel(context.Background(), ""))
}

func TestCancelUnconfirmed(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict) // already mid-flight
	}))

	require.False(t, gw.Cancel(context.Background(), "visitor-1"))
}

func TestCheckHealth(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathHealth, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	require.True(t, gw.CheckHealth(context.Background()))

	down := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	require.False(t, down.CheckHealth(context.Background()))
}

func TestStatus(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathStatus+"visitor-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Outcome{Success: true, Message: "processing"})
	}))

	outcome, err := gw.Status(context.Background(), "visitor-1")
	require.NoError(t, err)
	require.Equal(t, "processing", outcome.Message)
}
