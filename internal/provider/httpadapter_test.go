package provider

import (
	"context"
	"encoding/json"
	"io"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"gateway/internal/config"
	"gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAdapter(t *testing.T, handler http.HandlerFunc, lookup bool) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPAdapter(model.ProviderStripe, config.ProviderConfig{
		BaseURL:      srv.URL,
		APIKey:       "sk_test",
		Timeout:      200 * time.Millisecond,
		StatusLookup: lookup,
	}, discardLogger())
}

func chargeReq() *Request {
	return &Request{
		TransactionID:    "TXN1",
		IdempotencyToken: "TXN1",
		Amount:           100,
		Currency:         "USD",
		Payload:          json.RawMessage(`{"card":"tok_visa"}`),
	}
}

func TestHTTPAdapter_ChargeSendsIdempotencyToken(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.Equal(t, "TXN1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(100), body.Amount)
		assert.Equal(t, "USD", body.Currency)
		assert.JSONEq(t, `{"card":"tok_visa"}`, string(body.Payload))

		_, _ = w.Write([]byte(`{"status":"succeeded","reference":"ch_1"}`))
	}, false)

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "ch_1", res.Reference)
}

func TestHTTPAdapter_Classification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		status    Status
		retryable bool
		errCode   string
	}{
		{"declined body", 200, `{"status":"failed","code":"card_declined"}`, StatusFailed, false, "card_declined"},
		{"pending body", 200, `{"status":"pending"}`, StatusUnknown, false, ""},
		{"garbled 2xx", 200, `not json`, StatusUnknown, false, CodeUnavailable},
		{"rate limited", 429, ``, StatusFailed, true, CodeUnavailable},
		{"unavailable", 503, ``, StatusFailed, true, CodeUnavailable},
		{"internal error", 500, ``, StatusUnknown, true, CodeUnavailable},
		{"conflict", 409, ``, StatusUnknown, true, CodeUnavailable},
		{"bad request", 400, `{"status":"failed","message":"invalid card"}`, StatusFailed, false, CodeDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}, false)

			res, err := a.Charge(context.Background(), chargeReq())
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.retryable, res.Retryable)
			assert.Equal(t, tt.errCode, res.Code)
		})
	}
}

func TestHTTPAdapter_TimeoutIsUnknown(t *testing.T) {
	release := make(chan struct{})
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, false)
	defer close(release)

	res, err := a.Refund(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status, "超时不能当作失败")
	assert.Equal(t, CodeTimeout, res.Code)
}

func TestHTTPAdapter_DialFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	a := NewHTTPAdapter(model.ProviderAlipay, config.ProviderConfig{BaseURL: baseURL, Timeout: time.Second}, discardLogger())
	res, err := a.Void(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Retryable)
	assert.Equal(t, CodeTransient, res.Code)
}

func TestHTTPAdapter_DialCutOffByDeadlineIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	a := NewHTTPAdapter(model.ProviderAlipay, config.ProviderConfig{BaseURL: baseURL, Timeout: time.Second}, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res, err := a.Charge(ctx, chargeReq())
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, CodeTimeout, res.Code)
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status Status
		code   string
	}{
		{
			name:   "connection refused",
			err:    &url.Error{Op: "Post", URL: "http://psp", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
			status: StatusFailed,
			code:   CodeTransient,
		},
		{
			name:   "dial deadline exceeded",
			err:    &url.Error{Op: "Post", URL: "http://psp", Err: &net.OpError{Op: "dial", Net: "tcp", Err: context.DeadlineExceeded}},
			status: StatusUnknown,
			code:   CodeTimeout,
		},
		{
			name:   "dial i/o timeout",
			err:    &url.Error{Op: "Post", URL: "http://psp", Err: &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}},
			status: StatusUnknown,
			code:   CodeTimeout,
		},
		{
			name:   "read reset",
			err:    &url.Error{Op: "Post", URL: "http://psp", Err: &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}},
			status: StatusUnknown,
			code:   CodeUnavailable,
		},
		{
			name:   "unexpected eof",
			err:    errors.New("unexpected EOF"),
			status: StatusUnknown,
			code:   CodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classifyTransportError(tt.err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.code, res.Code)
			assert.True(t, res.Retryable)
		})
	}
}

func TestHTTPAdapter_Status(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("不应发出请求")
		}, false)
		_, err := a.Status(context.Background(), &StatusQuery{TransactionID: "TXN1"})
		assert.ErrorIs(t, err, ErrStatusUnsupported)
	})

	t.Run("found", func(t *testing.T) {
		a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/v1/transactions/TXN1", r.URL.Path)
			_, _ = w.Write([]byte(`{"status":"succeeded","reference":"ch_9"}`))
		}, true)
		res, err := a.Status(context.Background(), &StatusQuery{TransactionID: "TXN1"})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.Equal(t, "ch_9", res.Reference)
	})

	t.Run("not found stays unknown", func(t *testing.T) {
		a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, true)
		res, err := a.Status(context.Background(), &StatusQuery{TransactionID: "TXN1"})
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, res.Status)
		assert.Equal(t, CodeNotFound, res.Code)
	})

	t.Run("server error", func(t *testing.T) {
		a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, true)
		_, err := a.Status(context.Background(), &StatusQuery{TransactionID: "TXN1"})
		assert.Error(t, err)
	})
}
