package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/kvrelay/internal/model"
	"github.com/tinytelemetry/kvrelay/internal/retry"
)

func sampleRecord() *model.Record {
	rec := model.NewRecord("in.properties")
	rec.Set("key1", "a")
	rec.Set("key2", "b")
	return rec
}

func newClient(t *testing.T, endpoint string, attempts int) *Client {
	t.Helper()
	c, err := New(Config{
		Endpoint: endpoint,
		Timeout:  2 * time.Second,
		Retry:    retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

type capturedRequest struct {
	method      string
	contentType string
	requestID   string
	body        []byte
}

func TestSend_PostsOrderedJSON(t *testing.T) {
	captured := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- capturedRequest{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			requestID:   r.Header.Get(RequestIDHeader),
			body:        body,
		}
		_, _ = w.Write([]byte(model.AckBody))
	}))
	defer srv.Close()

	out := newClient(t, srv.URL+"/json", 1).Send(context.Background(), sampleRecord())

	require.NoError(t, out.Err)
	assert.True(t, out.OK())
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 1, out.Attempts)

	got := <-captured
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, out.RequestID, got.requestID)
	assert.Equal(t, `{"sourceFile":"in.properties","key1":"a","key2":"b"}`, string(got.body))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(got.body, &decoded))
	assert.Len(t, decoded, 3)
}

func TestSend_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	out := newClient(t, srv.URL, 3).Send(context.Background(), sampleRecord())

	assert.False(t, out.OK())
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
	assert.Equal(t, 1, out.Attempts, "4xx must not be retried")
	assert.ErrorIs(t, out.Err, ErrTransmission)

	var se *StatusError
	require.True(t, errors.As(out.Err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := newClient(t, srv.URL, 3).Send(context.Background(), sampleRecord())

	require.NoError(t, out.Err)
	assert.True(t, out.OK())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_SingleAttemptByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	out := c.Send(context.Background(), sampleRecord())

	assert.False(t, out.OK())
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_UnreachableEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	out := newClient(t, "http://"+addr+"/json", 1).Send(context.Background(), sampleRecord())

	assert.False(t, out.OK())
	assert.Equal(t, 0, out.StatusCode)
	assert.ErrorIs(t, out.Err, ErrTransmission)
}

func TestNew_RejectsBadEndpoints(t *testing.T) {
	for _, endpoint := range []string{"", "localhost:8080/json", "ftp://host/json", "http:///json", "http://[::1"} {
		_, err := New(Config{Endpoint: endpoint})
		assert.Error(t, err, "endpoint %q", endpoint)
	}
}
