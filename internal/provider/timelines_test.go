package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agromet/internal/types"
)

func testClient(t *testing.T, handler http.Handler) (*TimelinesClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(
		srv.Client(),
		fmt.Sprintf("test-%s", t.Name()),
		RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
		"agromet-test",
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewTimelinesClient(base, srv.URL, types.SecretString("key-123")), srv
}

func TestTimelinesClient_FetchGrid(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/timelines", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("Apikey"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"timelines":[{"intervals":[
			{"startTime":"2024-10-01T00:00:00Z","values":{"max_temperature":24.9,"min_temperature":15.4}},
			{"startTime":"2024-10-02T00:00:00Z","values":{"max_temperature":26.1,"min_temperature":16.0}}
		]}]}}`)
	}))

	intervals, err := client.FetchGrid(context.Background(), 0.005, 0.005,
		[]string{"max_temperature", "min_temperature"}, TimestepDaily,
		time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, intervals, 2)
	assert.Equal(t, 24.9, intervals[0].Values["max_temperature"])
	assert.Equal(t, time.Date(2024, 10, 2, 0, 0, 0, 0, time.UTC), intervals[1].StartTime)
}

func TestTimelinesClient_RejectedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad field", http.StatusBadRequest)
	}))

	_, err := client.FetchGrid(context.Background(), 0.005, 0.005,
		[]string{"nonexistent"}, TimestepDaily, time.Now(), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamRejected, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.Details["status_code"])
	// 4xx must not be retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimelinesClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":{"timelines":[{"intervals":[]}]}}`)
	}))

	intervals, err := client.FetchGrid(context.Background(), 0.005, 0.005,
		[]string{"max_temperature"}, TimestepDaily, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, intervals)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTimelinesClient_ExhaustedRetriesIsUpstreamError(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))

	_, err := client.FetchGrid(context.Background(), 0.005, 0.005,
		[]string{"max_temperature"}, TimestepDaily, time.Now(), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
}
