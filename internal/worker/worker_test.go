package worker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
)

type clientFunc func(ctx context.Context, url string) (feed.HTTPResponse, error)

func (f clientFunc) Get(ctx context.Context, url string) (feed.HTTPResponse, error) {
	return f(ctx, url)
}

func respond(code int, body string) clientFunc {
	return func(context.Context, string) (feed.HTTPResponse, error) {
		return feed.HTTPResponse{StatusCode: code, Body: body}, nil
	}
}

type harness struct {
	in   chan feed.FetchRequest
	out  chan feed.FetchOutcome
	stop *atomic.Bool
	w    *Worker
}

func start(t *testing.T, client feed.HTTPClient, outCap int) *harness {
	t.Helper()
	h := &harness{
		in:   make(chan feed.FetchRequest, 1),
		out:  make(chan feed.FetchOutcome, outCap),
		stop: &atomic.Bool{},
	}
	h.w = New(1, h.in, h.out, h.stop, client, Config{PollInterval: 10 * time.Millisecond}, nil)
	h.w.Start()
	t.Cleanup(func() {
		h.stop.Store(true)
		h.w.Join(time.Second)
	})
	return h
}

func (h *harness) next(t *testing.T) feed.FetchOutcome {
	t.Helper()
	select {
	case o := <-h.out:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no outcome received")
		return feed.FetchOutcome{}
	}
}

func TestWorkerSuccess(t *testing.T) {
	t.Parallel()

	h := start(t, respond(http.StatusOK, "test"), 1)
	h.in <- feed.FetchRequest{Link: "test"}

	o := h.next(t)
	require.Equal(t, feed.FetchSucceeded("test", "test"), o)
	require.NoError(t, o.Validate())
}

func TestWorkerStatusMismatch(t *testing.T) {
	t.Parallel()

	h := start(t, respond(http.StatusInternalServerError, ""), 1)
	h.in <- feed.FetchRequest{Link: "test"}

	o := h.next(t)
	require.Nil(t, o.Body)
	require.NotNil(t, o.Error)
	require.Equal(t, "result status code mismatch, status code:500", *o.Error)
}

func TestWorkerTransportError(t *testing.T) {
	t.Parallel()

	h := start(t, clientFunc(func(context.Context, string) (feed.HTTPResponse, error) {
		return feed.HTTPResponse{}, errors.New("test exception")
	}), 1)
	h.in <- feed.FetchRequest{Link: "test"}

	require.Equal(t, feed.FetchFailed("test", "test exception"), h.next(t))
}

func TestWorkerNotModifiedEmitsNothing(t *testing.T) {
	t.Parallel()

	h := start(t, respond(http.StatusNotModified, ""), 1)
	h.in <- feed.FetchRequest{Link: "test"}

	require.Never(t, func() bool { return len(h.out) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.True(t, h.w.Alive())
}

func TestWorkerPanicEndsWorker(t *testing.T) {
	t.Parallel()

	h := start(t, clientFunc(func(context.Context, string) (feed.HTTPResponse, error) {
		panic("boom")
	}), 1)
	require.True(t, h.w.Alive())
	h.in <- feed.FetchRequest{Link: "test"}

	require.Eventually(t, func() bool { return !h.w.Alive() }, time.Second, 5*time.Millisecond)
	require.True(t, h.w.Join(time.Second))
	require.Empty(t, h.out)
}

func TestWorkerDropsWhenOutputFull(t *testing.T) {
	t.Parallel()

	h := start(t, respond(http.StatusOK, "body"), 1)
	h.out <- feed.FetchSucceeded("occupied", "x")
	h.in <- feed.FetchRequest{Link: "test"}

	require.Eventually(t, func() bool { return len(h.in) == 0 }, time.Second, 5*time.Millisecond)
	// The worker must not block on the full queue.
	h.in <- feed.FetchRequest{Link: "again"}
	require.Eventually(t, func() bool { return len(h.in) == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "occupied", h.next(t).Link)
}

func TestWorkerStopsOnFlag(t *testing.T) {
	t.Parallel()

	stop := &atomic.Bool{}
	w := New(2, make(chan feed.FetchRequest), make(chan feed.FetchOutcome, 1), stop, respond(http.StatusOK, ""), Config{PollInterval: 5 * time.Millisecond}, nil)
	require.False(t, w.Alive())
	w.Start()
	require.True(t, w.Alive())

	stop.Store(true)
	require.True(t, w.Join(time.Second))
	require.False(t, w.Alive())
}

func TestJoinTimesOutOnHungWorker(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := start(t, clientFunc(func(context.Context, string) (feed.HTTPResponse, error) {
		<-release
		return feed.HTTPResponse{StatusCode: http.StatusOK}, nil
	}), 1)
	h.in <- feed.FetchRequest{Link: "slow"}
	require.Eventually(t, func() bool { return len(h.in) == 0 }, time.Second, 5*time.Millisecond)

	h.stop.Store(true)
	require.False(t, h.w.Join(20*time.Millisecond))
	close(release)
	require.True(t, h.w.Join(time.Second))
}
