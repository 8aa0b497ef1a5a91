package changefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/db"
)

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		base     time.Duration
		failures int
		want     time.Duration
	}{
		{0, 0, DefaultRetryBase},
		{100 * time.Millisecond, 0, 100 * time.Millisecond},
		{100 * time.Millisecond, 1, 200 * time.Millisecond},
		{100 * time.Millisecond, 3, 800 * time.Millisecond},
		{time.Second, 5, maxRetryDelay},
		{100 * time.Millisecond, 40, 6400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.base, tc.failures); got != tc.want {
			t.Fatalf("backoffDuration(%v, %d) = %v; want %v", tc.base, tc.failures, got, tc.want)
		}
	}
}

type fakeSession struct {
	events chan error
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Wait(ctx context.Context) (db.Notification, error) {
	select {
	case <-ctx.Done():
		return db.Notification{}, ctx.Err()
	case err := <-s.events:
		if err != nil {
			return db.Notification{}, err
		}
		return db.Notification{Channel: DefaultChannel, PID: 42}, nil
	}
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-timeout:
			t.Fatalf("timed out after %d of %d changes", i, n)
		}
	}
}

func TestPGListener_ReconnectsAndDelivers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clk := quartz.NewMock(t)
	trap := clk.Trap().NewTimer("changefeed", "reconnect")
	defer trap.Close()

	sess := &fakeSession{events: make(chan error)}
	var opens int
	open := func(context.Context) (session, error) {
		opens++
		if opens == 1 {
			return nil, errors.New("connection refused")
		}
		return sess, nil
	}
	l := newPGListener(zerolog.Nop(), nil, open, PGOptions{RetryBase: 100 * time.Millisecond, Clock: clk})

	changes := make(chan struct{}, 8)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx, func() { changes <- struct{}{} }) }()

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	if call.Duration != 200*time.Millisecond {
		t.Fatalf("expected first backoff of 200ms, got %v", call.Duration)
	}
	clk.Advance(call.Duration).MustWait(ctx)

	sess.events <- nil
	sess.events <- nil
	waitFor(t, changes, 2)

	sess.events <- errors.New("conn reset")
	call = trap.MustWait(ctx)
	call.MustRelease(ctx)
	if call.Duration != 200*time.Millisecond {
		t.Fatalf("expected backoff to restart after deliveries, got %v", call.Duration)
	}
	if !sess.isClosed() {
		t.Fatalf("expected the broken session to be closed")
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestPGListener_CancelWhileListening(t *testing.T) {
	sess := &fakeSession{events: make(chan error)}
	l := newPGListener(zerolog.Nop(), nil, func(context.Context) (session, error) { return sess, nil }, PGOptions{Clock: quartz.NewMock(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, func() {}) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestWSListener_DeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"table":"presence"}`)); err != nil {
				return
			}
		}
		// keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	l := NewWSListener(zerolog.Nop(), nil, url, WSOptions{
		Header: http.Header{"Authorization": []string{"Bearer token"}},
		Clock:  quartz.NewMock(t),
	})

	changes := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, func() { changes <- struct{}{} }) }()

	waitFor(t, changes, 3)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestWSListener_RetriesAfterRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clk := quartz.NewMock(t)
	trap := clk.Trap().NewTimer("changefeed", "reconnect")
	defer trap.Close()

	l := NewWSListener(zerolog.Nop(), nil, "ws"+strings.TrimPrefix(srv.URL, "http"), WSOptions{Clock: clk, RetryBase: 50 * time.Millisecond})
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx, func() {}) }()

	first := trap.MustWait(ctx)
	first.MustRelease(ctx)
	clk.Advance(first.Duration).MustWait(ctx)
	second := trap.MustWait(ctx)
	second.MustRelease(ctx)
	if second.Duration != 2*first.Duration {
		t.Fatalf("expected backoff to grow: %v then %v", first.Duration, second.Duration)
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
