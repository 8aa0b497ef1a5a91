package changefeed

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/db"
)

func requireTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	return dsn
}

func TestPGListener_Postgres(t *testing.T) {
	dsn := requireTestDatabaseURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	channel := "presence_changed_test"
	l := NewPGListener(zerolog.Nop(), nil, pool, PGOptions{Channel: channel})

	changes := make(chan struct{}, 8)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx, func() { changes <- struct{}{} }) }()

	notifier, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect notifier: %v", err)
	}
	defer notifier.Close(ctx)

	// LISTEN is registered asynchronously; keep notifying until one lands.
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for got := false; !got; {
		select {
		case <-changes:
			got = true
		case <-tick.C:
			if _, err := notifier.Exec(ctx, "SELECT pg_notify($1, $2)", channel, `{"table":"presence"}`); err != nil {
				t.Fatalf("notify: %v", err)
			}
		case <-ctx.Done():
			t.Fatalf("no notification delivered")
		}
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
