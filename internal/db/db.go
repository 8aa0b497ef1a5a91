package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Pool struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Verify connectivity early.
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return &Pool{pool: p}, nil
}

func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// Notification is one NOTIFY delivered to a Listener.
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Listener owns a connection taken out of the pool and subscribed to one
// channel. It is not safe for concurrent use.
type Listener struct {
	conn    *pgx.Conn
	channel string
}

// Listen takes a connection out of the pool and issues LISTEN on channel.
func (p *Pool) Listen(ctx context.Context, channel string) (*Listener, error) {
	if p == nil || p.pool == nil {
		return nil, fmt.Errorf("listen %q: database not configured", channel)
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %q: %w", channel, err)
	}
	return &Listener{conn: conn.Hijack(), channel: channel}, nil
}

// Wait blocks until the next notification or ctx is done.
func (l *Listener) Wait(ctx context.Context) (Notification, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
}

func (l *Listener) Channel() string { return l.channel }

// Close closes the hijacked connection; it never returns to the pool.
func (l *Listener) Close() {
	if l == nil || l.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.conn.Close(ctx)
	l.conn = nil
}
