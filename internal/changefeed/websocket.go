package changefeed

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/metrics"
)

const (
	DefaultPongWait  = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

type WSOptions struct {
	Header    http.Header
	RetryBase time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Server pings reset it.
	PongWait time.Duration
	Clock    quartz.Clock
	Dialer   *websocket.Dialer
}

// WSListener follows a websocket stream of change messages. Every text or
// binary frame counts as one change.
type WSListener struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	url     string
	opts    WSOptions
}

func NewWSListener(log zerolog.Logger, m *metrics.Metrics, url string, opts WSOptions) *WSListener {
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &WSListener{
		log:     log.With().Str("feed", "websocket").Logger(),
		metrics: m,
		url:     url,
		opts:    opts,
	}
}

func (l *WSListener) Run(ctx context.Context, onChange func()) error {
	var consecutiveFailures int
	for {
		if ctx.Err() != nil {
			return nil
		}
		delivered, err := l.session(ctx, onChange)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			consecutiveFailures = 0
		}
		consecutiveFailures++
		l.log.Warn().Err(err).Int("failures", consecutiveFailures).Msg("change feed disconnected")
		if !sleep(ctx, l.opts.Clock, backoffDuration(l.opts.RetryBase, consecutiveFailures), "reconnect") {
			return nil
		}
	}
}

// session runs one connection until it fails and reports whether any
// change came through it.
func (l *WSListener) session(ctx context.Context, onChange func()) (bool, error) {
	conn, _, err := l.opts.Dialer.DialContext(ctx, l.url, l.opts.Header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	deadline := func() { _ = conn.SetReadDeadline(time.Now().Add(l.opts.PongWait)) }
	deadline()
	conn.SetPingHandler(func(data string) error {
		deadline()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	l.log.Info().Str("url", l.url).Msg("change feed connected")

	delivered := false
	for {
		typ, _, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		deadline()
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		delivered = true
		l.metrics.IncChangefeedEvent("websocket")
		onChange()
	}
}
