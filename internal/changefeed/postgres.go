package changefeed

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/db"
	"pulsemap/core-go/internal/metrics"
)

const DefaultChannel = "presence_changed"

// session is one LISTEN connection. *db.Listener satisfies it.
type session interface {
	Wait(ctx context.Context) (db.Notification, error)
	Close()
}

type PGOptions struct {
	Channel   string
	RetryBase time.Duration
	Clock     quartz.Clock
}

// PGListener follows a Postgres NOTIFY channel, reconnecting with backoff
// whenever the connection drops.
type PGListener struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	open    func(ctx context.Context) (session, error)
	channel string
	base    time.Duration
	clock   quartz.Clock
}

func NewPGListener(log zerolog.Logger, m *metrics.Metrics, pool *db.Pool, opts PGOptions) *PGListener {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	return newPGListener(log, m, func(ctx context.Context) (session, error) {
		ln, err := pool.Listen(ctx, opts.Channel)
		if err != nil {
			return nil, err
		}
		return ln, nil
	}, opts)
}

func newPGListener(log zerolog.Logger, m *metrics.Metrics, open func(ctx context.Context) (session, error), opts PGOptions) *PGListener {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &PGListener{
		log:     log.With().Str("feed", "postgres").Str("channel", opts.Channel).Logger(),
		metrics: m,
		open:    open,
		channel: opts.Channel,
		base:    opts.RetryBase,
		clock:   opts.Clock,
	}
}

func (l *PGListener) Run(ctx context.Context, onChange func()) error {
	var consecutiveFailures int
	for {
		if ctx.Err() != nil {
			return nil
		}

		sess, err := l.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutiveFailures++
			l.log.Warn().Err(err).Int("failures", consecutiveFailures).Msg("change feed connect failed")
			if !sleep(ctx, l.clock, backoffDuration(l.base, consecutiveFailures), "reconnect") {
				return nil
			}
			continue
		}
		l.log.Info().Msg("change feed listening")

		for {
			n, err := sess.Wait(ctx)
			if err != nil {
				sess.Close()
				if ctx.Err() != nil {
					return nil
				}
				consecutiveFailures++
				l.log.Warn().Err(err).Msg("change feed connection lost")
				break
			}
			consecutiveFailures = 0
			l.metrics.IncChangefeedEvent("postgres")
			l.log.Debug().Uint32("pid", n.PID).Msg("change notification")
			onChange()
		}

		if !sleep(ctx, l.clock, backoffDuration(l.base, consecutiveFailures), "reconnect") {
			return nil
		}
	}
}
