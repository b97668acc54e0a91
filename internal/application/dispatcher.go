package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// Defaults for notification delivery.
const (
	DefaultNotifyRetries  = 2
	DefaultNotifyBackoff  = 500 * time.Millisecond
	DefaultNotifyTimeout  = 30 * time.Second
	maxRetryAfterHonoured = 2 * time.Minute
)

// DispatcherConfig controls delivery to the configured chat.
type DispatcherConfig struct {
	ChatID         string
	Retries        int
	InitialBackoff time.Duration
	Timeout        time.Duration

	// Sleep waits out a platform-requested delay. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher renders change events and sends them to a single chat.
// It implements driven.Notifier.
type Dispatcher struct {
	transport driven.ChatTransport
	cfg       DispatcherConfig
}

var _ driven.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Zero config fields take defaults.
func NewDispatcher(transport driven.ChatTransport, cfg DispatcherConfig) *Dispatcher {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = DefaultNotifyRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultNotifyBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNotifyTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Dispatcher{transport: transport, cfg: cfg}
}

// Notify delivers ev. Markup rejections fall back to plain text once.
// Failures are logged and reported as false; they never stop the caller.
func (d *Dispatcher) Notify(ctx context.Context, ev model.ChangeEvent) bool {
	if d.cfg.ChatID == "" {
		slog.Warn("notification dropped: no chat configured", "kind", ev.Kind(), "repo", ev.RepoKey())
		return false
	}

	n, err := RenderEvent(ev)
	if err != nil {
		slog.Error("notification render failed", "kind", ev.Kind(), "repo", ev.RepoKey(), "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	msg := model.OutgoingMessage{
		ChatID:             d.cfg.ChatID,
		Text:               n.HTML,
		ParseMode:          model.ParseModeHTML,
		DisableLinkPreview: n.DisableLinkPreview,
		Actions:            n.Actions,
	}

	unsent, err := d.send(ctx, msg)
	if errors.Is(err, driven.ErrMessageMarkup) {
		slog.Warn("markup rejected, resending as plain text", "kind", ev.Kind(), "repo", ev.RepoKey())
		plain := unsent
		plain.Text = n.Plain
		if unsent.Text != msg.Text {
			// Earlier chunks already went out as HTML.
			plain.Text = toPlain(unsent.Text)
		}
		plain.ParseMode = model.ParseModePlain
		_, err = d.send(ctx, plain)
	}
	if err != nil {
		slog.Error("notification failed",
			"kind", ev.Kind(),
			"repo", ev.RepoKey(),
			"error", err,
		)
		return false
	}

	slog.Debug("notification sent", "kind", ev.Kind(), "repo", ev.RepoKey())
	return true
}

// send retries transient failures with exponential backoff. A rate-limit
// reply waits the requested delay before the next attempt. Markup errors are
// returned immediately. After a partial delivery, retries send only the
// undelivered remainder; send returns what was still unsent when it gave up.
func (d *Dispatcher) send(ctx context.Context, msg model.OutgoingMessage) (model.OutgoingMessage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.Retries)), ctx)

	op := func() error {
		_, err := d.transport.SendMessage(ctx, msg)
		if err == nil {
			return nil
		}

		var partial *driven.PartialDeliveryError
		if errors.As(err, &partial) {
			slog.Warn("notification partially delivered", "chunks_sent", partial.Delivered)
			msg = partial.Remaining
		}

		if errors.Is(err, driven.ErrMessageMarkup) {
			return backoff.Permanent(err)
		}

		var ra *driven.RetryAfterError
		if errors.As(err, &ra) {
			wait := min(ra.After, maxRetryAfterHonoured)
			if sleepErr := d.cfg.Sleep(ctx, wait); sleepErr != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("notification attempt failed", "error", err, "retry_in", next)
	}

	err := backoff.RetryNotify(op, policy, notify)
	return msg, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
