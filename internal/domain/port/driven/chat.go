package driven

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// Sentinel errors returned by ChatTransport implementations.
var (
	// ErrMessageMarkup indicates the platform rejected the message markup.
	ErrMessageMarkup = errors.New("chat message markup rejected")

	// ErrChatRateLimited indicates the platform asked the sender to slow down.
	// The wrapping error implements RetryAfter.
	ErrChatRateLimited = errors.New("chat rate limited")
)

// RetryAfterError carries the platform's requested delay.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// PartialDeliveryError reports a send that failed after some chunks of a
// split message were delivered. Remaining holds the undelivered part; a
// retry sends Remaining instead of the original message.
type PartialDeliveryError struct {
	Delivered int
	FirstID   int64
	Remaining model.OutgoingMessage
	Err       error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("delivered %d chunks before failing: %v", e.Delivered, e.Err)
}

func (e *PartialDeliveryError) Unwrap() error { return e.Err }

// ChatTransport defines the driven port for outbound chat calls.
type ChatTransport interface {
	SendMessage(ctx context.Context, msg model.OutgoingMessage) (int64, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, msg model.OutgoingMessage) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error
}

// Notifier announces change events. Delivery is best-effort: it reports
// whether the event was delivered and never returns an error.
type Notifier interface {
	Notify(ctx context.Context, event model.ChangeEvent) bool
}
