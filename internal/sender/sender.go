// Package sender defines the send capability shared by campaigns and the
// auto-reply engine, and the gate that serializes access to it.
package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSendFailure is matched by every error a Sender returns for a message
// the transport did not accept.
var ErrSendFailure = errors.New("send failure")

// Outbound is one message to send.
type Outbound struct {
	To       string
	Text     string
	MediaURL string
}

// Receipt identifies a message accepted by the transport. ExternalID is
// what delivery and read acks are correlated by.
type Receipt struct {
	ExternalID string
}

type Sender interface {
	Send(ctx context.Context, out Outbound) (Receipt, error)
}

// Func adapts a function to Sender.
type Func func(ctx context.Context, out Outbound) (Receipt, error)

func (f Func) Send(ctx context.Context, out Outbound) (Receipt, error) { return f(ctx, out) }

// SendError reports a rejected send for one address.
type SendError struct {
	Address string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Address, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailure }

// Failure wraps err as a SendError for address.
func Failure(address string, err error) error {
	return &SendError{Address: address, Err: err}
}

// Log is a dry-run Sender that only logs what it would send.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "sender").Str("transport", "log").Logger()}
}

func (l *Log) Send(ctx context.Context, out Outbound) (Receipt, error) {
	if out.To == "" {
		return Receipt{}, Failure(out.To, errors.New("empty address"))
	}
	id := "log." + uuid.NewString()
	l.log.Info().
		Str("to", out.To).
		Str("external_id", id).
		Bool("media", out.MediaURL != "").
		Str("text", out.Text).
		Msg("Dry-run send")
	return Receipt{ExternalID: id}, nil
}
