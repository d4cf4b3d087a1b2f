// Package ai is the boundary to the external text generator that answers
// conversations no rule matched.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrGatewayUnavailable is matched by every failure of a bounded gateway:
// transport errors, timeouts and blank replies.
var ErrGatewayUnavailable = errors.New("ai gateway unavailable")

// DefaultTimeout bounds a gateway call when no positive timeout is given.
const DefaultTimeout = 20 * time.Second

// Roles of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role string
	Text string
}

// Request is one generation call. History is oldest first; its last turn
// is the message being answered.
type Request struct {
	Persona string
	Model   string
	History []Turn
}

type Gateway interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%v: %v", ErrGatewayUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrGatewayUnavailable }

var errBlankReply = errors.New("blank reply")

type bounded struct {
	next    Gateway
	timeout time.Duration
}

// Bounded wraps g with a hard timeout. Any error, an exceeded deadline or
// a blank reply comes back as *UnavailableError. There is no retry. A
// non-positive timeout means DefaultTimeout.
func Bounded(g Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &bounded{next: g, timeout: timeout}
}

func (b *bounded) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := b.next.Generate(ctx, req)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", &UnavailableError{Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return "", &UnavailableError{Err: r.err}
		}
		text := strings.TrimSpace(r.text)
		if text == "" {
			return "", &UnavailableError{Err: errBlankReply}
		}
		return text, nil
	}
}

// Func adapts a function to Gateway.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
