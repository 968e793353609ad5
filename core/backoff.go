package core

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	defaultBackoffInitial = defaultBaseBackoffSeconds * time.Second
	defaultBackoffMax     = defaultMaxBackoffSeconds * time.Second
)

// ExponentialBackoffScheduler returns Initial*Multiplier^(attempt-1), capped at
// Max. attempt is the 1-based number of the attempt that just failed.
type ExponentialBackoffScheduler struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	max := s.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = defaultBackoffMultiplier
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func isUnrecoverableRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz, goerrors.CategoryValidation, goerrors.CategoryBadInput:
			return true
		}
		switch strings.TrimSpace(strings.ToUpper(richErr.TextCode)) {
		case "TOKEN_EXPIRED", "UNAUTHORIZED", "FORBIDDEN", GatewayErrorRefreshFailed:
			return true
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid_client") ||
		strings.Contains(msg, "unauthorized_client") ||
		strings.Contains(msg, "invalid refresh token") ||
		strings.Contains(msg, "reauthorization required")
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
