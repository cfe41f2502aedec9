package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/flowcore/types"
)

// Action is an in-process agent: it performs the work a token describes and
// returns the task output.
type Action interface {
	Execute(ctx context.Context, tok types.WorkToken) (map[string]interface{}, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, tok types.WorkToken) (map[string]interface{}, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, tok types.WorkToken) (map[string]interface{}, error) {
	return f(ctx, tok)
}

// retryPolicy returns the attempts and backoff a token's assignment asks for.
// Only service tasks carry a retry policy; everything else runs once.
func retryPolicy(tok types.WorkToken) (int, time.Duration) {
	svc := tok.Assignment.Service
	if svc == nil || svc.Retry.MaxAttempts <= 1 {
		return 1, 0
	}
	return svc.Retry.MaxAttempts, time.Duration(svc.Retry.BackoffMs) * time.Millisecond
}

// executeWithRetry runs action until it succeeds, attempts run out, or ctx is done.
func executeWithRetry(ctx context.Context, action Action, tok types.WorkToken) (map[string]interface{}, error) {
	attempts, backoff := retryPolicy(tok)

	var lastErr error
	for i := 0; i < attempts; i++ {
		output, err := attempt(ctx, action, tok)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s canceled after %d attempts: %w", tok.ID, i+1, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("task %s failed after %d attempts: %w", tok.ID, attempts, lastErr)
}

// attempt runs action once, bounded by the service timeout if there is one.
func attempt(ctx context.Context, action Action, tok types.WorkToken) (map[string]interface{}, error) {
	if svc := tok.Assignment.Service; svc != nil && svc.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(svc.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return action.Execute(ctx, tok)
}
