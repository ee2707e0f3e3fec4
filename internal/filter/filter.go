// Package filter evaluates an optional CEL expression against canonical
// messages after the policy gates pass. Operators use it to narrow what
// reaches the dispatcher, for example `direct || body.contains("deploy")`.
package filter

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/logger"
	"larkgate/pkg/metrics"
	"larkgate/pkg/models"
)

// Evaluator holds a compiled filter expression. A nil *Evaluator is valid
// and admits every message.
type Evaluator struct {
	program cel.Program
	onError string
	logger  logger.Logger
}

// New compiles the configured expression. It returns nil when no expression
// is configured. Compilation errors surface at startup rather than per
// message.
func New(cfg config.FilterConfig, log logger.Logger) (*Evaluator, error) {
	if cfg.Expression == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("body", cel.StringType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("sender_name", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("channel_id", cel.StringType),
		cel.Variable("session_key", cel.StringType),
		cel.Variable("direct", cel.BoolType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Evaluator{
		program: program,
		onError: cfg.OnError,
		logger:  log,
	}, nil
}

// Allow evaluates the expression against the message. Evaluation errors fall
// back to the configured on_error behavior.
func (e *Evaluator) Allow(ctx context.Context, msg models.CanonicalMessage) bool {
	if e == nil {
		return true
	}

	vars := map[string]interface{}{
		"body":        msg.Body,
		"sender_id":   msg.SenderID,
		"sender_name": msg.SenderName,
		"from":        msg.From,
		"to":          msg.To,
		"channel_id":  msg.ChannelID,
		"session_key": msg.SessionKey,
		"direct":      msg.Direct,
		"provider":    msg.Provider,
		"timestamp":   msg.Timestamp,
	}

	result, _, err := e.program.ContextEval(ctx, vars)
	if err != nil {
		return e.fallback(ctx, err)
	}

	allowed, ok := result.Value().(bool)
	if !ok {
		return e.fallback(ctx, fmt.Errorf("filter expression returned %T, want bool", result.Value()))
	}

	if allowed {
		metrics.FilterEvaluationsTotal.WithLabelValues("allowed").Inc()
	} else {
		metrics.FilterEvaluationsTotal.WithLabelValues("denied").Inc()
	}
	return allowed
}

func (e *Evaluator) fallback(ctx context.Context, err error) bool {
	metrics.FilterEvaluationsTotal.WithLabelValues("error").Inc()

	switch e.onError {
	case constants.FallbackDeny:
		metrics.FallbackUsageTotal.WithLabelValues("filter", "deny_on_error", "evaluation_error").Inc()
		e.logger.WarnwCtx(ctx, "Filter evaluation error, denying message (fallback: deny)",
			"error", err,
		)
		return false
	default:
		metrics.FallbackUsageTotal.WithLabelValues("filter", "allow_on_error", "evaluation_error").Inc()
		e.logger.WarnwCtx(ctx, "Filter evaluation error, allowing message (fallback: allow)",
			"error", err,
		)
		return true
	}
}
