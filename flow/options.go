package flow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/flowgraph-go/flow/emit"
	"github.com/dshills/flowgraph-go/flow/proc"
)

// InitFunc runs once at orchestrator startup, after state is loaded and
// before the first decision. Errors are logged but non-fatal.
type InitFunc func(ctx context.Context, state *WorkflowState) error

// Option is a functional option for configuring an Orchestrator.
//
// Example:
//
//	result := flow.Run(ctx, req, deps,
//	    flow.WithMaxConcurrentNodes(16),
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	)
type Option func(*orchestratorConfig) error

type orchestratorConfig struct {
	maxConcurrentNodes int
	yieldChildBatching bool
	inboxDepth         int
	emitter            emit.Emitter
	metrics            *Metrics
	logger             zerolog.Logger
	initFunc           InitFunc
}

func defaultConfig() orchestratorConfig {
	return orchestratorConfig{
		maxConcurrentNodes: DefaultMaxConcurrentNodes,
		inboxDepth:         proc.DefaultInboxDepth,
		emitter:            emit.NewNullEmitter(),
		logger:             zerolog.Nop(),
	}
}

// WithMaxConcurrentNodes caps the number of nodes launched in one scheduler
// decision. Values <= 0 disable batching (one node per decision).
//
// Tuning guidance: workers are goroutines, so I/O-bound node types tolerate
// larger caps; CPU-bound node types should stay near runtime.NumCPU().
func WithMaxConcurrentNodes(n int) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.maxConcurrentNodes = n
		return nil
	}
}

// WithYieldChildBatching launches several ready yield children per decision
// instead of the conservative default of one at a time.
func WithYieldChildBatching() Option {
	return func(cfg *orchestratorConfig) error {
		cfg.yieldChildBatching = true
		return nil
	}
}

// WithInboxDepth bounds the orchestrator's inbox. When the inbox is full,
// worker sends block (backpressure).
func WithInboxDepth(n int) Option {
	return func(cfg *orchestratorConfig) error {
		if n <= 0 {
			return fmt.Errorf("inbox depth must be positive, got %d", n)
		}
		cfg.inboxDepth = n
		return nil
	}
}

// WithEmitter routes observability events to the given emitter. Default is
// the NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *orchestratorConfig) error {
		if e == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics records orchestrator metrics to the given collector.
func WithMetrics(m *Metrics) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithInitFunc registers a startup hook invoked after load and before the
// first decision. Init errors are logged and otherwise ignored.
func WithInitFunc(fn InitFunc) Option {
	return func(cfg *orchestratorConfig) error {
		cfg.initFunc = fn
		return nil
	}
}
