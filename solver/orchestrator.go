// Package solver chooses a solve strategy from problem-size heuristics and
// drives the external FEM engine through it, with bounded fallback, typed
// failure classification, cancellation and a non-blocking progress stream.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/logging"
	"github.com/structmesh/femcore/mesh"
	"github.com/structmesh/femcore/problem"
)

// Phase is the orchestrator state. Transitions run
// Idle -> Assembling -> Solving -> {Converged, Diverged, TimedOut} -> Idle.
type Phase uint8

const (
	Idle Phase = iota
	Assembling
	Solving
	Converged
	Diverged
	TimedOut
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Assembling:
		return "assembling"
	case Solving:
		return "solving"
	case Converged:
		return "converged"
	case Diverged:
		return "diverged"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// ProgressEvent is an observational sample published during a solve:
// phase transitions, iteration progress and fallback notices. Consumers
// must not be relied on for control flow; slow subscribers drop events.
type ProgressEvent struct {
	ID        string
	Phase     Phase
	Iteration int
	Residual  float64
	Message   string
	Timestamp time.Time
}

// Diagnostics describes how a solve went, persisted with the result.
type Diagnostics struct {
	Strategy        StrategyChoice
	FallbackUsed    bool
	Iterations      int
	Residual        float64
	ResidualHistory []float64
	WallTime        time.Duration
	DOFCount        int
}

// SolveResult holds the solution fields keyed by mesh vertex plus solver
// diagnostics. Immutable once produced.
type SolveResult struct {
	Displacement []r3.Vec
	VonMises     []float64
	StrainEq     []float64
	Diagnostics  Diagnostics
}

// MaxDisplacement returns the largest displacement magnitude and the
// vertex it occurs at.
func (r *SolveResult) MaxDisplacement() (float64, int) {
	best, at := 0.0, -1
	for v, u := range r.Displacement {
		if n := r3.Norm(u); n > best || at < 0 {
			best, at = n, v
		}
	}
	return best, at
}

// Orchestrator owns the ProblemDescriptor for the duration of one solve
// and drives the engine through the chosen strategy. One solve at a time.
type Orchestrator struct {
	engine Engine
	cfg    Config
	log    logging.Logger

	mu    sync.Mutex
	phase Phase
	subs  []chan ProgressEvent
}

// NewOrchestrator creates an orchestrator around an engine.
func NewOrchestrator(engine Engine, cfg Config, log logging.Logger) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("solver: engine is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{engine: engine, cfg: cfg, log: logging.OrNoOp(log)}, nil
}

// Phase returns the current state.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Subscribe returns a channel of progress events with the given buffer.
// Publishing never blocks; events beyond the buffer are dropped.
func (o *Orchestrator) Subscribe(buffer int) <-chan ProgressEvent {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ProgressEvent, buffer)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) publish(ev ProgressEvent) {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	o.mu.Lock()
	subs := o.subs
	o.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // observational only, never block the solve
		}
	}
}

func (o *Orchestrator) transition(p Phase, msg string) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.log.Debug("orchestrator phase", "phase", p.String(), "msg", msg)
	o.publish(ProgressEvent{Phase: p, Message: msg})
}

// Solve drives one solve of the descriptor with the given strategy. On
// iterative divergence exactly one automatic fallback to the direct
// strategy is attempted before failure is surfaced. Singular systems are
// reported without retry: they indicate a modeling error upstream.
// Cancellation is all-or-nothing; no partial result is ever returned.
func (o *Orchestrator) Solve(ctx context.Context, d *problem.Descriptor, m *mesh.Mesh, strategy StrategyChoice) (*SolveResult, error) {
	o.mu.Lock()
	if o.phase != Idle {
		phase := o.phase
		o.mu.Unlock()
		return nil, fmt.Errorf("solver: orchestrator busy (phase %s)", phase)
	}
	o.phase = Assembling
	o.mu.Unlock()
	defer o.transition(Idle, "")

	timeout := time.Duration(o.cfg.TimeoutSeconds * float64(time.Second))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	o.publish(ProgressEvent{Phase: Assembling, Message: fmt.Sprintf("assembling %d DOFs", d.DOFCount)})
	o.log.Info("solve started", "dofs", d.DOFCount, "strategy", strategy.String())

	sys, err := o.engine.Assemble(ctx, d, m)
	if err != nil {
		return nil, o.classify(err, strategy, time.Since(start))
	}

	// Cancellation checkpoint between assembly and the first iteration.
	if err := ctx.Err(); err != nil {
		return nil, o.classify(mapContextErr(err), strategy, time.Since(start))
	}

	o.transition(Solving, strategy.String())
	progress := func(it Iteration) {
		o.publish(ProgressEvent{Phase: Solving, Iteration: it.Index, Residual: it.Residual})
	}

	used := strategy
	fallbackUsed := false
	raw, err := o.engine.Solve(ctx, sys, used, progress)
	if err != nil && errors.Is(err, ErrDivergence) && used.Method == Iterative {
		// Bounded retry: one fallback to direct, never more.
		fallbackUsed = true
		used = DirectFallback()
		o.log.Warn("iterative solve diverged, falling back to direct", "cause", err.Error())
		o.publish(ProgressEvent{Phase: Solving, Message: "diverged, retrying with direct strategy"})
		raw, err = o.engine.Solve(ctx, sys, used, progress)
	}
	if err != nil {
		return nil, o.classify(err, used, time.Since(start))
	}

	fields, err := o.engine.Recover(sys, raw)
	if err != nil {
		return nil, o.classify(err, used, time.Since(start))
	}

	elapsed := time.Since(start)
	o.transition(Converged, fmt.Sprintf("%d iterations, residual %g", raw.Iterations, raw.Residual))
	o.log.Info("solve converged",
		"strategy", used.String(),
		"fallback", fallbackUsed,
		"iterations", raw.Iterations,
		"residual", raw.Residual,
		"wall_time", elapsed)

	return &SolveResult{
		Displacement: fields.Displacement,
		VonMises:     fields.VonMises,
		StrainEq:     fields.StrainEq,
		Diagnostics: Diagnostics{
			Strategy:        used,
			FallbackUsed:    fallbackUsed,
			Iterations:      raw.Iterations,
			Residual:        raw.Residual,
			ResidualHistory: raw.ResidualHistory,
			WallTime:        elapsed,
			DOFCount:        d.DOFCount,
		},
	}, nil
}

// classify maps a failure onto the terminal phase, logs it with its
// diagnostic context and returns it enriched.
func (o *Orchestrator) classify(err error, used StrategyChoice, elapsed time.Duration) error {
	switch {
	case errors.Is(err, ErrTimeout):
		o.transition(TimedOut, err.Error())
	case errors.Is(err, ErrCanceled):
		// All-or-nothing: no terminal phase, the deferred transition
		// returns the orchestrator to Idle.
	default:
		o.transition(Diverged, err.Error())
	}
	o.log.Error("solve failed", "error", err.Error(), "strategy", used.String(), "wall_time", elapsed)

	var se *SolveError
	if errors.As(err, &se) {
		se.Strategy = used
		se.Elapsed = elapsed
		return se
	}
	return &SolveError{Strategy: used, Elapsed: elapsed, Wrapped: err}
}
