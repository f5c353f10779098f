// Package puppet animates the avatar's control channels: it owns the one
// live transition per target and steps all of them on a shared render
// clock.
package puppet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/nanlingyin/SoulLink-Live2D/internal/config"
	"github.com/nanlingyin/SoulLink-Live2D/internal/easing"
	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
)

var (
	// ErrEmptyExpression reports an expression with no parameters.
	ErrEmptyExpression = errors.New("expression has no parameters")
	// ErrNoChannels reports that no referenced channel is declared.
	ErrNoChannels = errors.New("no referenced channel is declared")
)

// Expression is a labeled bundle of target channel values plus a
// transition duration. It is consumed exactly once by the engine.
type Expression struct {
	Label      string
	Parameters map[string]float64
	Duration   time.Duration
	Easing     string
	AutoReset  bool
}

// FrameFunc observes the values written during one tick for one target.
type FrameFunc func(target string, values map[string]float64)

// Engine interpolates channel values toward expression targets. One
// transition may be live per target; applying a new one supersedes the
// old before its next write.
type Engine struct {
	cfg    config.AnimationConfig
	sink   param.Sink
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	table   *param.Table
	active  map[string]*transition
	holds   int
	onFrame FrameFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	started   metric.Int64Counter
	completed metric.Int64Counter
	cancelled metric.Int64Counter
}

type transition struct {
	label     string
	start     map[string]float64
	end       map[string]float64
	startedAt time.Time
	duration  time.Duration
	ease      easing.Func
	// stop is shared with the Handle so cancelling a transition also
	// cancels the revert started on its behalf.
	stop       *atomic.Bool
	autoRevert bool
	done       bool
	reverting  bool
	revertAt   time.Time
	revertHeld bool
}

// Handle identifies one applied expression; cancelling it stops the
// transition and any pending auto-revert it scheduled.
type Handle struct {
	engine *Engine
	target string
	stop   *atomic.Bool
}

// Cancel stops the transition before its next write.
func (h *Handle) Cancel() {
	if h == nil || h.stop.Swap(true) {
		return
	}
	h.engine.mu.Lock()
	if tr := h.engine.active[h.target]; tr != nil && tr.stop == h.stop {
		delete(h.engine.active, h.target)
	}
	h.engine.mu.Unlock()
	h.engine.addCancelled()
}

// Target reports which animation target the handle belongs to.
func (h *Handle) Target() string { return h.target }

// New creates an engine writing through sink, bounded by the declared
// table. Call Start to drive it from the render clock.
func New(cfg config.AnimationConfig, sink param.Sink, table *param.Table, logger *slog.Logger) *Engine {
	if table == nil {
		table = param.EmptyTable()
	}
	e := &Engine{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(slog.String("component", "puppet")),
		clock:  time.Now,
		table:  table,
		active: make(map[string]*transition),
	}
	meter := otel.Meter("soullink/puppet")
	e.started, _ = meter.Int64Counter("avatar_transitions_started_total")
	e.completed, _ = meter.Int64Counter("avatar_transitions_completed_total")
	e.cancelled, _ = meter.Int64Counter("avatar_transitions_cancelled_total")
	return e
}

// SetFrameFunc registers an observer of per-tick writes.
func (e *Engine) SetFrameFunc(fn FrameFunc) {
	e.mu.Lock()
	e.onFrame = fn
	e.mu.Unlock()
}

// Start runs the tick loop until Close.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Duration(e.cfg.TickInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				e.step(now)
			}
		}
	}()
}

// Close stops the tick loop and cancels everything in flight.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.mu.Lock()
	for target, tr := range e.active {
		tr.stop.Store(true)
		delete(e.active, target)
	}
	e.mu.Unlock()
}

// Table returns the current declared-channel table.
func (e *Engine) Table() *param.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table
}

// ReplaceTable swaps in a new avatar's declared channels. All live
// transitions reference the old table and are cancelled first.
func (e *Engine) ReplaceTable(table *param.Table) {
	if table == nil {
		table = param.EmptyTable()
	}
	e.mu.Lock()
	for target, tr := range e.active {
		tr.stop.Store(true)
		delete(e.active, target)
	}
	e.table = table
	e.mu.Unlock()
}

func (e *Engine) clampDuration(d time.Duration) time.Duration {
	min := time.Duration(e.cfg.MinDuration) * time.Millisecond
	max := time.Duration(e.cfg.MaxDuration) * time.Millisecond
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// Apply starts animating target toward the expression's values. The
// current live value of each referenced channel is read at call time so
// chained transitions pick up exactly where the previous one left off.
// A zero duration writes the final values immediately.
func (e *Engine) Apply(target string, expr Expression) (*Handle, error) {
	if len(expr.Parameters) == 0 {
		return nil, ErrEmptyExpression
	}

	duration := expr.Duration
	if duration != 0 {
		duration = e.clampDuration(duration)
	}
	ease := easing.Resolve(expr.Easing, e.cfg.DefaultEasing)

	e.mu.Lock()
	defer e.mu.Unlock()

	start := make(map[string]float64, len(expr.Parameters))
	end := make(map[string]float64, len(expr.Parameters))
	for id, v := range expr.Parameters {
		c, ok := e.table.Lookup(id)
		if !ok {
			e.logger.Debug("skipping undeclared channel", slog.String("channel", id))
			continue
		}
		cur, ok := e.sink.GetValue(id)
		if !ok {
			continue
		}
		start[id] = cur
		end[id] = c.Clamp(v)
	}
	if len(end) == 0 {
		return nil, ErrNoChannels
	}

	if prev := e.active[target]; prev != nil {
		prev.stop.Store(true)
	}

	now := e.clock()
	tr := &transition{
		label:      expr.Label,
		start:      start,
		end:        end,
		startedAt:  now,
		duration:   duration,
		ease:       ease,
		stop:       &atomic.Bool{},
		autoRevert: expr.AutoReset,
	}
	e.active[target] = tr
	if e.started != nil {
		e.started.Add(context.Background(), 1)
	}

	if duration == 0 {
		e.writeLocked(target, tr, 1)
		e.finishLocked(target, tr, now)
	}

	return &Handle{engine: e, target: target, stop: tr.stop}, nil
}

// Cancel stops the live transition (and pending revert) for target.
func (e *Engine) Cancel(target string) {
	e.mu.Lock()
	tr := e.active[target]
	if tr != nil {
		tr.stop.Store(true)
		delete(e.active, target)
	}
	e.mu.Unlock()
	if tr != nil {
		e.addCancelled()
	}
}

// Revert animates every declared channel of target back to its default.
func (e *Engine) Revert(target string, duration time.Duration) (*Handle, error) {
	params := make(map[string]float64, e.Table().Len())
	for id, c := range e.Table().Channels() {
		params[id] = c.Default
	}
	if len(params) == 0 {
		return nil, ErrNoChannels
	}
	return e.Apply(target, Expression{
		Label:      "reset",
		Parameters: params,
		Duration:   duration,
		Easing:     e.cfg.DefaultEasing,
	})
}

// HoldReverts suspends pending auto-reverts, e.g. while speech audio for
// the current expression is still playing.
func (e *Engine) HoldReverts() {
	e.mu.Lock()
	e.holds++
	e.mu.Unlock()
}

// ReleaseReverts resumes auto-reverts; held timers restart from now.
func (e *Engine) ReleaseReverts() {
	e.mu.Lock()
	if e.holds > 0 {
		e.holds--
	}
	if e.holds == 0 {
		now := e.clock()
		for _, tr := range e.active {
			if tr.done && tr.revertHeld {
				tr.revertHeld = false
				tr.revertAt = now.Add(time.Duration(e.cfg.ResetDelay) * time.Millisecond)
			}
		}
	}
	e.mu.Unlock()
}

// Animating reports whether target has an unfinished transition.
func (e *Engine) Animating(target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.active[target]
	return tr != nil && !tr.done
}

// step advances every live transition to now. The stop flag is checked
// before any write, which is what guarantees a superseded transition
// never writes again after its successor starts.
func (e *Engine) step(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for target, tr := range e.active {
		if tr.stop.Load() {
			delete(e.active, target)
			continue
		}
		if !tr.done {
			progress := 1.0
			if tr.duration > 0 {
				progress = float64(now.Sub(tr.startedAt)) / float64(tr.duration)
				if progress < 0 {
					progress = 0
				}
				if progress > 1 {
					progress = 1
				}
			}
			e.writeLocked(target, tr, progress)
			if progress >= 1 {
				e.finishLocked(target, tr, now)
			}
			continue
		}
		// Completed, waiting for its auto-revert window.
		if tr.revertHeld || tr.revertAt.IsZero() || now.Before(tr.revertAt) {
			continue
		}
		e.startRevertLocked(target, tr, now)
	}
}

func (e *Engine) writeLocked(target string, tr *transition, progress float64) {
	eased := tr.ease(progress)
	var frame map[string]float64
	if e.onFrame != nil {
		frame = make(map[string]float64, len(tr.end))
	}
	for id, endV := range tr.end {
		v := endV
		if progress < 1 {
			startV := tr.start[id]
			v = startV + (endV-startV)*eased
		}
		e.sink.SetValue(id, v)
		if frame != nil {
			frame[id] = v
		}
	}
	if frame != nil {
		e.onFrame(target, frame)
	}
}

func (e *Engine) finishLocked(target string, tr *transition, now time.Time) {
	tr.done = true
	if e.completed != nil {
		e.completed.Add(context.Background(), 1)
	}
	if !tr.autoRevert {
		delete(e.active, target)
		return
	}
	if e.holds > 0 {
		tr.revertHeld = true
		return
	}
	tr.revertAt = now.Add(time.Duration(e.cfg.ResetDelay) * time.Millisecond)
}

// startRevertLocked replaces a completed transition with one toward each
// touched channel's default. The stop flag carries over, so the handle
// returned from Apply cancels the revert too.
func (e *Engine) startRevertLocked(target string, prev *transition, now time.Time) {
	start := make(map[string]float64, len(prev.end))
	end := make(map[string]float64, len(prev.end))
	for id := range prev.end {
		c, ok := e.table.Lookup(id)
		if !ok {
			continue
		}
		cur, ok := e.sink.GetValue(id)
		if !ok {
			continue
		}
		start[id] = cur
		end[id] = c.Default
	}
	if len(end) == 0 {
		delete(e.active, target)
		return
	}
	e.active[target] = &transition{
		label:     "auto-reset",
		start:     start,
		end:       end,
		startedAt: now,
		duration:  e.clampDuration(time.Duration(e.cfg.DefaultDuration) * time.Millisecond),
		ease:      easing.Resolve(e.cfg.DefaultEasing, easing.DefaultName),
		stop:      prev.stop,
		reverting: true,
	}
	if e.started != nil {
		e.started.Add(context.Background(), 1)
	}
}

func (e *Engine) addCancelled() {
	if e.cancelled != nil {
		e.cancelled.Add(context.Background(), 1)
	}
}
