package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scenepilot/internal/config"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

// persistTimeout bounds store writes made after the run context is gone.
const persistTimeout = 10 * time.Second

// Options holds the driver's timing and retry policy.
type Options struct {
	CompletionTimeout time.Duration
	PollInterval      time.Duration
	Retry             RetryPolicy
	RestartDelay      time.Duration
	ReloadBatch       int
	StallGrace        time.Duration
	ReloadSettle      time.Duration
	ReadyTimeout      time.Duration
	ReadySettle       time.Duration
}

// OptionsFromConfig maps the driver config section onto Options.
func OptionsFromConfig(cfg config.DriverConfig) Options {
	return Options{
		CompletionTimeout: cfg.CompletionTimeout,
		PollInterval:      cfg.PollInterval,
		Retry:             RetryPolicy{Limit: cfg.RetryLimit, Delay: cfg.RetryDelay},
		RestartDelay:      cfg.RestartDelay,
		ReloadBatch:       cfg.ReloadBatch,
		StallGrace:        cfg.StallGrace,
		ReloadSettle:      cfg.ReloadSettle,
		ReadyTimeout:      cfg.ReadyTimeout,
		ReadySettle:       cfg.ReadySettle,
	}
}

// DefaultOptions returns the policy from the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.NewDefaultConfig().Driver())
}

// seedMark identifies a run position.
type seedMark struct {
	runID string
	entry int
	item  int
	set   bool
}

func markFor(rs *store.RunState) seedMark {
	return seedMark{runID: rs.RunID, entry: rs.EntryIndex, item: rs.ItemIndex, set: true}
}

// runHandle tracks the single active run goroutine.
type runHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	userStop atomic.Bool
	started  bool
}

// Driver is the resilient automation state machine. It owns the RunState,
// mirrors it to the StateStore before anything that may destroy the page
// context, and executes at most one run at a time.
type Driver struct {
	page   Page
	store  StateStore
	events Emitter
	opts   Options
	logger *zap.Logger

	now   func() time.Time
	sleep SleepFunc
	newID func() string

	mu     sync.Mutex
	state  State
	run    *store.RunState
	active *runHandle
	// uploaded marks the position whose seed image is already in the asset list.
	uploaded seedMark

	// persistMu serializes snapshot+save pairs so a stale snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
}

// New creates a Driver in the Idle state.
func New(page Page, st StateStore, events Emitter, opts Options, logger *zap.Logger) *Driver {
	return &Driver{
		page:   page,
		store:  st,
		events: events,
		opts:   opts,
		logger: logger.Named("driver"),
		now:    time.Now,
		sleep:  sleepCtx,
		newID:  func() string { return uuid.New().String() },
		state:  Idle,
	}
}

// State returns the current state machine position.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns a copy of the in-memory run state, or nil.
func (d *Driver) Snapshot() *store.RunState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run.Clone()
}

// Running reports whether a run goroutine is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

// Done returns a channel closed when the active run exits. With no active
// run the channel is already closed.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.active.done
}

// Start begins a flow run over items. seed is an optional image data URL used
// for the first item when the project has no output yet.
func (d *Driver) Start(ctx context.Context, items []string, seed string) error {
	if len(items) == 0 {
		return errors.New("flow has no items")
	}
	h, err := d.reserve()
	if err != nil {
		return err
	}
	if err := d.checkPreconditions(ctx); err != nil {
		d.release(h)
		return err
	}
	if err := d.clearScopes(ctx, store.ScopeFlow, store.ScopeQueue); err != nil {
		d.release(h)
		return err
	}
	rs := &store.RunState{
		RunID:       d.newID(),
		Scope:       store.ScopeFlow,
		Sequences:   []store.Sequence{{SeedImage: seed, Items: append([]string(nil), items...)}},
		Running:     true,
		SeedPending: seed != "",
	}
	if err := d.begin(ctx, h, rs); err != nil {
		d.release(h)
		return err
	}
	return nil
}

// StartQueue begins a queue run over entries.
func (d *Driver) StartQueue(ctx context.Context, entries []store.Sequence) error {
	h, err := d.reserve()
	if err != nil {
		return err
	}
	if err := d.startQueue(ctx, h, entries); err != nil {
		d.release(h)
		return err
	}
	return nil
}

// RestartQueue halts any active run and starts the queue again from its first
// item. With no entries, the saved queue's entries are reused.
func (d *Driver) RestartQueue(ctx context.Context, entries []store.Sequence) error {
	if err := d.halt(ctx); err != nil {
		return err
	}
	h, err := d.reserve()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		saved, ok, err := d.store.Restore(ctx, store.ScopeQueue)
		if err != nil {
			d.release(h)
			return fmt.Errorf("failed to load saved queue: %w", err)
		}
		if !ok {
			d.release(h)
			return ErrNoSavedQueue
		}
		entries = saved.Sequences
	}
	if err := d.startQueue(ctx, h, entries); err != nil {
		d.release(h)
		return err
	}
	return nil
}

func (d *Driver) startQueue(ctx context.Context, h *runHandle, entries []store.Sequence) error {
	if len(entries) == 0 {
		return errors.New("queue has no entries")
	}
	if err := d.checkPreconditions(ctx); err != nil {
		return err
	}
	if !entries[0].HasSeed() {
		has, err := d.page.HasExistingOutput(ctx)
		if err != nil {
			return fmt.Errorf("failed to probe existing output: %w", err)
		}
		if !has {
			return ErrNoSeed
		}
	}
	if err := d.clearScopes(ctx, store.ScopeQueue, store.ScopeFlow); err != nil {
		return err
	}
	rs := &store.RunState{
		RunID:       d.newID(),
		Scope:       store.ScopeQueue,
		Sequences:   cloneSequences(entries),
		Running:     true,
		SeedPending: entries[0].HasSeed(),
	}
	return d.begin(ctx, h, rs)
}

// ContinueQueue resumes the saved queue from its persisted position.
func (d *Driver) ContinueQueue(ctx context.Context) error {
	h, err := d.reserve()
	if err != nil {
		return err
	}
	rs, ok, err := d.store.Restore(ctx, store.ScopeQueue)
	if err != nil {
		d.release(h)
		return fmt.Errorf("failed to load saved queue: %w", err)
	}
	if !ok {
		d.release(h)
		return ErrNoSavedQueue
	}
	if err := d.checkPreconditions(ctx); err != nil {
		d.release(h)
		return err
	}
	rs.Running = true
	rs.UserStopped = false
	if rs.RunID == "" {
		rs.RunID = d.newID()
	}
	if err := d.begin(ctx, h, rs); err != nil {
		d.release(h)
		return err
	}
	return nil
}

// UpdateQueueItems replaces the queue's entries while keeping its position.
// With no queue state at all, a stopped queue is saved so ContinueQueue can
// pick it up.
func (d *Driver) UpdateQueueItems(ctx context.Context, entries []store.Sequence) error {
	if len(entries) == 0 {
		return errors.New("queue has no entries")
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	d.mu.Lock()
	if d.run != nil && d.run.Scope == store.ScopeQueue && d.active != nil {
		next := d.run.Clone()
		next.Sequences = cloneSequences(entries)
		if err := next.Normalize(); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("updated queue does not fit the current position: %w", err)
		}
		d.run = next
		snapshot := next.Clone()
		d.mu.Unlock()
		if err := d.store.Save(ctx, store.ScopeQueue, snapshot); err != nil {
			return err
		}
		d.info("Queue entries updated.", zap.Int("entries", len(entries)))
		return nil
	}
	d.mu.Unlock()

	rs, ok, err := d.store.Restore(ctx, store.ScopeQueue)
	if err != nil {
		return fmt.Errorf("failed to load saved queue: %w", err)
	}
	if !ok {
		rs = &store.RunState{RunID: d.newID(), Scope: store.ScopeQueue}
	}
	rs.Sequences = cloneSequences(entries)
	if err := rs.Normalize(); err != nil {
		return fmt.Errorf("updated queue does not fit the saved position: %w", err)
	}
	if !ok {
		rs.SeedPending = rs.Sequences[0].HasSeed()
	}
	if err := d.store.Save(ctx, store.ScopeQueue, rs); err != nil {
		return err
	}
	d.info("Saved queue entries updated.", zap.Int("entries", len(entries)))
	return nil
}

// Stop requests a cooperative stop. An in-flight step finishes its current
// await; no further step starts. Queue progress is kept for ContinueQueue,
// flow progress is discarded.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	h := d.active
	started := h != nil && h.started
	if h != nil {
		h.userStop.Store(true)
		if started {
			h.cancel()
		}
	}
	d.mu.Unlock()
	if started {
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("stop requested but run has not yet exited: %w", ctx.Err())
		}
	}

	rs, ok, err := d.store.Restore(ctx, store.ScopeQueue)
	if err != nil {
		return fmt.Errorf("failed to load saved queue: %w", err)
	}
	if !ok {
		rs = nil
	}
	if err := d.persistStop(ctx, rs); err != nil {
		return err
	}
	d.setState(Stopped)
	d.emit(Event{Type: EventStatus, Status: StatusStopped})
	return nil
}

// Close halts the active run without recording a user stop, so a persisted
// running state is resumed by the next Resume.
func (d *Driver) Close(ctx context.Context) error {
	return d.halt(ctx)
}

// CheckReady probes the target view and signals wrong_context when it is not ready.
func (d *Driver) CheckReady(ctx context.Context) (bool, error) {
	ready, err := d.page.IsTargetReady(ctx)
	if err != nil {
		return false, err
	}
	if !ready {
		d.signalWrongContext(ctx)
	}
	return ready, nil
}

// Resume restores persisted state after a process start and re-enters the run
// if it was running and not stopped by the user.
func (d *Driver) Resume(ctx context.Context) error {
	h, err := d.reserve()
	if err != nil {
		return fmt.Errorf("cannot restore while a run is active: %w", err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, d.opts.ReadyTimeout)
	if err := d.page.WaitReady(readyCtx); err != nil {
		d.warn("Page did not become ready before restore.", zap.Error(err))
	}
	cancel()
	if err := d.sleep(ctx, d.opts.ReadySettle); err != nil {
		d.release(h)
		return err
	}

	var rs *store.RunState
	for _, scope := range store.Scopes {
		restored, ok, err := d.store.Restore(ctx, scope)
		if err != nil {
			d.release(h)
			return fmt.Errorf("failed to restore %s state: %w", scope, err)
		}
		if ok {
			rs = restored
			break
		}
	}
	if rs == nil {
		d.release(h)
		d.logger.Debug("No persisted run state to restore.")
		return nil
	}

	if !rs.Running || rs.UserStopped {
		d.release(h)
		d.mu.Lock()
		d.run = rs
		d.mu.Unlock()
		d.info(fmt.Sprintf("Restored stopped %s state; waiting for a command.", rs.Scope))
		d.emitProgress(rs)
		return nil
	}

	ready, err := d.page.IsTargetReady(ctx)
	if err != nil || !ready {
		d.warn("Restored a running state but the page is not the scene builder view.", zap.Error(err))
	}
	d.info(fmt.Sprintf("Resuming %s run at entry %d, item %d.", rs.Scope, rs.EntryIndex+1, rs.ItemIndex+1))
	if err := d.begin(ctx, h, rs); err != nil {
		d.release(h)
		return err
	}
	return nil
}

// reserve claims the single run slot.
func (d *Driver) reserve() (*runHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, ErrBusy
	}
	h := &runHandle{done: make(chan struct{})}
	d.active = h
	return h, nil
}

// release frees a reserved slot that never started a run.
func (d *Driver) release(h *runHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == h {
		d.active = nil
	}
	close(h.done)
}

// halt cancels the active run, if any, and waits for it to exit.
func (d *Driver) halt(ctx context.Context) error {
	d.mu.Lock()
	h := d.active
	started := h != nil && h.started
	d.mu.Unlock()
	if !started {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin persists the new run state and launches the run goroutine. The caller
// releases h on error.
func (d *Driver) begin(ctx context.Context, h *runHandle, rs *store.RunState) error {
	if h.userStop.Load() {
		return ErrStopped
	}
	if err := d.store.Save(ctx, rs.Scope, rs); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.mu.Lock()
	if h.userStop.Load() {
		d.mu.Unlock()
		cancel()
		return ErrStopped
	}
	d.run = rs.Clone()
	h.cancel = cancel
	h.started = true
	d.state = RunningItem
	d.mu.Unlock()

	d.emit(Event{Type: EventStatus, Status: runningStatus(rs.Scope)})
	d.emitProgress(rs)
	go d.loop(runCtx, h)
	return nil
}

func (d *Driver) checkPreconditions(ctx context.Context) error {
	ready, err := d.page.IsTargetReady(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe target view: %w", err)
	}
	if !ready {
		d.signalWrongContext(ctx)
		return ErrWrongContext
	}
	busy, err := d.page.IsOperationInProgress(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe render progress: %w", err)
	}
	if busy {
		return ErrRenderInProgress
	}
	return nil
}

func (d *Driver) clearScopes(ctx context.Context, scopes ...store.Scope) error {
	for _, scope := range scopes {
		if err := d.store.Clear(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// persistStop records a user stop. Queue state is kept with running=false;
// anything else is discarded.
func (d *Driver) persistStop(ctx context.Context, rs *store.RunState) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	if rs != nil && rs.Scope == store.ScopeQueue {
		rs.Running = false
		rs.UserStopped = true
		if err := d.store.Save(ctx, store.ScopeQueue, rs); err != nil {
			return err
		}
		return d.store.Clear(ctx, store.ScopeFlow)
	}
	return d.clearScopes(ctx, store.ScopeFlow, store.ScopeQueue)
}

// persist mirrors the current in-memory run state to the store.
func (d *Driver) persist(ctx context.Context) error {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	d.mu.Lock()
	snapshot := d.run.Clone()
	d.mu.Unlock()
	if snapshot == nil {
		return nil
	}
	return d.store.Save(ctx, snapshot.Scope, snapshot)
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.logger.Debug("State transition.", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (d *Driver) signalWrongContext(ctx context.Context) {
	url, err := d.page.URL(ctx)
	if err != nil {
		d.logger.Debug("Could not read page URL.", zap.Error(err))
	}
	d.warn("The active page is not the scene builder view. Open a Flow scene builder project.", zap.String("url", url))
	d.emit(Event{Type: EventWrongContext, URL: url})
	d.emit(Event{Type: EventStatus, Status: StatusIdle})
}

func (d *Driver) emit(e Event) {
	if d.events == nil {
		return
	}
	if e.RunID == "" {
		d.mu.Lock()
		if d.run != nil {
			e.RunID = d.run.RunID
		}
		d.mu.Unlock()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now().UTC()
	}
	d.events.Emit(e)
}

func (d *Driver) emitProgress(rs *store.RunState) {
	if rs.Scope == store.ScopeQueue {
		p := &Progress{
			Done:            rs.TotalProcessed,
			Total:           rs.TotalItems(),
			CurrentEntryNum: rs.EntryIndex + 1,
			CurrentItemNum:  rs.ItemIndex + 1,
			TotalProcessed:  rs.TotalProcessed,
		}
		if seq := rs.Current(); seq != nil {
			p.TotalItemsInCurrentEntry = len(seq.Items)
			if p.CurrentItemNum > len(seq.Items) {
				p.CurrentItemNum = len(seq.Items)
			}
		}
		d.emit(Event{Type: EventQueueProgress, RunID: rs.RunID, Progress: p})
		return
	}
	total := 0
	if seq := rs.Current(); seq != nil {
		total = len(seq.Items)
	}
	d.emit(Event{Type: EventProgress, RunID: rs.RunID, Progress: &Progress{Done: rs.ItemIndex, Total: total}})
}

// report logs msg and mirrors it onto the event log stream.
func (d *Driver) report(lvl zapcore.Level, msg string, fields ...zap.Field) {
	if ce := d.logger.Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
	d.emit(Event{Type: EventLog, Message: msg})
}

func (d *Driver) info(msg string, fields ...zap.Field) { d.report(zapcore.InfoLevel, msg, fields...) }
func (d *Driver) warn(msg string, fields ...zap.Field) { d.report(zapcore.WarnLevel, msg, fields...) }

func runningStatus(scope store.Scope) Status {
	if scope == store.ScopeQueue {
		return StatusQueueRunning
	}
	return StatusRunning
}

func cloneSequences(in []store.Sequence) []store.Sequence {
	out := make([]store.Sequence, len(in))
	for i, seq := range in {
		out[i] = store.Sequence{SeedImage: seq.SeedImage, Items: append([]string(nil), seq.Items...)}
	}
	return out
}
