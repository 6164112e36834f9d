package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/store"
)

// errStateGone ends a run whose persisted state disappeared across a reload.
var errStateGone = errors.New("persisted run state disappeared")

// loop is the single driver task. Every iteration resolves the current item
// (success, reload, suspension or stop) before the next one begins.
func (d *Driver) loop(ctx context.Context, h *runHandle) {
	defer d.finish(h)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.awaitTargetView(ctx); err != nil {
			return
		}

		err := d.runItem(ctx)
		switch {
		case err == nil:
			finished, err := d.itemCompleted(ctx)
			if finished || err != nil {
				return
			}
		case ctx.Err() != nil, errors.Is(err, ErrStopped):
			return
		case errors.Is(err, ErrContextLost), errors.Is(err, ErrCompletionTimeout):
			d.warn(fmt.Sprintf("Item did not complete (%v); reloading to retry it.", err))
			if err := d.reloadAndResume(ctx); err != nil {
				if d.endOnReloadError(ctx, err) {
					return
				}
			}
		case errors.Is(err, ErrWrongContext):
			// awaitTargetView holds the run until the view is back.
		default:
			if err := d.suspend(ctx, err); err != nil {
				return
			}
		}
	}
}

// finish runs when the loop exits for any reason.
func (d *Driver) finish(h *runHandle) {
	userStop := h.userStop.Load()
	if userStop {
		d.mu.Lock()
		rs := d.run.Clone()
		d.mu.Unlock()
		if err := d.persistStop(context.Background(), rs); err != nil {
			d.logger.Error("Failed to persist stop.", zap.Error(err))
		}
		d.info("Stopped by user.")
	}

	d.mu.Lock()
	idled := false
	switch {
	case userStop:
		d.state = Stopped
	case d.state != Complete:
		d.state = Idle
		idled = true
	}
	var runID string
	if d.run != nil {
		runID = d.run.RunID
	}
	if d.active == h {
		d.active = nil
	}
	d.mu.Unlock()
	h.cancel()
	close(h.done)

	switch {
	case userStop:
		d.emit(Event{Type: EventStatus, Status: StatusStopped})
	case idled:
		d.emit(Event{Type: EventStatus, RunID: runID, Status: StatusIdle})
	}
}

// runItem drives the current item through its pipeline and completion wait,
// retrying transient step failures in place.
func (d *Driver) runItem(ctx context.Context) error {
	_, err := WithRetry(ctx, d.opts.Retry, d.sleep,
		func(ctx context.Context, _ int) (struct{}, error) {
			return struct{}{}, d.attemptItem(ctx)
		},
		func(attempt int, err error) {
			d.setState(Retrying)
			d.warn(fmt.Sprintf("Attempt failed: %v. Retry %d/%d in %s.", err, attempt, d.opts.Retry.Limit-1, d.opts.Retry.Delay))
			d.emit(Event{Type: EventRetry})
		})
	if err != nil && ctx.Err() != nil {
		return ErrStopped
	}
	return err
}

// attemptItem runs one pass of the right pipeline for the current position,
// submits, and waits for the render verdict.
func (d *Driver) attemptItem(ctx context.Context) error {
	rs := d.Snapshot()
	text, ok := rs.CurrentItem()
	if !ok {
		return fmt.Errorf("%w: no item at entry %d, item %d", store.ErrInvalidState, rs.EntryIndex, rs.ItemIndex)
	}
	seed, err := d.needsSeed(ctx, rs)
	if err != nil {
		return err
	}
	d.info(fmt.Sprintf("Processing %s.", position(rs)))

	if seed {
		d.setState(AwaitingSeed)
		err = d.seedPipeline(ctx, rs, text)
	} else {
		d.setState(RunningItem)
		err = d.continuationPipeline(ctx, text)
	}
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ErrStopped
	}
	before, err := d.page.OutputCount(ctx)
	if err != nil {
		return stepErr("count_outputs", err)
	}
	if err := d.runSteps(ctx, step{"submit", d.page.Submit}); err != nil {
		return err
	}
	d.setState(WaitingForCompletion)
	return d.awaitCompletion(ctx, before)
}

// needsSeed decides between the seed and continuation pipelines. Queue
// entries with an image always seed their first item; a flow seeds only
// when the project has nothing to continue from.
func (d *Driver) needsSeed(ctx context.Context, rs *store.RunState) (bool, error) {
	if !rs.SeedPending || rs.ItemIndex != 0 || !rs.Current().HasSeed() {
		return false, nil
	}
	if rs.Scope == store.ScopeQueue {
		return true, nil
	}
	has, err := d.page.HasExistingOutput(ctx)
	if err != nil {
		return false, stepErr("probe_existing_output", err)
	}
	if has {
		d.info("Project already has output; the seed image is not needed.")
	}
	return !has, nil
}

// itemCompleted advances past a successful item and persists. It reports
// finished when the whole run is complete.
func (d *Driver) itemCompleted(ctx context.Context) (finished bool, err error) {
	d.mu.Lock()
	enteredNewEntry := d.run.Advance()
	rs := d.run.Clone()
	d.mu.Unlock()

	d.emitProgress(rs)
	if rs.Done() {
		d.complete(ctx, rs)
		return true, nil
	}
	if err := d.persist(ctx); err != nil {
		d.logger.Error("Failed to persist progress.", zap.Error(err))
		return false, d.suspend(ctx, err)
	}
	if enteredNewEntry {
		d.info(fmt.Sprintf("Queue entry %d complete; moving to entry %d.", rs.EntryIndex, rs.EntryIndex+1))
	}
	if d.batchReloadDue(rs) {
		d.info(fmt.Sprintf("Reloading after %d completed items to keep the page responsive.", d.opts.ReloadBatch))
		if err := d.reloadAndResume(ctx); err != nil && d.endOnReloadError(ctx, err) {
			return false, err
		}
	}
	return false, nil
}

func (d *Driver) batchReloadDue(rs *store.RunState) bool {
	if d.opts.ReloadBatch <= 0 || rs.Done() {
		return false
	}
	n := rs.ItemIndex
	if rs.Scope == store.ScopeQueue {
		n = rs.TotalProcessed
	}
	return n > 0 && n%d.opts.ReloadBatch == 0
}

// complete clears the persisted state and reports the terminal status.
func (d *Driver) complete(ctx context.Context, rs *store.RunState) {
	d.persistMu.Lock()
	if err := d.store.Clear(context.WithoutCancel(ctx), rs.Scope); err != nil {
		d.logger.Error("Failed to clear completed run state.", zap.Error(err))
	}
	d.persistMu.Unlock()
	d.setState(Complete)
	d.info(fmt.Sprintf("All %d items completed.", rs.TotalItems()))
	d.emit(Event{Type: EventComplete, RunID: rs.RunID})
	d.emit(Event{Type: EventStatus, RunID: rs.RunID, Status: StatusIdle})
}

// suspend waits out the auto-restart delay after a run of failures.
func (d *Driver) suspend(ctx context.Context, cause error) error {
	d.setState(Suspended)
	d.warn(fmt.Sprintf("Giving up on this attempt (%v); restarting in %s.", cause, d.opts.RestartDelay))
	d.emit(Event{Type: EventSuspend})
	d.emit(Event{Type: EventStatus, Status: StatusWaitingRestart})
	if err := d.sleep(ctx, d.opts.RestartDelay); err != nil {
		return ErrStopped
	}
	rs := d.Snapshot()
	d.info("Auto-restarting.")
	d.emit(Event{Type: EventStatus, Status: runningStatus(rs.Scope)})
	return nil
}

// awaitTargetView blocks while the page is not the scene builder view,
// repeating the wrong_context signal every restart delay.
func (d *Driver) awaitTargetView(ctx context.Context) error {
	for {
		ready, err := d.page.IsTargetReady(ctx)
		if ctx.Err() != nil {
			return ErrStopped
		}
		if err == nil && ready {
			return nil
		}
		if err != nil {
			d.warn("Could not probe the target view.", zap.Error(err))
		}
		d.setState(Suspended)
		d.signalWrongContext(ctx)
		if err := d.sleep(ctx, d.opts.RestartDelay); err != nil {
			return ErrStopped
		}
	}
}

// reloadAndResume persists, reloads the page and rehydrates the run state
// from the store, so the in-flight item is re-attempted from its checkpoint.
func (d *Driver) reloadAndResume(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrStopped
	}
	if err := d.persist(ctx); err != nil {
		return fmt.Errorf("refusing to reload without a saved checkpoint: %w", err)
	}
	d.emit(Event{Type: EventReload})
	if err := d.sleep(ctx, d.opts.ReloadSettle); err != nil {
		return ErrStopped
	}
	if err := d.page.Reload(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrStopped
		}
		d.warn("Page reload reported an error; waiting for the page anyway.", zap.Error(err))
	}

	readyCtx, cancel := context.WithTimeout(ctx, d.opts.ReadyTimeout)
	err := d.page.WaitReady(readyCtx)
	cancel()
	if ctx.Err() != nil {
		return ErrStopped
	}
	if err != nil {
		d.warn("Page was not ready after reload.", zap.Error(err))
	}
	if err := d.sleep(ctx, d.opts.ReadySettle); err != nil {
		return ErrStopped
	}

	scope := d.Snapshot().Scope
	rs, ok, err := d.store.Restore(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to rehydrate %s state: %w", scope, err)
	}
	if !ok {
		return errStateGone
	}
	d.mu.Lock()
	d.run = rs
	d.mu.Unlock()
	d.info(fmt.Sprintf("Resumed after reload at %s.", position(rs)))
	d.emitProgress(rs)
	return nil
}

// endOnReloadError decides whether a failed reload ends the run.
func (d *Driver) endOnReloadError(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil, errors.Is(err, ErrStopped):
		return true
	case errors.Is(err, errStateGone):
		d.warn("Run state vanished during reload; ending the run.")
		return true
	}
	return d.suspend(ctx, err) != nil
}

// awaitCompletion polls for the render verdict. Each tick checks, in order:
// stop requested, output count increased, progress indicator seen and then
// gone (confirmed by a recount), indicator absent for the stall grace, and
// the overall timeout.
func (d *Driver) awaitCompletion(ctx context.Context, before int) error {
	deadline := d.now().Add(d.opts.CompletionTimeout)
	sawProgress := false
	var idleSince time.Time

	for {
		if ctx.Err() != nil {
			return ErrStopped
		}

		count, err := d.page.OutputCount(ctx)
		if err != nil {
			if errors.Is(err, ErrContextLost) {
				return err
			}
			d.warn("Output count probe failed.", zap.Error(err))
			count = before
		}
		if count > before {
			d.info(fmt.Sprintf("Render finished (%d -> %d outputs).", before, count))
			return nil
		}

		inProgress, err := d.page.IsOperationInProgress(ctx)
		probed := err == nil
		if err != nil {
			if errors.Is(err, ErrContextLost) {
				return err
			}
			d.warn("Progress probe failed.", zap.Error(err))
		}

		if probed && sawProgress && !inProgress {
			if err := d.sleep(ctx, d.opts.ReloadSettle); err != nil {
				return ErrStopped
			}
			recount, err := d.page.OutputCount(ctx)
			if err == nil && recount > before {
				d.info(fmt.Sprintf("Render finished (%d -> %d outputs).", before, recount))
				return nil
			}
			return fmt.Errorf("%w: progress indicator disappeared with no new output", ErrCompletionTimeout)
		}

		if probed {
			now := d.now()
			switch {
			case inProgress:
				sawProgress = true
				idleSince = time.Time{}
			case idleSince.IsZero():
				idleSince = now
			case now.Sub(idleSince) >= d.opts.StallGrace:
				return fmt.Errorf("%w: no progress indicator for %s", ErrCompletionTimeout, now.Sub(idleSince).Round(time.Second))
			}
		}

		if !d.now().Before(deadline) {
			return fmt.Errorf("%w: timed out after %s", ErrCompletionTimeout, d.opts.CompletionTimeout)
		}
		if err := d.sleep(ctx, d.opts.PollInterval); err != nil {
			return ErrStopped
		}
	}
}

func position(rs *store.RunState) string {
	seq := rs.Current()
	n := 0
	if seq != nil {
		n = len(seq.Items)
	}
	if rs.Scope == store.ScopeQueue {
		return fmt.Sprintf("entry %d/%d, item %d/%d", rs.EntryIndex+1, len(rs.Sequences), rs.ItemIndex+1, n)
	}
	return fmt.Sprintf("item %d/%d", rs.ItemIndex+1, n)
}
