package browser

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// targetHost appears in the address of every scene builder view.
const targetHost = "labs.google"

const outputCountScript = `(() => {
  const grid = document.querySelector('.virtuoso-grid-list') || document.querySelector('[role="grid"]');
  if (grid) {
    const n = grid.querySelectorAll('[data-index] button').length;
    if (n > 0) return n;
  }
  const n = document.querySelectorAll('[data-index] button').length;
  if (n > 0) return n;
  return Array.from(document.querySelectorAll('div')).slice(0, 200).filter(d => {
    const bg = getComputedStyle(d).backgroundImage;
    return bg && bg !== 'none' && bg.includes('url(');
  }).length;
})()`

const hasExistingOutputScript = `(() => {
  const grid = document.querySelector('.virtuoso-grid-list') || document.querySelector('[role="grid"]');
  const assets = (grid || document).querySelectorAll('[data-index] button').length;
  if (assets > 0) {
    const add = Array.from(document.querySelectorAll('button[aria-haspopup="menu"] i.google-symbols'))
      .some(i => (i.textContent || '').trim() === 'add');
    if (add) return true;
  }
  return document.querySelector('video') !== null;
})()`

// IsTargetReady reports whether the tab shows the scene builder editing view.
func (p *Page) IsTargetReady(ctx context.Context) (bool, error) {
	u, err := p.URL(ctx)
	if err != nil {
		return false, err
	}
	if !strings.Contains(u, targetHost) {
		return false, nil
	}
	_, ok, err := p.Locate(ctx, RoleInstructionField)
	return ok, err
}

// IsOperationInProgress reports whether a visible percentage label is shown.
func (p *Page) IsOperationInProgress(ctx context.Context) (bool, error) {
	_, ok, err := p.Locate(ctx, RoleProgressIndicator)
	return ok, err
}

// OutputCount counts the assets in the output list.
func (p *Page) OutputCount(ctx context.Context) (int, error) {
	var n int
	if _, err := p.Evaluate(ctx, outputCountScript, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// HasExistingOutput reports whether the project already holds a video.
func (p *Page) HasExistingOutput(ctx context.Context) (bool, error) {
	var ok bool
	if _, err := p.Evaluate(ctx, hasExistingOutputScript, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// WaitReady polls until the instruction field and the submit control are both
// present. Errors while the page loads are expected and only logged.
func (p *Page) WaitReady(ctx context.Context) error {
	_, err := p.poll(ctx, readyPollInterval, 0, func(ctx context.Context) (bool, error) {
		ok, err := p.controlsPresent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			p.logger.Debug("Page not answering yet.", zap.Error(err))
			return false, nil
		}
		return ok, nil
	})
	if err != nil {
		return fmt.Errorf("page did not become ready: %w", err)
	}
	return nil
}

func (p *Page) controlsPresent(ctx context.Context) (bool, error) {
	if _, ok, err := p.Locate(ctx, RoleInstructionField); err != nil || !ok {
		return false, err
	}
	_, ok, err := p.Locate(ctx, RoleSubmitButton)
	return ok, err
}
