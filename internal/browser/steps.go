package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/driver"
)

// minTrackWidth is the narrowest seek track the drag can target reliably.
const minTrackWidth = 172

const scrollAssetsScript = `(() => {
  const grid = document.querySelector('.virtuoso-grid-list') || document.querySelector('[role="grid"]');
  let el = grid;
  while (el && el !== document.body) {
    const s = getComputedStyle(el);
    if ((s.overflowY === 'auto' || s.overflowY === 'scroll') && el.scrollHeight > el.clientHeight) {
      el.scrollTop = el.scrollHeight;
      return true;
    }
    el = el.parentElement;
  }
  const any = Array.from(document.querySelectorAll('[data-testid="virtuoso-scroller"], [data-virtuoso-scroller]'))[0];
  if (any) { any.scrollTop = any.scrollHeight; return true; }
  return false;
})()`

// setTextScript writes a value through the native setter so the app's input
// listeners see it. It returns the resulting value.
const setTextScript = `(() => {
  const t = document.querySelector('#PINHOLE_TEXT_AREA_ELEMENT_ID');
  if (!t) return null;
  t.focus();
  const proto = t instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
  Object.getOwnPropertyDescriptor(proto, 'value').set.call(t, %s);
  t.dispatchEvent(new Event('input', {bubbles: true}));
  t.dispatchEvent(new Event('change', {bubbles: true}));
  return t.value;
})()`

// sliderScript reads the seek slider as {now, max}, or null when it is gone.
// Mode "focus" focuses it first; "force" writes the maximum directly and
// fires the events the player listens for.
const sliderScript = `/* slider */ (() => {
  const mode = %q;
  const s = document.querySelector('[role="slider"][aria-orientation="horizontal"]');
  if (!s) return null;
  const max = parseFloat(s.getAttribute('aria-valuemax')) || 100;
  if (mode === 'focus') s.focus();
  if (mode === 'force') {
    s.setAttribute('aria-valuenow', String(max));
    const thumb = s.querySelector('span[style*="left"]');
    if (thumb) thumb.style.left = 'calc(100%% - 0.72px)';
    s.dispatchEvent(new Event('input', {bubbles: true}));
    s.dispatchEvent(new Event('change', {bubbles: true}));
  }
  return {now: parseFloat(s.getAttribute('aria-valuenow')) || 0, max: max};
})()`

type sliderState struct {
	Now float64 `json:"now"`
	Max float64 `json:"max"`
}

func (s sliderState) atEnd() bool { return math.Abs(s.Now-s.Max) < 1 }

// normalizeLabel strips icon ligatures and collapses whitespace.
func normalizeLabel(s string) string {
	s = strings.ReplaceAll(s, "arrow_drop_down", "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// clickRole locates role, scrolls it into view and clicks it.
func (p *Page) clickRole(ctx context.Context, role Role) error {
	h, ok, err := p.resolve(ctx, role)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(role)
	}
	return p.Click(ctx, h)
}

// EnsureFrameToVideoMode opens the mode selector and picks frames-to-video
// unless it is already the selected mode.
func (p *Page) EnsureFrameToVideoMode(ctx context.Context) error {
	sel, ok, err := p.resolve(ctx, RoleModeSelector)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleModeSelector)
	}
	if err := p.Click(ctx, sel); err != nil {
		return err
	}
	if err := p.sleep(ctx, p.steps.NormalDelay); err != nil {
		return err
	}

	opt, ok, err := p.resolve(ctx, RoleModeOption)
	if err != nil {
		return err
	}
	if !ok {
		_ = p.PressKey(ctx, "Escape")
		return notFound(RoleModeOption)
	}
	if normalizeLabel(opt.Text) == normalizeLabel(sel.Text) {
		p.logger.Debug("Frames-to-video mode already selected.")
		return p.PressKey(ctx, "Escape")
	}
	if err := p.Click(ctx, opt); err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.LongDelay)
}

// UploadSeedImage feeds the seed image to the page's file input, opening the
// add menu first when no input is mounted yet.
func (p *Page) UploadSeedImage(ctx context.Context, dataURL string) error {
	path, cleanup, err := writeSeedFile(dataURL)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, ok, err := p.Locate(ctx, RoleFileInput); err != nil {
		return err
	} else if ok {
		if err := p.setInputFiles(ctx, path); err != nil {
			return err
		}
		return p.sleep(ctx, p.steps.LongDelay)
	}

	add, ok, err := p.waitFor(ctx, RolePromptAddButton, p.steps.ElementTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RolePromptAddButton)
	}
	if err := p.Click(ctx, add); err != nil {
		return err
	}
	if err := p.sleep(ctx, p.steps.NormalDelay); err != nil {
		return err
	}

	if _, ok, err := p.Locate(ctx, RoleFileInput); err != nil {
		return err
	} else if ok {
		if err := p.setInputFiles(ctx, path); err != nil {
			return err
		}
		return p.sleep(ctx, p.steps.LongDelay)
	}

	item, ok, err := p.waitFor(ctx, RoleUploadMenuItem, p.steps.ElementTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleUploadMenuItem)
	}
	if err := p.uploadViaChooser(ctx, item, path); err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.LongDelay)
}

// HandlePreviewAndCrop confirms the crop dialog, then accepts the consent
// notice if one follows. It reports whether the notice was accepted.
func (p *Page) HandlePreviewAndCrop(ctx context.Context) (bool, error) {
	crop, ok, err := p.pollFor(ctx, RoleCropConfirm, p.steps.MediumDelay, p.steps.CropSaveAttempts)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, notFound(RoleCropConfirm)
	}
	if err := p.Click(ctx, crop); err != nil {
		return false, err
	}
	if err := p.sleep(ctx, p.steps.LongDelay); err != nil {
		return false, err
	}

	agree, consented, err := p.pollFor(ctx, RoleNoticeAgree, p.steps.NormalDelay, p.steps.NoticeDialogAttempts)
	if err != nil {
		return false, err
	}
	if consented {
		p.logger.Info("Accepting usage notice.")
		if err := p.Click(ctx, agree); err != nil {
			return false, err
		}
		if err := p.sleep(ctx, p.steps.LongDelay); err != nil {
			return false, err
		}
		return true, nil
	}

	// Without the notice the app selects the upload itself once the dialog
	// closes.
	closed, err := p.poll(ctx, p.steps.NormalDelay, p.steps.MenuFrameAttempts, func(ctx context.Context) (bool, error) {
		_, open, err := p.Locate(ctx, RoleDialog)
		return !open, err
	})
	if err != nil {
		return false, err
	}
	if !closed {
		p.logger.Warn("Crop dialog still open after confirming.")
	}
	if _, ok, err := p.waitFor(ctx, RoleSelectedThumbnail, p.steps.UploadIconTimeout); err != nil {
		return false, err
	} else if !ok {
		p.logger.Debug("Uploaded image thumbnail not visible yet.")
	}
	return false, nil
}

// OpenImagePicker shows the asset picker, clicking the input's add control
// when the picker is not already open.
func (p *Page) OpenImagePicker(ctx context.Context) error {
	if _, ok, err := p.Locate(ctx, RoleAssetGrid); err != nil {
		return err
	} else if ok {
		return p.sleep(ctx, p.steps.LongDelay)
	}
	if err := p.clickRole(ctx, RolePromptAddButton); err != nil {
		return err
	}
	if _, ok, err := p.waitFor(ctx, RoleAssetGrid, p.steps.ElementTimeout); err != nil {
		return err
	} else if !ok {
		return notFound(RoleAssetGrid)
	}
	return p.sleep(ctx, p.steps.LongDelay)
}

// SelectLatestAsset clicks the newest asset in the picker.
func (p *Page) SelectLatestAsset(ctx context.Context) error {
	if _, ok, err := p.waitFor(ctx, RoleAssetGrid, p.steps.ElementTimeout); err != nil {
		return err
	} else if !ok {
		return notFound(RoleAssetGrid)
	}
	if _, ok, err := p.pollFor(ctx, RoleUploadIcon, p.steps.NormalDelay, p.steps.UploadIconAttempts); err != nil {
		return err
	} else if !ok {
		p.logger.Debug("Picker upload control not seen; selecting anyway.")
	}
	if err := p.sleep(ctx, p.steps.StabilizeDelay); err != nil {
		return err
	}

	asset, ok, err := p.waitFor(ctx, RoleLatestAsset, p.steps.AssetTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleLatestAsset)
	}
	if err := p.Click(ctx, asset); err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.NormalDelay)
}

// CloseMenuFrame dismisses an open dialog or menu.
func (p *Page) CloseMenuFrame(ctx context.Context) error {
	btn, ok, err := p.resolve(ctx, RoleDialogClose)
	if err != nil {
		return err
	}
	if ok {
		err = p.Click(ctx, btn)
	} else {
		err = p.PressKey(ctx, "Escape")
	}
	if err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.LongDelay)
}

// ConfirmInputSelected waits until the input shows a selected image thumbnail
// or the empty placeholder has gone.
func (p *Page) ConfirmInputSelected(ctx context.Context) error {
	ok, err := p.poll(ctx, p.steps.NormalDelay, p.steps.ThumbnailAttempts, func(ctx context.Context) (bool, error) {
		if _, thumb, err := p.Locate(ctx, RoleSelectedThumbnail); err != nil || thumb {
			return thumb, err
		}
		_, placeholder, err := p.Locate(ctx, RoleInputPlaceholder)
		return !placeholder, err
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("input still shows the empty placeholder")
	}
	return nil
}

// ScrollAssetListToEnd scrolls the output list so the newest output is
// mounted. A missing list is not an error.
func (p *Page) ScrollAssetListToEnd(ctx context.Context) error {
	var scrolled bool
	if _, err := p.Evaluate(ctx, scrollAssetsScript, &scrolled); err != nil {
		return err
	}
	if !scrolled {
		p.logger.Debug("No scrollable asset list found.")
	}
	return p.sleep(ctx, p.steps.NormalDelay)
}

// SaveFrameAsAsset drags the seek slider to the end of its track, checks it
// reports its maximum and saves the frame there as a new asset via the frame
// menu.
func (p *Page) SaveFrameAsAsset(ctx context.Context) error {
	slider, ok, err := p.resolve(ctx, RoleSlider)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleSlider)
	}
	track, ok, err := p.Locate(ctx, RoleSliderTrack)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleSliderTrack)
	}
	if track.Width < minTrackWidth {
		return fmt.Errorf("seek track too narrow: %.0fpx", track.Width)
	}

	target := track.Right() - 10
	p.logger.Debug("Seeking to last frame.", zap.Float64("from", slider.X), zap.Float64("to", target))
	if err := p.Drag(ctx, slider.X, target, slider.Y); err != nil {
		if errors.Is(err, driver.ErrContextLost) {
			return fmt.Errorf("%w: seek did not complete", err)
		}
		return err
	}
	if err := p.sleep(ctx, p.steps.LongDelay); err != nil {
		return err
	}
	if err := p.seekToEnd(ctx, track); err != nil {
		return err
	}

	menu, ok, err := p.waitFor(ctx, RoleFrameMenuButton, p.steps.ElementTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleFrameMenuButton)
	}
	if err := p.Hover(ctx, menu); err != nil {
		return err
	}
	if err := p.Click(ctx, menu); err != nil {
		return err
	}
	if err := p.sleep(ctx, p.steps.NormalDelay); err != nil {
		return err
	}

	item, ok, err := p.waitFor(ctx, RoleSaveFrameItem, p.steps.ElementTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(RoleSaveFrameItem)
	}
	if err := p.Click(ctx, item); err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.LongDelay)
}

func (p *Page) readSlider(ctx context.Context, mode string) (sliderState, error) {
	var st sliderState
	found, err := p.Evaluate(ctx, fmt.Sprintf(sliderScript, mode), &st)
	if err != nil {
		return st, err
	}
	if !found {
		return st, fmt.Errorf("%w: seek slider returned null", driver.ErrContextLost)
	}
	return st, nil
}

// seekToEnd confirms the slider sits at its maximum. When the drag fell short
// it clicks the track end, then presses End, then writes the value directly,
// rechecking after each.
func (p *Page) seekToEnd(ctx context.Context, track Handle) error {
	st, err := p.readSlider(ctx, "read")
	if err != nil {
		return err
	}
	if st.atEnd() {
		return nil
	}

	end := Handle{Role: RoleSliderTrack, X: track.Right() - 10, Y: track.Y, Width: 1, Height: 1}
	fallbacks := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"track_click", func(ctx context.Context) error { return p.Click(ctx, end) }},
		{"end_key", func(ctx context.Context) error {
			if _, err := p.readSlider(ctx, "focus"); err != nil {
				return err
			}
			return p.PressKey(ctx, "End")
		}},
		{"direct_write", func(ctx context.Context) error {
			_, err := p.readSlider(ctx, "force")
			return err
		}},
	}
	for _, fb := range fallbacks {
		p.logger.Debug("Seek fell short of the last frame.",
			zap.String("next", fb.name), zap.Float64("now", st.Now), zap.Float64("max", st.Max))
		if err := fb.run(ctx); err != nil {
			return err
		}
		if err := p.sleep(ctx, p.steps.MediumDelay); err != nil {
			return err
		}
		if st, err = p.readSlider(ctx, "read"); err != nil {
			return err
		}
		if st.atEnd() {
			return nil
		}
	}
	return fmt.Errorf("seek stopped at %.1f of %.1f", st.Now, st.Max)
}

// InputText replaces the instruction field's content with text.
func (p *Page) InputText(ctx context.Context, text string) error {
	if _, ok, err := p.waitFor(ctx, RoleInstructionField, p.steps.ElementTimeout); err != nil {
		return err
	} else if !ok {
		return notFound(RoleInstructionField)
	}
	if err := p.setText(ctx, ""); err != nil {
		return err
	}
	if err := p.sleep(ctx, p.steps.ShortDelay); err != nil {
		return err
	}
	if err := p.setText(ctx, text); err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.MediumDelay)
}

func (p *Page) setText(ctx context.Context, text string) error {
	var got string
	found, err := p.Evaluate(ctx, fmt.Sprintf(setTextScript, jsonEncode(text)), &got)
	if err != nil {
		return err
	}
	if !found {
		return notFound(RoleInstructionField)
	}
	if got != text {
		return fmt.Errorf("instruction field holds %d chars, want %d", len([]rune(got)), len([]rune(text)))
	}
	return nil
}

// Submit clicks the submit control.
func (p *Page) Submit(ctx context.Context) error {
	if err := p.clickRole(ctx, RoleSubmitButton); err != nil {
		return err
	}
	return p.sleep(ctx, p.steps.NormalDelay)
}
