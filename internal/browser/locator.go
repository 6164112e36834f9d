package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Role names a control of the scene builder UI. Every role has one finder
// script; all knowledge of the app's markup lives in this file.
type Role string

const (
	RoleInstructionField  Role = "instruction_field"
	RoleSubmitButton      Role = "submit_button"
	RoleModeSelector      Role = "mode_selector"
	RoleModeOption        Role = "mode_option"
	RolePromptAddButton   Role = "prompt_add_button"
	RoleUploadMenuItem    Role = "upload_menu_item"
	RoleFileInput         Role = "file_input"
	RoleCropConfirm       Role = "crop_confirm"
	RoleNoticeAgree       Role = "notice_agree"
	RoleDialog            Role = "dialog"
	RoleDialogClose       Role = "dialog_close"
	RoleAssetGrid         Role = "asset_grid"
	RoleLatestAsset       Role = "latest_asset"
	RoleUploadIcon        Role = "upload_icon"
	RoleSlider            Role = "slider"
	RoleSliderTrack       Role = "slider_track"
	RoleFrameMenuButton   Role = "frame_menu_button"
	RoleSaveFrameItem     Role = "save_frame_item"
	RoleSelectedThumbnail Role = "selected_thumbnail"
	RoleInputPlaceholder  Role = "input_placeholder"
	RoleProgressIndicator Role = "progress_indicator"
)

// Handle is the on-screen box of a located control, in CSS pixels relative to
// the viewport. X and Y are the center.
type Handle struct {
	Role   Role    `json:"-"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Text   string  `json:"text"`
}

// Left returns the left edge.
func (h Handle) Left() float64 { return h.X - h.Width/2 }

// Right returns the right edge.
func (h Handle) Right() float64 { return h.X + h.Width/2 }

// Clickable reports whether the control occupies any screen area.
func (h Handle) Clickable() bool { return h.Width > 0 && h.Height > 0 }

// scriptPrelude defines the helpers shared by every finder. T is the label
// table, lang the table in use and L(key) its patterns plus the English ones.
const scriptPrelude = `
const T = %s;
const FORCED = %q;
const lang = FORCED !== 'auto' ? FORCED :
  ((document.documentElement.lang || navigator.language || 'en').toLowerCase().startsWith('ja') ? 'ja' : 'en');
const L = k => ((T[lang] || {})[k] || []).concat(lang === 'en' ? [] : (T.en[k] || []));
const L1 = k => (T[lang] || T.en)[k] || [];
const text = el => ((el && el.textContent) || '').trim();
const lower = s => (s || '').toLowerCase();
const matches = (s, key) => L(key).some(p => lower(s).includes(lower(p)));
const aria = (el, words) => { const a = lower(el.getAttribute('aria-label')); return !!a && words.some(w => a.includes(w)); };
const visible = el => {
  if (!el) return false;
  const r = el.getBoundingClientRect();
  const s = getComputedStyle(el);
  return r.width > 0 && r.height > 0 && s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0';
};
const icons = (sel, names) => Array.from(document.querySelectorAll(sel)).filter(i => names.includes(text(i)));
const dialogs = () => Array.from(document.querySelectorAll('[role="dialog"],[role="alertdialog"]')).filter(visible);
const field = () => document.querySelector('#PINHOLE_TEXT_AREA_ELEMENT_ID');
const promptArea = () => { const t = field(); return t ? (t.closest('div') || t.parentElement) : null; };
const box = el => {
  const r = el.getBoundingClientRect();
  return {x: r.left + r.width / 2, y: r.top + r.height / 2, width: r.width, height: r.height, text: text(el).slice(0, 80)};
};
`

var finders = map[Role]string{
	RoleInstructionField: `return field();`,

	RoleSubmitButton: `
const i = icons('button i.google-symbols, button i.material-icons', ['arrow_forward'])[0];
return i ? i.closest('button') : null;`,

	RoleModeSelector: `
return Array.from(document.querySelectorAll('button[role="combobox"]')).find(b => text(b).includes('arrow_drop_down')) || null;`,

	RoleModeOption: `
const items = Array.from(document.querySelectorAll('[role="option"],[role="menuitem"]')).filter(visible);
return items.find(el => matches(text(el), 'FRAME_TO_VIDEO')) || items[1] || null;`,

	RolePromptAddButton: `
const area = promptArea();
if (!area) return null;
const scope = area.parentElement || area;
return Array.from(scope.querySelectorAll('button'))
  .filter(b => { const i = b.querySelector('i.google-symbols'); return i && ['add', 'image', 'add_photo_alternate'].includes(text(i)); })
  .find(visible) || null;`,

	RoleUploadMenuItem: `
const c = Array.from(document.querySelectorAll('[role="menuitem"],button')).filter(visible);
return c.find(el => aria(el, ['upload', 'browse'])) || c.find(el => matches(text(el), 'UPLOAD')) || null;`,

	RoleFileInput: `return document.querySelector('input[type="file"]');`,

	RoleCropConfirm: `
for (const d of dialogs()) {
  const btns = Array.from(d.querySelectorAll('button')).filter(visible);
  if (btns.length === 0) continue;
  if (!d.querySelector('img, canvas') && !btns.some(b => matches(text(b), 'CROP_AND_SAVE'))) continue;
  return btns[btns.length - 1];
}
return null;`,

	RoleNoticeAgree: `
for (const d of dialogs()) {
  if (!matches(text(d), 'NOTICE')) continue;
  const btns = Array.from(d.querySelectorAll('button')).filter(visible);
  const b = btns.find(b => aria(b, ['agree', 'accept'])) || btns.find(b => matches(text(b), 'I_AGREE'));
  if (b) return b;
}
return null;`,

	RoleDialog: `return dialogs()[0] || null;`,

	RoleDialogClose: `
for (const d of dialogs()) {
  const btns = Array.from(d.querySelectorAll('button')).filter(visible);
  const b = btns.find(b => aria(b, ['close', 'cancel'])) ||
    btns.find(b => { const i = b.querySelector('i'); return i && ['close', 'cancel'].includes(text(i)); }) ||
    btns.find(b => matches(text(b), 'CLOSE') || matches(text(b), 'CANCEL'));
  if (b) return b;
}
return null;`,

	RoleAssetGrid: `return document.querySelector('.virtuoso-grid-list') || document.querySelector('[role="grid"]');`,

	RoleLatestAsset: `return document.querySelector('[data-index="1"] button');`,

	RoleUploadIcon: `return icons('i.google-symbols', ['upload'])[0] || null;`,

	RoleSlider: `return document.querySelector('[role="slider"][aria-orientation="horizontal"]');`,

	RoleSliderTrack: `
const s = document.querySelector('[role="slider"][aria-orientation="horizontal"]');
return s && s.parentElement ? s.parentElement.parentElement : null;`,

	RoleFrameMenuButton: `
const i = icons('button[aria-haspopup="menu"] i.google-symbols', ['add'])[0];
return i ? i.closest('button') : null;`,

	RoleSaveFrameItem: `
const i = icons('i.material-icons-outlined, i.material-icons, i.google-symbols', ['add_photo_alternate'])
  .find(i => i.closest('[role="menuitem"]'));
if (i) return i.closest('[role="menuitem"]');
const items = Array.from(document.querySelectorAll('[role="menuitem"],button')).filter(visible);
return items.find(el => aria(el, ['save', 'frame'])) ||
  items.find(el => L1('SAVE_FRAME').every(w => lower(text(el)).includes(lower(w)))) || null;`,

	RoleSelectedThumbnail: `
const t = field();
if (!t) return null;
const area = promptArea();
const scope = (area && area.parentElement) || document.body;
const tr = t.getBoundingClientRect();
const near = el => {
  const r = el.getBoundingClientRect();
  return r.width > 0 && r.width < 200 && r.height < 200 && r.right <= tr.left + 50 &&
    Math.abs((r.top + r.height / 2) - (tr.top + tr.height / 2)) < 100;
};
const img = Array.from(scope.querySelectorAll('img')).find(i => !(i.src || '').includes('.svg') && visible(i) && near(i));
if (img) return img;
return Array.from(scope.querySelectorAll('div')).find(d => {
  const bg = getComputedStyle(d).backgroundImage;
  return bg && bg !== 'none' && bg.includes('url(') && near(d);
}) || null;`,

	RoleInputPlaceholder: `
const t = field();
const area = promptArea();
if (!t || !area) return null;
const tr = t.getBoundingClientRect();
const btns = Array.from((area.parentElement || area).querySelectorAll('button')).filter(b => {
  const i = b.querySelector('i.google-symbols');
  return i && ['add', 'image', 'add_photo_alternate'].includes(text(i)) && visible(b);
});
const left = btns.find(b => b.getBoundingClientRect().right <= tr.left + 50);
if (left) return left;
if (btns.length === 1 && Math.abs(btns[0].getBoundingClientRect().left - tr.left) < 100) return btns[0];
return null;`,

	RoleProgressIndicator: `
return Array.from(document.querySelectorAll('body *')).find(el => /^\d+\s*%$/.test(text(el)) && el.offsetParent !== null) || null;`,
}

// prelude renders the helper block for the configured language.
func (p *Page) prelude() string {
	return fmt.Sprintf(scriptPrelude, labelsJSON, string(p.language))
}

// locateScript builds the script that finds role and returns its box, or
// null. With scroll set the control is first scrolled into view.
func (p *Page) locateScript(role Role, scroll bool) (string, error) {
	finder, ok := finders[role]
	if !ok {
		return "", fmt.Errorf("no finder for role %q", role)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "/* role: %s */ (() => {\n", role)
	b.WriteString(p.prelude())
	b.WriteString("const el = (() => {\n")
	b.WriteString(finder)
	b.WriteString("\n})();\nif (!el) return null;\n")
	if scroll {
		b.WriteString("el.scrollIntoView({block: 'center', inline: 'center'});\n")
	}
	b.WriteString("return box(el);\n})()")
	return b.String(), nil
}

// Locate reports whether role is present without touching the page.
func (p *Page) Locate(ctx context.Context, role Role) (Handle, bool, error) {
	return p.locate(ctx, role, false)
}

// resolve finds role and scrolls it into view for a pointer action.
func (p *Page) resolve(ctx context.Context, role Role) (Handle, bool, error) {
	return p.locate(ctx, role, true)
}

func (p *Page) locate(ctx context.Context, role Role, scroll bool) (Handle, bool, error) {
	script, err := p.locateScript(role, scroll)
	if err != nil {
		return Handle{}, false, err
	}
	var h Handle
	found, err := p.Evaluate(ctx, script, &h)
	if err != nil || !found {
		return Handle{}, false, err
	}
	h.Role = role
	return h, true, nil
}

// waitFor polls for role every NormalDelay until timeout. A miss is not an
// error; callers decide what a missing control means.
func (p *Page) waitFor(ctx context.Context, role Role, timeout time.Duration) (Handle, bool, error) {
	var h Handle
	ok, err := p.pollUntil(ctx, p.steps.NormalDelay, timeout, func(ctx context.Context) (bool, error) {
		found, ok, err := p.resolve(ctx, role)
		h = found
		return ok, err
	})
	if !ok {
		p.logger.Debug("Control did not appear.", zap.String("role", string(role)), zap.Duration("timeout", timeout))
	}
	return h, ok, err
}

// pollFor checks for role a fixed number of times.
func (p *Page) pollFor(ctx context.Context, role Role, interval time.Duration, attempts int) (Handle, bool, error) {
	var h Handle
	ok, err := p.poll(ctx, interval, attempts, func(ctx context.Context) (bool, error) {
		found, ok, err := p.resolve(ctx, role)
		h = found
		return ok, err
	})
	return h, ok, err
}

// ControlNotFoundError reports a control that never appeared.
type ControlNotFoundError struct {
	Role Role
}

func (e *ControlNotFoundError) Error() string {
	return fmt.Sprintf("control not found: %s", e.Role)
}

func notFound(role Role) error {
	return &ControlNotFoundError{Role: role}
}
