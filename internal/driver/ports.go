package driver

import (
	"context"

	"github.com/xkilldash9x/scenepilot/internal/store"
)

// Probes are read-only queries against the live target application. They
// encapsulate all knowledge of its markup.
type Probes interface {
	// IsTargetReady reports whether the page is the scene builder editing view.
	IsTargetReady(ctx context.Context) (bool, error)
	// IsOperationInProgress reports whether a render progress indicator is visible.
	IsOperationInProgress(ctx context.Context) (bool, error)
	// OutputCount counts the completed output assets currently listed.
	OutputCount(ctx context.Context) (int, error)
	// HasExistingOutput reports whether the project already has a rendered video to continue from.
	HasExistingOutput(ctx context.Context) (bool, error)
}

// Steps are the fallible UI manipulations the pipelines are built from. Each
// waits for its own visible confirmation and returns an error wrapping
// ErrContextLost when the page stops answering.
type Steps interface {
	EnsureFrameToVideoMode(ctx context.Context) error
	UploadSeedImage(ctx context.Context, dataURL string) error
	// HandlePreviewAndCrop confirms the crop dialog and reports whether a
	// consent notice had to be accepted.
	HandlePreviewAndCrop(ctx context.Context) (consented bool, err error)
	OpenImagePicker(ctx context.Context) error
	SelectLatestAsset(ctx context.Context) error
	CloseMenuFrame(ctx context.Context) error
	// ConfirmInputSelected waits for the input affordance to show a selected
	// image instead of the empty placeholder.
	ConfirmInputSelected(ctx context.Context) error
	ScrollAssetListToEnd(ctx context.Context) error
	// SaveFrameAsAsset seeks the current output to its last frame and captures it as the next input.
	SaveFrameAsAsset(ctx context.Context) error
	InputText(ctx context.Context, text string) error
	Submit(ctx context.Context) error
}

// Page is everything the driver needs from the browser tab.
type Page interface {
	Probes
	Steps
	// Reload reloads the tab and returns once navigation has been issued.
	Reload(ctx context.Context) error
	// WaitReady blocks until the instruction field and submit control are present.
	WaitReady(ctx context.Context) error
	// URL returns the current page address.
	URL(ctx context.Context) (string, error)
}

// StateStore is the durable mirror of run progress.
type StateStore interface {
	Save(ctx context.Context, scope store.Scope, state *store.RunState) error
	Restore(ctx context.Context, scope store.Scope) (*store.RunState, bool, error)
	Clear(ctx context.Context, scope store.Scope) error
}

var _ StateStore = (*store.Store)(nil)
