package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/store"
)

// step is one named stage of a pipeline.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps executes steps strictly in order. A stop request is checked before
// every step; a step already running is allowed to return first.
func (d *Driver) runSteps(ctx context.Context, steps ...step) error {
	for _, s := range steps {
		if ctx.Err() != nil {
			return ErrStopped
		}
		d.logger.Debug("Running step.", zap.String("step", s.name))
		if err := s.run(ctx); err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			d.warn(fmt.Sprintf("Step %s failed: %v", s.name, err))
			return stepErr(s.name, err)
		}
	}
	return nil
}

// seedPipeline puts the seed image in place as the active input and types the
// item text. The image is uploaded until an upload for this position has
// succeeded; after that, retries pick the uploaded asset from the list.
func (d *Driver) seedPipeline(ctx context.Context, rs *store.RunState, text string) error {
	image := rs.Current().SeedImage
	var steps []step
	if !d.seedUploaded(rs) {
		steps = []step{
			{"ensure_mode", d.ensureMode},
			{"upload_seed", func(ctx context.Context) error {
				if err := d.page.UploadSeedImage(ctx, image); err != nil {
					return err
				}
				d.markSeedUploaded(rs)
				return nil
			}},
			{"preview_and_crop", d.previewAndCrop},
		}
	} else {
		steps = []step{
			{"ensure_mode", d.ensureMode},
			{"close_menu", d.page.CloseMenuFrame},
			{"open_picker", d.page.OpenImagePicker},
			{"select_latest", d.page.SelectLatestAsset},
		}
	}
	steps = append(steps,
		step{"confirm_selected", d.confirmSelected},
		step{"input_text", func(ctx context.Context) error { return d.page.InputText(ctx, text) }},
	)
	return d.runSteps(ctx, steps...)
}

func (d *Driver) seedUploaded(rs *store.RunState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploaded == markFor(rs)
}

func (d *Driver) markSeedUploaded(rs *store.RunState) {
	d.mu.Lock()
	d.uploaded = markFor(rs)
	d.mu.Unlock()
}

// continuationPipeline derives the next input from the last frame of the
// current output and types the item text.
func (d *Driver) continuationPipeline(ctx context.Context, text string) error {
	return d.runSteps(ctx,
		step{"scroll_assets", d.page.ScrollAssetListToEnd},
		step{"save_frame", d.page.SaveFrameAsAsset},
		step{"open_picker", d.page.OpenImagePicker},
		step{"select_latest", d.page.SelectLatestAsset},
		step{"confirm_selected", d.confirmSelected},
		step{"input_text", func(ctx context.Context) error { return d.page.InputText(ctx, text) }},
	)
}

// ensureMode switches to frames-to-video. A failure is logged only; the
// confirmation step catches a wrong mode later.
func (d *Driver) ensureMode(ctx context.Context) error {
	if err := d.page.EnsureFrameToVideoMode(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		d.warn(fmt.Sprintf("Could not confirm frames-to-video mode: %v", err))
	}
	return nil
}

// previewAndCrop confirms the crop dialog. When a consent notice had to be
// accepted the upload is no longer selected, so it is picked from the assets.
func (d *Driver) previewAndCrop(ctx context.Context) error {
	consented, err := d.page.HandlePreviewAndCrop(ctx)
	if err != nil {
		return err
	}
	if !consented {
		return nil
	}
	d.info("Consent notice accepted; selecting the uploaded image.")
	return d.runSteps(ctx,
		step{"open_picker", d.page.OpenImagePicker},
		step{"select_latest", d.page.SelectLatestAsset},
	)
}

// confirmSelected waits for the selected-image thumbnail. On failure the
// menu frame is closed so the next attempt starts clean.
func (d *Driver) confirmSelected(ctx context.Context) error {
	err := d.page.ConfirmInputSelected(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if closeErr := d.page.CloseMenuFrame(ctx); closeErr != nil {
		d.logger.Debug("Closing menu frame after failed confirmation also failed.", zap.Error(closeErr))
	}
	return err
}
