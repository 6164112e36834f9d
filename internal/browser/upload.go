package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// DecodeDataURL splits a base64 image data URL into its media type and bytes.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	if len(dataURL) < len("data:") || !strings.EqualFold(dataURL[:len("data:")], "data:") {
		return "", nil, errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(dataURL[len("data:"):], ",")
	if !ok {
		return "", nil, errors.New("data URL has no payload")
	}
	mediaType, enc, _ := strings.Cut(meta, ";")
	if !strings.EqualFold(enc, "base64") {
		return "", nil, fmt.Errorf("unsupported data URL encoding %q", enc)
	}
	if _, ok := imageExtensions[strings.ToLower(mediaType)]; !ok {
		return "", nil, fmt.Errorf("unsupported image type %q", mediaType)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return strings.ToLower(mediaType), data, nil
}

// writeSeedFile stores the image in a temporary file for the file input.
func writeSeedFile(dataURL string) (string, func(), error) {
	mediaType, data, err := DecodeDataURL(dataURL)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp("", "scenepilot-seed-*"+imageExtensions[mediaType])
	if err != nil {
		return "", nil, fmt.Errorf("failed to create seed file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write seed file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// setInputFiles hands path to the page's file input.
func (p *Page) setInputFiles(ctx context.Context, path string) error {
	return p.do(ctx, p.steps.ElementTimeout, "set upload files", func(ctx context.Context) error {
		return p.runActionsFunc(ctx, chromedp.SetUploadFiles(`input[type="file"]`, []string{path}, chromedp.ByQuery))
	})
}

// uploadViaChooser clicks item with the native file chooser intercepted and
// answers the chooser with path.
func (p *Page) uploadViaChooser(ctx context.Context, item Handle, path string) error {
	opened := make(chan cdp.BackendNodeID, 1)
	lctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	p.listenFunc(lctx, func(ev interface{}) {
		if e, ok := ev.(*cdppage.EventFileChooserOpened); ok {
			select {
			case opened <- e.BackendNodeID:
			default:
			}
		}
	})

	intercept := func(ctx context.Context, on bool) error {
		return p.do(ctx, p.steps.ElementTimeout, "intercept file chooser", func(ctx context.Context) error {
			return p.runActionsFunc(ctx, cdppage.SetInterceptFileChooserDialog(on))
		})
	}
	if err := intercept(ctx, true); err != nil {
		return err
	}
	defer func() {
		if err := intercept(Detach(ctx), false); err != nil {
			p.logger.Debug("Failed to release file chooser interception.", zap.Error(err))
		}
	}()

	if err := p.Click(ctx, item); err != nil {
		return err
	}

	timer := time.NewTimer(p.steps.ElementTimeout)
	defer timer.Stop()
	select {
	case id := <-opened:
		return p.do(ctx, p.steps.ElementTimeout, "set chooser files", func(ctx context.Context) error {
			return p.runActionsFunc(ctx, dom.SetFileInputFiles([]string{path}).WithBackendNodeID(id))
		})
	case <-timer.C:
		return errors.New("file chooser did not open")
	case <-ctx.Done():
		return ctx.Err()
	}
}
