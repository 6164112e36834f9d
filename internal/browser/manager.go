package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/config"
)

// Manager owns the browser process, or the connection to a running one, and
// hands out scene builder tabs.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// wg tracks open pages for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser, or attaches to cfg.RemoteURL.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launchBrowser(ctx context.Context) error {
	// The browser outlives the call that starts it.
	base := context.WithoutCancel(ctx)
	if m.cfg.RemoteURL != "" {
		m.logger.Info("Attaching to running browser.", zap.String("url", m.cfg.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(base, m.cfg.RemoteURL)
	} else {
		m.logger.Info("Initializing browser allocator...")
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(base, m.buildAllocatorOptions()...)
	}
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start: %w", err)
	}

	// Confirm the browser answers before handing out tabs.
	testCtx, cancelTest := context.WithTimeout(m.browserCtx, m.cfg.StartupTimeout)
	defer cancelTest()
	testCtx, cancelTab := chromedp.NewContext(testCtx)
	defer cancelTab()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// launchFlags returns the command line switches added to chromedp's
// defaults. A false value removes a default switch.
func (m *Manager) launchFlags() map[string]interface{} {
	flags := map[string]interface{}{
		"enable-automation":      false,
		"headless":               m.cfg.Headless,
		"disable-blink-features": "AutomationControlled",
		"disable-extensions":     true,
		"autoplay-policy":        "no-user-gesture-required",
	}

	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")

		if len(parts) == 2 {
			flags[flagName] = parts[1]
		} else {
			flags[flagName] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// buildAllocatorOptions assembles the launch options.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range m.launchFlags() {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if m.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ChromePath))
	}
	if m.cfg.UserDataDir != "" {
		// A persistent profile keeps the Google sign-in between runs.
		opts = append(opts, chromedp.UserDataDir(m.cfg.UserDataDir))
	}
	return opts
}

// OpenPage attaches to an open scene builder tab, or opens the target URL in
// a new one.
func (m *Manager) OpenPage(ctx context.Context, dcfg config.DriverConfig) (*Page, error) {
	targets, err := chromedp.Targets(m.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	var tabCtx context.Context
	var cancel context.CancelFunc
	attached := false
	for _, t := range targets {
		if t.Type == "page" && strings.Contains(t.URL, targetHost) {
			m.logger.Info("Attaching to open tab.", zap.String("url", t.URL))
			tabCtx, cancel = chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(t.TargetID))
			attached = true
			break
		}
	}
	if !attached {
		tabCtx, cancel = chromedp.NewContext(m.browserCtx)
	}

	runCtx, cancelRun := CombineContext(tabCtx, ctx)
	defer cancelRun()
	var actions []chromedp.Action
	if !attached {
		m.logger.Info("Opening target.", zap.String("url", m.cfg.TargetURL))
		actions = append(actions, chromedp.Navigate(m.cfg.TargetURL))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	m.wg.Add(1)
	p := NewPage(tabCtx, dcfg, m.logger)
	var once sync.Once
	p.closeFn = func() {
		once.Do(func() {
			cancel()
			m.wg.Done()
		})
	}
	return p, nil
}

// Shutdown waits for open pages to close, then stops the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for open pages to close...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All pages closed.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for pages to close. Forcing browser shutdown.", zap.Error(ctx.Err()))
	}

	m.browserCancel()
	m.allocatorCancel()
	<-m.allocatorCtx.Done()
	m.logger.Info("Browser shut down.")
	return nil
}
