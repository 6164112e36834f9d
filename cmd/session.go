package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/browser"
	"github.com/xkilldash9x/scenepilot/internal/config"
	"github.com/xkilldash9x/scenepilot/internal/driver"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

const closeTimeout = 30 * time.Second

// session is one browser tab wired to a driver and its state store.
type session struct {
	logger  *zap.Logger
	store   *store.Store
	manager *browser.Manager
	page    *browser.Page
	events  *driver.Broadcaster
	driver  *driver.Driver
}

// openSession opens the store, launches or attaches to the browser, and binds
// a driver to the scene builder tab.
func openSession(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session, error) {
	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	manager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	page, err := manager.OpenPage(ctx, cfg.Driver())
	if err != nil {
		manager.Shutdown(context.Background())
		st.Close()
		return nil, fmt.Errorf("failed to open scene builder tab: %w", err)
	}

	events := driver.NewBroadcaster(logger)
	d := driver.New(page, st, events, driver.OptionsFromConfig(cfg.Driver()), logger)
	return &session{
		logger:  logger,
		store:   st,
		manager: manager,
		page:    page,
		events:  events,
		driver:  d,
	}, nil
}

// Close halts the driver without recording a user stop, then releases the
// browser and the store.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := s.driver.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("driver: %w", err))
	}
	s.events.Close()
	s.page.Close()
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// logEvents writes driver events to the logger until events closes.
func logEvents(logger *zap.Logger, events <-chan driver.Event) {
	for ev := range events {
		switch ev.Type {
		case driver.EventLog:
			logger.Info(ev.Message)
		case driver.EventStatus:
			logger.Info("Status changed.", zap.String("status", string(ev.Status)))
		case driver.EventProgress:
			logger.Info("Progress.", zap.Int("done", ev.Progress.Done), zap.Int("total", ev.Progress.Total))
		case driver.EventQueueProgress:
			p := ev.Progress
			logger.Info("Queue progress.",
				zap.Int("entry", p.CurrentEntryNum),
				zap.Int("item", p.CurrentItemNum),
				zap.Int("entry_items", p.TotalItemsInCurrentEntry),
				zap.Int("done", p.Done),
				zap.Int("total", p.Total))
		case driver.EventWrongContext:
			logger.Warn("The tab is not on the scene builder view.", zap.String("url", ev.URL))
		case driver.EventComplete:
			logger.Info("All items completed.", zap.String("run_id", ev.RunID))
		}
	}
}
