package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scenepilot/internal/control"
	"github.com/xkilldash9x/scenepilot/internal/observability"
)

func newServeCmd() *cobra.Command {
	var queuePath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the driver behind the HTTP and WebSocket control surface",
		Long: `Serve opens the scene builder tab, restores any persisted run, and accepts
commands on the control surface until interrupted. A run in progress at
shutdown is resumed by the next serve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			sess, err := openSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := sess.Close(); err != nil {
					logger.Error("Failed to close session cleanly", zap.Error(err))
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := control.MustNewMetrics(reg)
			ccfg := cfg.Control()
			dispatcher := control.NewDispatcher(sess.driver, ccfg.ReadyCacheTTL, metrics, logger)
			hub := control.NewHub(dispatcher, ccfg.RequestTimeout, logger)
			server := control.NewServer(ccfg, sess.driver, dispatcher, hub, reg, logger)

			hubEvents, unsubHub := sess.events.Subscribe()
			defer unsubHub()
			metricEvents, unsubMetrics := sess.events.Subscribe()
			defer unsubMetrics()
			logStream, unsubLog := sess.events.Subscribe()
			defer unsubLog()
			go logEvents(logger.Named("events"), logStream)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.ListenAndServe(gctx) })
			g.Go(func() error {
				hub.Run(gctx, hubEvents)
				return nil
			})
			g.Go(func() error {
				metrics.Run(gctx, metricEvents)
				return nil
			})
			g.Go(func() error {
				if err := sess.driver.Resume(gctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Failed to restore persisted run", zap.Error(err))
				}
				return nil
			})
			if queuePath != "" {
				apply := func(ctx context.Context, entries []control.Entry) error {
					return updateQueueItems(ctx, dispatcher, entries)
				}
				g.Go(func() error {
					return watchQueueFile(gctx, queuePath, queueWatchDebounce, apply, logger)
				})
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Shutting down; a running run resumes on the next serve.")
			return nil
		},
	}
	serveCmd.Flags().StringVar(&queuePath, "queue-file", "", "watch a queue YAML file and apply its entries on change")
	serveCmd.Flags().String("listen", "", "control surface listen address")
	serveCmd.Flags().Bool("headless", false, "run Chrome headless")
	serveCmd.Flags().String("remote-url", "", "attach to a running Chrome at this DevTools URL instead of launching one")
	serveCmd.Flags().String("language", "", "UI label language: auto, en or ja")
	return serveCmd
}

// updateQueueItems routes a file update through the same validation and
// command path as a remote update_queue_items.
func updateQueueItems(ctx context.Context, d *control.Dispatcher, entries []control.Entry) error {
	params, err := json.Marshal(control.QueueParams{Entries: entries})
	if err != nil {
		return err
	}
	resp := d.Dispatch(ctx, control.Request{Command: control.CmdUpdateQueueItems, Params: params})
	if !resp.OK {
		return fmt.Errorf("update_queue_items: %s", resp.Error)
	}
	return nil
}
