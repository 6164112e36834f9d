package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/driver"
	"github.com/xkilldash9x/scenepilot/internal/observability"
)

func newRunCmd() *cobra.Command {
	var file, image string

	runCmd := &cobra.Command{
		Use:   "run -f prompts.yaml",
		Short: "Run a prompt sequence in the scene builder tab until it completes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, seed, err := loadPromptFile(file, image)
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, sess *session) error {
				return sess.driver.Start(ctx, items, seed)
			})
		},
	}
	runCmd.Flags().StringVarP(&file, "file", "f", "", "prompt file (a YAML list, or a mapping with image and prompts)")
	runCmd.Flags().StringVar(&image, "image", "", "seed image file or data URL; overrides the file's image")
	runCmd.Flags().Bool("headless", false, "run Chrome headless")
	runCmd.Flags().String("remote-url", "", "attach to a running Chrome at this DevTools URL instead of launching one")
	_ = runCmd.MarkFlagRequired("file")
	return runCmd
}

// withSession opens a session, starts a run with start, and blocks until the
// run exits. Canceling the command context stops the run.
func withSession(cmd *cobra.Command, start func(context.Context, *session) error) error {
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

	events, unsubscribe := sess.events.Subscribe()
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		logEvents(logger.Named("events"), events)
	}()
	defer func() {
		unsubscribe()
		<-logged
	}()

	if err := start(ctx, sess); err != nil {
		return err
	}
	return awaitRun(ctx, sess.driver, logger)
}

// awaitRun waits for the active run to exit and reports how it ended.
func awaitRun(ctx context.Context, d *driver.Driver, logger *zap.Logger) error {
	select {
	case <-d.Done():
	case <-ctx.Done():
		logger.Info("Interrupted; stopping the run after the current step.")
		stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := d.Stop(stopCtx); err != nil {
			return fmt.Errorf("failed to stop run: %w", err)
		}
		return context.Canceled
	}

	switch st := d.State(); st {
	case driver.Complete:
		return nil
	case driver.Stopped:
		return errors.New("run stopped before completion")
	default:
		return fmt.Errorf("run ended before completion (state %s); progress is saved", st)
	}
}
