package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scenepilot/internal/store"
)

func newQueueCmd() *cobra.Command {
	var (
		file       string
		continueIt bool
		restart    bool
	)

	queueCmd := &cobra.Command{
		Use:   "queue -f queue.yaml",
		Short: "Run a queue of prompt sequences until it completes",
		Long: `Queue runs every entry of a queue file in order. Each entry may carry its own
seed image. --continue resumes the saved queue where it stopped; --restart
starts it over from the first item, with the file's entries when one is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []store.Sequence
			if file != "" {
				var err error
				if entries, err = loadQueueSequences(file); err != nil {
					return err
				}
			} else if !continueIt && !restart {
				return errors.New("a queue file (-f) is required unless --continue or --restart is given")
			}

			return withSession(cmd, func(ctx context.Context, sess *session) error {
				switch {
				case continueIt:
					if entries != nil {
						if err := sess.driver.UpdateQueueItems(ctx, entries); err != nil {
							return err
						}
					}
					return sess.driver.ContinueQueue(ctx)
				case restart:
					return sess.driver.RestartQueue(ctx, entries)
				default:
					return sess.driver.StartQueue(ctx, entries)
				}
			})
		},
	}
	queueCmd.Flags().StringVarP(&file, "file", "f", "", "queue file with an entries list")
	queueCmd.Flags().BoolVar(&continueIt, "continue", false, "resume the saved queue")
	queueCmd.Flags().BoolVar(&restart, "restart", false, "restart the queue from its first item")
	queueCmd.Flags().Bool("headless", false, "run Chrome headless")
	queueCmd.Flags().String("remote-url", "", "attach to a running Chrome at this DevTools URL instead of launching one")
	queueCmd.MarkFlagsMutuallyExclusive("continue", "restart")
	return queueCmd
}
