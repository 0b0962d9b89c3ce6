package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-strip/config"
)

func newAttachmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachments",
		Short: "Move large attachments out of the archives and leave a note in their place",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting attachment extraction",
				"dir", cfg.Dir, "file", cfg.File, "threshold", cfg.Threshold,
				"dispositions", cfg.Dispositions, "dryRun", cfg.DryRun)

			r, reporter := newRunner(cmd, cfg, logger)
			err = r.RunAttachments()
			logResults(logger, r.Results())
			if !cfg.Progress {
				printSummary(cmd.OutOrStdout(), reporter.Summary())
			}
			return err
		},
	}
	config.RegisterAttachmentFlags(cmd)
	return cmd
}
