package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-strip/config"
)

func newTrashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Delete messages labelled as trash from the archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting trash removal",
				"dir", cfg.Dir, "file", cfg.File, "header", cfg.LabelHeader,
				"label", cfg.TrashLabel, "dryRun", cfg.DryRun)

			r, reporter := newRunner(cmd, cfg, logger)
			err = r.RunTrash()
			logResults(logger, r.Results())
			if !cfg.Progress {
				printSummary(cmd.OutOrStdout(), reporter.Summary())
			}
			return err
		},
	}
	config.RegisterTrashFlags(cmd)
	return cmd
}
