package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-strip/config"
	"github.com/dhcgn/mbox-strip/model"
	"github.com/dhcgn/mbox-strip/progress"
	"github.com/dhcgn/mbox-strip/runner"
	"github.com/dhcgn/mbox-strip/stats"
)

// NewRootCommand builds the mbox-strip command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mbox-strip",
		Short:         "Shrink mbox archives by moving large attachments to files and dropping trash",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root)

	root.AddCommand(
		newAttachmentsCommand(),
		newTrashCommand(),
		newMboxStatsCommand(),
	)
	return root
}

// prepare loads the configuration and logger shared by the archive commands.
func prepare(cmd *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if err := cfg.RequireArchives(); err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

// newRunner wires the stats reporter and, when asked for, the progress bar.
func newRunner(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) (*runner.Runner, *stats.Reporter) {
	r := runner.New(cmd.Context(), cfg, logger, cmd.OutOrStdout())
	reporter := stats.NewReporter(r, logger)
	if cfg.Progress {
		progress.Attach(r)
	}
	return r, reporter
}

// logResults writes one line per archive the run got to.
func logResults(logger *slog.Logger, results []model.ArchiveResult) {
	for _, res := range results {
		logger.Info("archive result",
			"archive", res.Archive, "scanned", res.Scanned, "changed", res.Changed,
			"removed", res.Removed, "failures", res.Failures)
	}
}

func printSummary(w io.Writer, s stats.Summary) {
	fmt.Fprintf(w, "Scanned %s messages in %d archives, changed %s.\n",
		humanize.Comma(int64(s.Scanned)), s.Archives, humanize.Comma(int64(s.Changed)))
	if s.Extracted > 0 {
		fmt.Fprintf(w, "Extracted %d attachments (%s).\n", s.Extracted, humanize.Bytes(uint64(s.ExtractedBytes)))
	}
	if s.Trashed > 0 {
		fmt.Fprintf(w, "Removed %d trash messages.\n", s.Trashed)
	}
	if s.Errors > 0 || s.FailedArchives > 0 {
		fmt.Fprintf(w, "Errors: %d messages, %d archives.\n", s.Errors, s.FailedArchives)
	}
}
