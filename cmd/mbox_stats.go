package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-strip/config"
	"github.com/dhcgn/mbox-strip/extract"
	"github.com/dhcgn/mbox-strip/filter"
	"github.com/dhcgn/mbox-strip/mbox"
	"github.com/dhcgn/mbox-strip/mimetree"
	"github.com/dhcgn/mbox-strip/model"
	"github.com/dhcgn/mbox-strip/stats"
)

var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

// archiveReport is what mbox-stats learns about one archive.
type archiveReport struct {
	Messages       int
	Skipped        int
	Unparsable     int
	NamingErrors   int
	Candidates     int
	CandidateBytes int64
	DecodedBytes   int64
	Headers        map[string]map[string]int
	Senders        map[string]int
}

func newArchiveReport() *archiveReport {
	rep := &archiveReport{
		Headers: make(map[string]map[string]int),
		Senders: make(map[string]int),
	}
	for _, h := range headersToTrack {
		rep.Headers[h] = make(map[string]int)
	}
	return rep
}

func newMboxStatsCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file]",
		Short: "Show what the attachments command would extract from an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			f, err := filter.New(cfg.FilterOptions())
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			path := args[0]
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing mbox file:", path)

			rep, err := analyse(cmd, path, cfg.Policy(), f, logger)
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}
			printReport(out, rep, topN)

			if reportDir != "" {
				if err := saveCSVReports(rep, reportDir, 1000); err != nil {
					return fmt.Errorf("error saving CSV reports: %w", err)
				}
				fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&reportDir, "output", "o", "", "Write CSV reports to this directory")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	config.RegisterPolicyFlags(flags)
	config.RegisterFilterFlags(flags)
	return cmd
}

// analyse walks every message with a store that writes nothing, so the
// numbers match what the attachments command would do.
func analyse(cmd *cobra.Command, path string, policy extract.Policy, f *filter.Filter, logger *slog.Logger) (*archiveReport, error) {
	rep := newArchiveReport()

	walker := extract.NewWalker(policy, &extract.DryRunStore{Dir: extract.AttachmentDir(filepath.Dir(path), path)}, logger, io.Discard)

	err := mbox.Scan(cmd.Context(), path, func(idx int, raw []byte) error {
		rep.Messages++
		if !f.Allows(raw) {
			rep.Skipped++
			return nil
		}

		root, err := mimetree.Parse(raw)
		if err != nil {
			rep.Unparsable++
			logger.Debug("message is not valid MIME", "message", idx, "err", err)
			return nil
		}
		for _, h := range headersToTrack {
			if value := root.Header.Get(h); value != "" {
				rep.Headers[h][value]++
			}
		}

		sender := senderAddress(root.Header.Get("From"))
		walker.OnExtract = func(rec model.ExtractionRecord) {
			rep.Candidates++
			rep.CandidateBytes += int64(rec.EncodedSize)
			rep.DecodedBytes += rec.BytesWritten
			rep.Senders[sender]++
		}
		if _, err := walker.Walk(root, extract.MetaFromPart(path, idx, root)); err != nil {
			if errors.Is(err, extract.ErrDateParse) || errors.Is(err, extract.ErrAddressParse) {
				rep.NamingErrors++
				logger.Debug("attachment cannot be named", "message", idx, "err", err)
				return nil
			}
			return err
		}
		return nil
	})
	return rep, err
}

// senderAddress returns the bare address of a From header, or the header
// itself when it does not parse.
func senderAddress(from string) string {
	addrs, err := mail.ParseAddressList(from)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(from)
	}
	return strings.ToLower(addrs[0].Address)
}

func printReport(w io.Writer, rep *archiveReport, topN int) {
	total := rep.Messages
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(rep.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%).\n", total, rep.Skipped, filterPercent)
	if rep.Unparsable > 0 {
		fmt.Fprintf(w, "Messages that are not valid MIME: %d\n", rep.Unparsable)
	}
	fmt.Fprintf(w, "Attachments over threshold: %d (%s encoded, %s decoded)\n",
		rep.Candidates, humanize.Bytes(uint64(rep.CandidateBytes)), humanize.Bytes(uint64(rep.DecodedBytes)))
	if rep.NamingErrors > 0 {
		fmt.Fprintf(w, "Messages whose attachments cannot be named: %d\n", rep.NamingErrors)
	}
	fmt.Fprintln(w)

	if len(rep.Senders) > 0 {
		fmt.Fprintf(w, "Top %d senders by extracted attachments:\n", topN)
		stats.PrettyPrintTop(w, rep.Senders, topN)
		fmt.Fprintln(w)
	}
	for _, header := range headersToTrack {
		fmt.Fprintf(w, "Top %d %s:\n", topN, header)
		stats.PrettyPrintTop(w, rep.Headers[header], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(rep *archiveReport, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	reports := map[string]map[string]int{"senders": rep.Senders}
	for _, h := range headersToTrack {
		reports[normalizeHeaderName(h)] = rep.Headers[h]
	}

	for name, counts := range reports {
		if err := writeCSV(filepath.Join(dir, fmt.Sprintf("report_%s.csv", name)), counts, limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	type pair struct {
		Key   string
		Value int
	}
	pairs := make([]pair, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for i := 0; i < limit && i < len(pairs); i++ {
		if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
