package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/mbox-strip/extract"
	"github.com/dhcgn/mbox-strip/filter"
	"github.com/dhcgn/mbox-strip/state"
)

const (
	OnErrorContinue = "continue"
	OnErrorAbort    = "abort"

	DefaultLabelHeader = "X-Gmail-Labels"
	DefaultTrashLabel  = "Trash"
)

// ErrNoArchives is returned when neither a directory nor a file is given.
var ErrNoArchives = errors.New("either --dir or --file is required")

// Config captures all options of a run. Flags override the config file,
// which overrides the flag defaults.
type Config struct {
	Dir        string
	File       string
	ConfigFile string
	LogLevel   string
	LogDir     string
	OnError    string
	Progress   bool

	Threshold     int
	SkipTypes     []string
	Dispositions  []string
	DryRun        bool
	StateDir      string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	LabelHeader string
	TrashLabel  string
}

// RegisterFlags attaches the flags shared by all commands to the root command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("dir", "", "Directory whose *.mbox files are processed")
	flags.String("file", "", "Process a single mbox file instead of a directory")
	flags.String("config", "", "YAML config file; flags given explicitly take precedence")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("on-error", OnErrorContinue, "What to do when an archive fails: continue or abort")
	flags.Bool("progress", false, "Show a progress bar per archive")
}

// RegisterAttachmentFlags attaches the extraction flags to cmd.
func RegisterAttachmentFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	RegisterPolicyFlags(flags)
	RegisterFilterFlags(flags)
	flags.Bool("dry-run", false, "Report what would be extracted without writing anything")
	flags.String("state-dir", state.DefaultStateDir(), "Directory for the extraction journal")
}

// RegisterTrashFlags attaches the trash removal flags to cmd.
func RegisterTrashFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("label-header", DefaultLabelHeader, "Header holding the message labels")
	flags.String("trash-label", DefaultTrashLabel, "Label that marks a message as trash")
	flags.Bool("dry-run", false, "Report what would be removed without rewriting the archive")
}

// RegisterPolicyFlags attaches the attachment selection flags.
func RegisterPolicyFlags(flags *pflag.FlagSet) {
	flags.Int("threshold", extract.DefaultThreshold, "Minimum encoded size in bytes for an attachment to be extracted")
	flags.StringSlice("skip-type", extract.DefaultSkipTypes, "Content types that are never extracted")
	flags.StringSlice("disposition", []string{extract.DispositionAttachment}, "Content dispositions eligible for extraction")
}

// RegisterFilterFlags attaches the message filter flags.
func RegisterFilterFlags(flags *pflag.FlagSet) {
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// LoadConfig converts the parsed Cobra flags, and the config file if one is
// named, into a validated Config. Flags not registered on cmd keep their
// defaults.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	r := flagReader{flags: cmd.Flags()}

	cfg := Config{
		LogLevel:     "info",
		OnError:      OnErrorContinue,
		Threshold:    extract.DefaultThreshold,
		SkipTypes:    append([]string(nil), extract.DefaultSkipTypes...),
		Dispositions: []string{extract.DispositionAttachment},
		StateDir:     state.DefaultStateDir(),
		LabelHeader:  DefaultLabelHeader,
		TrashLabel:   DefaultTrashLabel,
	}

	r.String("dir", &cfg.Dir)
	r.String("file", &cfg.File)
	r.String("config", &cfg.ConfigFile)
	r.String("log-level", &cfg.LogLevel)
	r.String("log-dir", &cfg.LogDir)
	r.String("on-error", &cfg.OnError)
	r.Bool("progress", &cfg.Progress)
	r.Int("threshold", &cfg.Threshold)
	r.StringSlice("skip-type", &cfg.SkipTypes)
	r.StringSlice("disposition", &cfg.Dispositions)
	r.Bool("dry-run", &cfg.DryRun)
	r.String("state-dir", &cfg.StateDir)
	r.StringArray("include-header", &cfg.IncludeHeader)
	r.StringArray("include-body", &cfg.IncludeBody)
	r.StringArray("exclude-header", &cfg.ExcludeHeader)
	r.StringArray("exclude-body", &cfg.ExcludeBody)
	r.String("label-header", &cfg.LabelHeader)
	r.String("trash-label", &cfg.TrashLabel)
	if r.err != nil {
		return Config{}, r.err
	}

	if cfg.ConfigFile != "" {
		fc, err := ReadFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		fc.apply(&cfg, r.Changed)
	}

	cfg = normalize(cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(cfg Config) Config {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.OnError = strings.ToLower(strings.TrimSpace(cfg.OnError))
	if cfg.Dir != "" {
		cfg.Dir = filepath.Clean(cfg.Dir)
	}
	if cfg.File != "" {
		cfg.File = filepath.Clean(cfg.File)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = state.DefaultStateDir()
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	cfg.SkipTypes = lowerAll(cfg.SkipTypes)
	cfg.Dispositions = lowerAll(cfg.Dispositions)
	return cfg
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateConfig(cfg Config) error {
	if cfg.Threshold < 0 {
		return fmt.Errorf("--threshold must not be negative")
	}
	if len(cfg.Dispositions) == 0 {
		return fmt.Errorf("--disposition needs at least one value")
	}
	for _, d := range cfg.Dispositions {
		switch d {
		case extract.DispositionAttachment, extract.DispositionInline:
		default:
			return fmt.Errorf("invalid --disposition: %s", d)
		}
	}
	if cfg.LabelHeader == "" || cfg.TrashLabel == "" {
		return fmt.Errorf("--label-header and --trash-label must not be empty")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.OnError {
	case OnErrorContinue, OnErrorAbort:
	default:
		return fmt.Errorf("invalid --on-error: %s", cfg.OnError)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// RequireArchives checks that the commands working on archives know where
// to find them.
func (c Config) RequireArchives() error {
	if c.Dir == "" && c.File == "" {
		return ErrNoArchives
	}
	return nil
}

// Policy returns the attachment selection policy.
func (c Config) Policy() extract.Policy {
	return extract.Policy{
		Threshold:    c.Threshold,
		SkipTypes:    c.SkipTypes,
		Dispositions: c.Dispositions,
	}
}

// FilterOptions returns the message filter patterns.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// flagReader reads flags that may not be registered on every command and
// keeps the first error.
type flagReader struct {
	flags *pflag.FlagSet
	err   error
}

func (r *flagReader) defined(name string) bool {
	return r.err == nil && r.flags.Lookup(name) != nil
}

// Changed reports whether the user set the flag on the command line.
func (r *flagReader) Changed(name string) bool {
	return r.flags.Lookup(name) != nil && r.flags.Changed(name)
}

func (r *flagReader) String(name string, dst *string) {
	if !r.defined(name) {
		return
	}
	*dst, r.err = r.flags.GetString(name)
}

func (r *flagReader) Bool(name string, dst *bool) {
	if !r.defined(name) {
		return
	}
	*dst, r.err = r.flags.GetBool(name)
}

func (r *flagReader) Int(name string, dst *int) {
	if !r.defined(name) {
		return
	}
	*dst, r.err = r.flags.GetInt(name)
}

func (r *flagReader) StringSlice(name string, dst *[]string) {
	if !r.defined(name) {
		return
	}
	*dst, r.err = r.flags.GetStringSlice(name)
}

func (r *flagReader) StringArray(name string, dst *[]string) {
	if !r.defined(name) {
		return
	}
	*dst, r.err = r.flags.GetStringArray(name)
}
