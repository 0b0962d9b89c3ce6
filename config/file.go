package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the command-line options in a YAML document. Keys left
// out keep the flag values.
type FileConfig struct {
	Dir      *string `yaml:"dir"`
	File     *string `yaml:"file"`
	LogLevel *string `yaml:"log_level"`
	LogDir   *string `yaml:"log_dir"`
	OnError  *string `yaml:"on_error"`
	Progress *bool   `yaml:"progress"`

	Threshold     *int     `yaml:"threshold"`
	SkipTypes     []string `yaml:"skip_types"`
	Dispositions  []string `yaml:"dispositions"`
	DryRun        *bool    `yaml:"dry_run"`
	StateDir      *string  `yaml:"state_dir"`
	IncludeHeader []string `yaml:"include_header"`
	IncludeBody   []string `yaml:"include_body"`
	ExcludeHeader []string `yaml:"exclude_header"`
	ExcludeBody   []string `yaml:"exclude_body"`

	LabelHeader *string `yaml:"label_header"`
	TrashLabel  *string `yaml:"trash_label"`
}

// ReadFile parses a YAML config file. Unknown keys are rejected.
func ReadFile(path string) (FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc FileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// apply copies the values present in the file into cfg unless the matching
// flag was set on the command line.
func (fc FileConfig) apply(cfg *Config, changed func(string) bool) {
	setString := func(flag string, src *string, dst *string) {
		if src != nil && !changed(flag) {
			*dst = *src
		}
	}
	setBool := func(flag string, src *bool, dst *bool) {
		if src != nil && !changed(flag) {
			*dst = *src
		}
	}
	setList := func(flag string, src []string, dst *[]string) {
		if src != nil && !changed(flag) {
			*dst = append([]string(nil), src...)
		}
	}

	setString("dir", fc.Dir, &cfg.Dir)
	setString("file", fc.File, &cfg.File)
	setString("log-level", fc.LogLevel, &cfg.LogLevel)
	setString("log-dir", fc.LogDir, &cfg.LogDir)
	setString("on-error", fc.OnError, &cfg.OnError)
	setBool("progress", fc.Progress, &cfg.Progress)
	if fc.Threshold != nil && !changed("threshold") {
		cfg.Threshold = *fc.Threshold
	}
	setList("skip-type", fc.SkipTypes, &cfg.SkipTypes)
	setList("disposition", fc.Dispositions, &cfg.Dispositions)
	setBool("dry-run", fc.DryRun, &cfg.DryRun)
	setString("state-dir", fc.StateDir, &cfg.StateDir)
	setList("include-header", fc.IncludeHeader, &cfg.IncludeHeader)
	setList("include-body", fc.IncludeBody, &cfg.IncludeBody)
	setList("exclude-header", fc.ExcludeHeader, &cfg.ExcludeHeader)
	setList("exclude-body", fc.ExcludeBody, &cfg.ExcludeBody)
	setString("label-header", fc.LabelHeader, &cfg.LabelHeader)
	setString("trash-label", fc.TrashLabel, &cfg.TrashLabel)
}
