package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is set.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// Filter decides which messages of an archive are looked at. Messages it
// rejects are kept as they are.
type Filter struct {
	include rules
	exclude rules
}

// rules is one side of a filter. A message matches when any header pattern
// matches its header or any body pattern matches its body.
type rules struct {
	header []*regexp.Regexp
	body   []*regexp.Regexp
}

func (r rules) empty() bool {
	return len(r.header) == 0 && len(r.body) == 0
}

func (r rules) match(header, body []byte) bool {
	return matchAny(r.header, header) || matchAny(r.body, body)
}

func compileRules(kind string, header, body []string) (rules, error) {
	var (
		r   rules
		err error
	)
	if r.header, err = compilePatterns(header); err != nil {
		return rules{}, fmt.Errorf("%s-header pattern: %w", kind, err)
	}
	if r.body, err = compilePatterns(body); err != nil {
		return rules{}, fmt.Errorf("%s-body pattern: %w", kind, err)
	}
	return r, nil
}

// New compiles the patterns of opts. Include and exclude patterns cannot be
// combined.
func New(opts Options) (*Filter, error) {
	include, err := compileRules("include", opts.IncludeHeader, opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	exclude, err := compileRules("exclude", opts.ExcludeHeader, opts.ExcludeBody)
	if err != nil {
		return nil, err
	}
	if !include.empty() && !exclude.empty() {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Allows reports whether the raw message passes the filter. A nil Filter
// allows everything.
func (f *Filter) Allows(raw []byte) bool {
	if f == nil {
		return true
	}
	switch {
	case !f.include.empty():
		header, body := SplitRawMessage(raw)
		return f.include.match(header, body)
	case !f.exclude.empty():
		header, body := SplitRawMessage(raw)
		return !f.exclude.match(header, body)
	}
	return true
}

// SplitRawMessage splits a raw email message at the first empty line.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf], raw[lf+2:]
	}
	return raw, nil
}

// LabelMatcher selects messages whose label header contains Label, the way
// Gmail exports mark trashed messages with "X-Gmail-Labels: Trash".
type LabelMatcher struct {
	Header string
	Label  string
}

// Matches reports whether raw carries the label. A message without the
// header, or with a header that cannot be read, never matches.
func (m LabelMatcher) Matches(raw []byte) bool {
	if m.Header == "" || m.Label == "" {
		return false
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return false
	}
	for _, value := range h.Values(m.Header) {
		if strings.Contains(value, m.Label) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text []byte) bool {
	for _, re := range patterns {
		if re.Match(text) {
			return true
		}
	}
	return false
}
