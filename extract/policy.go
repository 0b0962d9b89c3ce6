// Package extract finds large attachments in a message tree, saves them to
// disk and swaps each one for a short text placeholder.
package extract

import (
	"errors"
	"strings"
)

var (
	// ErrDateParse means the message Date could not be read, so no file name
	// can be built for its attachments.
	ErrDateParse = errors.New("cannot parse message date")
	// ErrAddressParse means the From header holds no usable address.
	ErrAddressParse = errors.New("cannot find sender address")
	// ErrUnsupportedAttachment marks attachments that are deliberately left
	// in place, such as nested .eml messages.
	ErrUnsupportedAttachment = errors.New("unsupported attachment")
	// ErrStorageWrite wraps failures writing extracted files.
	ErrStorageWrite = errors.New("cannot store attachment")
)

const (
	DefaultThreshold = 100_000

	DispositionAttachment = "attachment"
	DispositionInline     = "inline"
)

// DefaultSkipTypes are the body types that are never extracted.
var DefaultSkipTypes = []string{"text/plain", "text/html"}

// Policy holds the knobs that decide what gets extracted.
type Policy struct {
	// Threshold is the raw payload size in bytes a part must exceed.
	Threshold int
	// SkipTypes are content types left alone whatever their size.
	SkipTypes []string
	// Dispositions are the accepted Content-Disposition tokens.
	Dispositions []string
}

// DefaultPolicy returns the built-in threshold, skip types and dispositions.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:    DefaultThreshold,
		SkipTypes:    append([]string(nil), DefaultSkipTypes...),
		Dispositions: []string{DispositionAttachment},
	}
}

// Skips reports whether parts of contentType are excluded.
func (p Policy) Skips(contentType string) bool {
	return containsFold(p.SkipTypes, contentType)
}

// Accepts reports whether a disposition token makes a part a candidate.
func (p Policy) Accepts(disposition string) bool {
	return disposition != "" && containsFold(p.Dispositions, disposition)
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
