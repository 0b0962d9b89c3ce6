package mimetree

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// Parse reads a whole message (or a single body part) into a tree.
func Parse(raw []byte) (*Part, error) {
	return parse(raw, detectNewline(raw, "\r\n"))
}

func parse(raw []byte, nl string) (*Part, error) {
	r := bytes.NewReader(raw)
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	offset := len(raw) - r.Len() - br.Buffered()

	p := &Part{Header: message.Header{Header: h}, nl: nl}
	body := raw[offset:]

	mediaType, params, err := p.Header.ContentType()
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		p.Body = body
		return p, nil
	}
	if err := p.split(body, params["boundary"]); err != nil {
		return nil, err
	}
	return p, nil
}

type delimiter int

const (
	notDelimiter delimiter = iota
	partDelimiter
	closeDelimiter
)

func classifyLine(line, dash []byte) delimiter {
	if !bytes.HasPrefix(line, dash) {
		return notDelimiter
	}
	rest := line[len(dash):]
	if bytes.HasPrefix(rest, []byte("--")) {
		return closeDelimiter
	}
	if len(bytes.TrimRight(rest, " \t\r\n")) == 0 {
		return partDelimiter
	}
	return notDelimiter
}

// split cuts a multipart body on its boundary lines. The line break that
// precedes a boundary line belongs to the boundary and is not kept in the
// child.
func (p *Part) split(body []byte, boundary string) error {
	dash := []byte("--" + boundary)
	start := -1
	var raws [][]byte

	pos := 0
	for pos < len(body) {
		next := len(body)
		if i := bytes.IndexByte(body[pos:], '\n'); i >= 0 {
			next = pos + i + 1
		}
		line := body[pos:next]

		switch classifyLine(line, dash) {
		case partDelimiter:
			if start < 0 {
				p.Preamble = body[:pos]
			} else {
				raws = append(raws, trimLineBreak(body[start:pos]))
			}
			start = next
		case closeDelimiter:
			if start < 0 {
				return fmt.Errorf("%w: closing boundary %q before any part", ErrMalformed, boundary)
			}
			raws = append(raws, trimLineBreak(body[start:pos]))
			p.Epilogue = body[pos+len(dash)+2:]
			p.closed = true
			return p.adopt(raws, boundary)
		}
		pos = next
	}

	if start < 0 {
		return fmt.Errorf("%w: boundary %q not found", ErrMalformed, boundary)
	}
	raws = append(raws, body[start:])
	return p.adopt(raws, boundary)
}

func (p *Part) adopt(raws [][]byte, boundary string) error {
	children := make([]*Part, 0, len(raws))
	for i, raw := range raws {
		c, err := parse(raw, detectNewline(raw, p.nl))
		if err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
		children = append(children, c)
	}
	p.Children = children
	p.boundary = boundary
	return nil
}

func trimLineBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}

func detectNewline(raw []byte, fallback string) string {
	i := bytes.IndexByte(raw, '\n')
	switch {
	case i < 0:
		return fallback
	case i > 0 && raw[i-1] == '\r':
		return "\r\n"
	default:
		return "\n"
	}
}
