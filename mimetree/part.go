// Package mimetree holds a message as an owned tree of MIME parts that can be
// edited in place and written back without disturbing untouched bytes.
package mimetree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// ErrMalformed reports an entity that cannot be parsed or decoded.
var ErrMalformed = errors.New("malformed mime entity")

// Part is a node of a message tree. Leaves carry a raw, still
// transfer-encoded Body. Multipart nodes carry their children together with
// the preamble and epilogue found around the boundary lines.
type Part struct {
	Header message.Header

	Body []byte

	Preamble []byte
	Children []*Part
	Epilogue []byte

	boundary string
	closed   bool
	nl       string
}

// IsMultipart reports whether the part was split into children.
func (p *Part) IsMultipart() bool {
	return p.boundary != ""
}

// Boundary returns the multipart boundary, empty for leaves.
func (p *Part) Boundary() string {
	return p.boundary
}

// ContentType returns the lower-cased media type. A part without a
// Content-Type header is text/plain.
func (p *Part) ContentType() string {
	t, _, err := p.Header.ContentType()
	if err != nil {
		t, _, _ = strings.Cut(p.Header.Get("Content-Type"), ";")
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// Disposition returns the lower-cased Content-Disposition token and its
// parameters. Parameter keys are lower-cased. Headers rejected by the strict
// RFC 2183 parser are split on ';' instead.
func (p *Part) Disposition() (string, map[string]string) {
	v := p.Header.Get("Content-Disposition")
	if strings.TrimSpace(v) == "" {
		return "", nil
	}
	disp, params, err := p.Header.ContentDisposition()
	if err == nil {
		return strings.ToLower(disp), params
	}
	return parseLooseDisposition(v)
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

func parseLooseDisposition(v string) (string, map[string]string) {
	fields := strings.Split(v, ";")
	disp := strings.ToLower(strings.TrimSpace(fields[0]))
	params := make(map[string]string)
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if decoded, err := wordDecoder.DecodeHeader(value); err == nil {
			value = decoded
		}
		if _, seen := params[key]; !seen {
			params[key] = value
		}
	}
	return disp, params
}

// DecodedBody undoes the Content-Transfer-Encoding of a leaf. Charsets are
// left alone: the bytes are exactly the ones the sender encoded. Unknown
// encodings yield the raw payload.
func (p *Part) DecodedBody() ([]byte, error) {
	h := p.Header.Copy()
	h.Del("Content-Type")
	e, err := message.New(h, bytes.NewReader(p.Body))
	if err != nil && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s body: %v", ErrMalformed, p.Header.Get("Content-Transfer-Encoding"), err)
	}
	return data, nil
}

// ReplaceChild puts c at index i of p's children. The number and order of
// the remaining children is unchanged.
func (p *Part) ReplaceChild(i int, c *Part) error {
	if !p.IsMultipart() {
		return fmt.Errorf("replace child %d: part is not multipart", i)
	}
	if i < 0 || i >= len(p.Children) {
		return fmt.Errorf("replace child %d: index out of range [0,%d)", i, len(p.Children))
	}
	c.setNewline(p.nl)
	p.Children[i] = c
	return nil
}

func (p *Part) setNewline(nl string) {
	p.nl = nl
	for _, c := range p.Children {
		c.setNewline(nl)
	}
}

// Encode writes the part, header first, to w.
func (p *Part) Encode(w io.Writer) error {
	var hb bytes.Buffer
	if err := textproto.WriteHeader(&hb, p.Header.Header); err != nil {
		return err
	}
	header := hb.Bytes()
	if p.nl == "\n" {
		header = bytes.ReplaceAll(header, []byte("\r\n"), []byte("\n"))
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	if !p.IsMultipart() {
		_, err := w.Write(p.Body)
		return err
	}

	if _, err := w.Write(p.Preamble); err != nil {
		return err
	}
	last := len(p.Children) - 1
	for i, c := range p.Children {
		if _, err := io.WriteString(w, "--"+p.boundary+p.nl); err != nil {
			return err
		}
		if err := c.Encode(w); err != nil {
			return err
		}
		if i < last || p.closed {
			if _, err := io.WriteString(w, p.nl); err != nil {
				return err
			}
		}
	}
	if p.closed {
		if _, err := io.WriteString(w, "--"+p.boundary+"--"); err != nil {
			return err
		}
		if _, err := w.Write(p.Epilogue); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the encoded part.
func (p *Part) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
