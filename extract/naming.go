package extract

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const (
	dateLayout     = "Mon, 02 Jan 2006 15:04:05 -0700"
	fileDateLayout = "20060102T1504"
)

var addressPattern = regexp.MustCompile(`[A-Za-z0-9._-]+@[A-Za-z0-9._-]+\.[A-Za-z0-9_-]+`)

var unsafeChars = strings.NewReplacer(
	"<", "-", ">", "-", ":", "-", `"`, "-", "/", "-", `\`, "-",
	"|", "-", "?", "-", "*", "-", "\t", "-", "\n", "-", "\r", "-", "\x00", "-",
)

// ResolveName builds the file name an attachment is stored under:
// "<yyyymmddThhmm> from-<address> <name>" with characters that are invalid
// on common filesystems replaced by '-'.
//
// Names are minute-precise and not unique: two attachments with the same
// name from the same sender within one minute map to the same file and the
// later one overwrites the earlier.
func ResolveName(name, date, from string) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	addr, err := FindAddress(from)
	if err != nil {
		return "", err
	}
	return Sanitize(fmt.Sprintf("%s from-%s %s", t.Format(fileDateLayout), addr, name)), nil
}

// ParseDate reads a Date header. The RFC 2822 layout is tried first, then the
// RFC 5322 parser (comments, obsolete zones) and finally a free-form parser.
// The zone of the header is kept.
func ParseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty Date header", ErrDateParse)
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, nil
	}
	if t, err := mail.ParseDate(v); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseAny(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrDateParse, v, err)
	}
	return t, nil
}

// FindAddress returns the first e-mail address found in a From header.
func FindAddress(from string) (string, error) {
	addr := addressPattern.FindString(from)
	if addr == "" {
		return "", fmt.Errorf("%w: %q", ErrAddressParse, from)
	}
	return addr, nil
}

// Sanitize replaces characters that are not allowed in file names with "-".
func Sanitize(name string) string {
	return unsafeChars.Replace(name)
}
