package derive

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode"
)

var ErrInvalidDomain = errors.New("invalid domain")

// CanonicalDomain reduces user input to a bare lower-case hostname, so
// "https://GitHub.com/login" and "github.com" derive the same site key.
func CanonicalDomain(raw string) (string, error) {
	d := strings.TrimSpace(raw)
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(strings.ToLower(d), ".")
	d = strings.TrimSuffix(strings.TrimPrefix(d, "["), "]")

	if d == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidDomain, raw)
	}
	if strings.IndexFunc(d, unicode.IsSpace) >= 0 || strings.ContainsAny(d, "/\\@") {
		return "", fmt.Errorf("%w: %q is not a hostname", ErrInvalidDomain, raw)
	}
	return d, nil
}
