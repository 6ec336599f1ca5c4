package mdns

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// sleep with cancelation
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return ctx.Err()
}

// Returns a random duration in [lo, hi).
func randBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// Takes (part of) a domain string unpacked by dns and unescapes it back to its original string.
func unescapeDns(str string) string {
	if !strings.Contains(str, `\`) {
		return str
	}
	b := make([]byte, 0, len(str))
	for i := 0; i < len(str); i++ {
		c := str[i]
		if c != '\\' || i+1 == len(str) {
			b = append(b, c)
			continue
		}
		if i+3 < len(str) && isDigit(str[i+1]) && isDigit(str[i+2]) && isDigit(str[i+3]) {
			b = append(b, unescapeDDD(str[i:i+4])...)
			i += 3
			continue
		}
		i++
		b = append(b, str[i])
	}
	return string(b)
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

// Takes an escaped \DDD+ string like `\226\128\153` and returns the escaped version `â€™`
//
// See https://github.com/miekg/dns/issues/1477
func unescapeDDD(ddd string) string {
	len := len(ddd) / 4
	p := make([]byte, len)
	for i := 0; i < len; i++ {
		off := i*4 + 1
		sub := ddd[off : off+3]
		n, _ := strconv.Atoi(sub)
		p[i] = byte(n)
	}
	return string(p)
}

// Escapes a single label the same way the dns lib does when unpacking, so that names we build can
// be compared with names we receive.
func escapeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c == '.' || c == '(' || c == ')' || c == ';' || c == ' ' || c == '@' || c == '"' || c == '\'' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			b.WriteByte('\\')
			b.WriteString(strconv.FormatInt(int64(c)+1000, 10)[1:]) // zero-padded \DDD
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// trimDot is used to trim the dots from the start or end of a string
func trimDot(s string) string {
	return strings.Trim(s, ".")
}

func ensureSuffix(s, suffix string) string {
	if !strings.HasSuffix(s, suffix) {
		s += suffix
	}
	return s
}

// Case-insensitive name comparison, as required for DNS names.
func nameEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
