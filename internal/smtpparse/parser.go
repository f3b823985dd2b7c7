// Package smtpparse extracts EHLO/HELO domains, MAIL FROM reverse-paths
// and RCPT TO forward-paths from a line buffer using the anchored,
// CRLF-bounded patterns of spec.md §4.C.
package smtpparse

import "regexp"

// Patterns mirror _examples/original_source/src/parse.c: anchored at the
// start of the unread region, bounded at the first CRLF, with an
// optional source-route stripped from MAIL/RCPT addresses.
var (
	ehloPattern = regexp.MustCompile(`(?i)^(?:ehlo|helo)(?:[ \t]+([^/\r\n]+?))?[ \t]*\r\n`)
	mailPattern = regexp.MustCompile(`(?i)^mail[ \t]+from:[ \t]*<(?:[^:<>]*:)?([^>]+)>.*\r\n`)
	rcptPattern = regexp.MustCompile(`(?i)^rcpt[ \t]+to:[ \t]*<(?:[^:<>]*:)?([^>]+)>.*\r\n`)
)

// Match is a borrowed slice into the caller's input buffer plus its
// length. Callers must copy the bytes out before advancing the buffer's
// read cursor (spec.md §9 "Pointer-into-buffer parse results").
type Match struct {
	Value []byte
	Total int // total bytes consumed, including the command and CRLF
}

// ParseEhlo extracts the EHLO/HELO domain. The domain group is optional;
// a missing domain is reported as ok=true with an empty Value ("no
// domain" per spec.md §8 boundary behavior), distinct from a syntax
// failure (ok=false), which happens when the line has no CRLF, doesn't
// start with EHLO/HELO followed by a space, tab or CRLF, or carries an
// argument containing '/'.
func ParseEhlo(in []byte) (Match, bool) {
	loc := ehloPattern.FindSubmatchIndex(in)
	if loc == nil {
		return Match{}, false
	}
	m := Match{Total: loc[1]}
	if loc[2] >= 0 {
		m.Value = in[loc[2]:loc[3]]
	}
	return m, true
}

// ParseMail extracts the MAIL FROM reverse-path. An empty <> address
// (no capture group content) is a parse failure per spec.md §8: "MAIL
// with empty <> parses as fail".
func ParseMail(in []byte) (Match, bool) {
	return matchAddress(mailPattern, in)
}

// ParseRcpt extracts the RCPT TO forward-path, with the same empty-<>
// failure rule as ParseMail.
func ParseRcpt(in []byte) (Match, bool) {
	return matchAddress(rcptPattern, in)
}

func matchAddress(re *regexp.Regexp, in []byte) (Match, bool) {
	loc := re.FindSubmatchIndex(in)
	if loc == nil {
		return Match{}, false
	}
	if loc[2] < 0 || loc[3] == loc[2] {
		return Match{}, false
	}
	return Match{Value: in[loc[2]:loc[3]], Total: loc[1]}, true
}
