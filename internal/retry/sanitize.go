package retry

import (
	"strings"
	"unicode/utf8"
)

// MaxErrorLength bounds sanitized error text.
const MaxErrorLength = 256

// MaxSnippetLength bounds stored response snippets.
const MaxSnippetLength = 512

var storageMessages = []struct {
	needle  string
	message string
}{
	{"unique constraint failed", "duplicate record rejected by local store"},
	{"primary key constraint failed", "duplicate record rejected by local store"},
	{"foreign key constraint failed", "referenced record is missing"},
	{"not null constraint failed", "record failed local integrity check"},
	{"check constraint failed", "record failed local integrity check"},
	{"no such table", "local schema mismatch"},
	{"no such column", "local schema mismatch"},
	{"database is locked", "local store busy"},
	{"database table is locked", "local store busy"},
	{"disk i/o error", "local store unavailable"},
	{"sqlite3", "local store error"},
}

// Sanitize returns error text that is safe to persist and show on admin
// surfaces. Raw storage errors are replaced by stable descriptions so that
// constraint, table and column names never leak; everything else is
// whitespace-collapsed and truncated.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage is Sanitize for text that is already a string.
func SanitizeMessage(msg string) string {
	lower := strings.ToLower(msg)
	for _, m := range storageMessages {
		if strings.Contains(lower, m.needle) {
			return m.message
		}
	}
	return Truncate(strings.Join(strings.Fields(msg), " "), MaxErrorLength)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
