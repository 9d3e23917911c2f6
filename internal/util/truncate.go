package util

import "fmt"

// DefaultLogMaxLen bounds how much of an upstream body ends up in a log line.
const DefaultLogMaxLen = 512

// TruncateLog cuts s to maxLen bytes and notes the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog for response bodies, using DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// MaskSecret keeps only the tail of a token so log lines can tell
// credentials apart without leaking them.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) < 12 {
		return "***"
	}
	return "..." + s[len(s)-6:]
}
