// Package util holds small shared helpers.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging token or code prefixes so full credentials never reach
// the log stream.
func SafeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
