package utils

import "strings"

const maskVisible = 4

// MaskSecret keeps a short prefix of a credential so it can be told apart in
// output. Short secrets are hidden entirely.
func MaskSecret(s string) string {
	if len(s) <= maskVisible {
		return strings.Repeat("*", 5)
	}
	return s[:maskVisible] + strings.Repeat("*", 5)
}
