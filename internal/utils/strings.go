// Package utils provides common utility functions.
package utils

// FirstNonEmpty returns the first non-empty string in vals.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
