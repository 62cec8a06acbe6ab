// Package buildinfo exposes version metadata set at build time via
// -ldflags "-X github.com/andrej220/goldenimage/internal/buildinfo.Version=...".
package buildinfo

import "strings"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Summary returns a concise single-line version string.
func Summary() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	parts := make([]string, 0, 2)
	if Commit != "" {
		c := Commit
		if len(c) > 12 {
			c = c[:12]
		}
		parts = append(parts, c)
	}
	if Date != "" {
		parts = append(parts, Date)
	}
	if len(parts) == 0 {
		return v
	}
	return v + " (" + strings.Join(parts, ", ") + ")"
}
