package version

import "fmt"

// Set at build time via -ldflags "-X github.com/geffzhang/weyhdbot/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// GetInfo returns a one-line build description.
func GetInfo() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
