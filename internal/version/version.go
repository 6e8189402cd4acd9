// Package version carries the build identity of the ctxkeeper binary.
package version

import (
	"fmt"
	"runtime"
)

// Name is the binary name used in version output and log labels.
const Name = "ctxkeeper"

// Set via ldflags, e.g.
// go build -ldflags="-X github.com/andywolf/ctxkeeper/internal/version.Version=v0.3.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version, e.g. "v0.3.0" or "dev".
func Short() string {
	return Version
}

func shortCommit() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}
	return Commit
}

// Info returns one line: "ctxkeeper v0.3.0 (commit: abc1234, built: ..., go: ...)".
func Info() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s)",
		Name, Version, shortCommit(), BuildDate, runtime.Version())
}

// Full returns the multi-line form printed by `version --full`.
func Full() string {
	return fmt.Sprintf(`%s %s
  Commit:     %s
  Built:      %s
  Go version: %s
  OS/Arch:    %s/%s`,
		Name, Version, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Labels returns the build identity as structured log labels.
func Labels() map[string]string {
	return map[string]string{
		"app":     Name,
		"version": Version,
		"commit":  shortCommit(),
	}
}
