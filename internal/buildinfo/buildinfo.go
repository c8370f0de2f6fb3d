// Package buildinfo carries the version strings stamped in with -ldflags.
package buildinfo

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

// Commit is set at build time via -ldflags.
var Commit = "unknown"

// Date is set at build time via -ldflags.
var Date = "unknown"

// Short returns a compact build identifier for window titles.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// String returns the full build identity printed in the boot banner.
// Unknown fields are left out.
func String() string {
	s := Short()
	switch {
	case Commit != "" && Commit != "unknown" && s != Commit && Date != "" && Date != "unknown":
		return fmt.Sprintf("%s (%s, %s)", s, Commit, Date)
	case Commit != "" && Commit != "unknown" && s != Commit:
		return fmt.Sprintf("%s (%s)", s, Commit)
	case Date != "" && Date != "unknown":
		return fmt.Sprintf("%s (%s)", s, Date)
	}
	return s
}
