// Package build exposes version information set at link time via
// -ldflags, so main.go never has to know whether it was built from a
// tagged release or a dev tree.
package build

import "github.com/prometheus/common/version"

// Info returns the build's version/branch/revision as set by main's
// -ldflags-populated package vars, via prometheus/common/version.
func Info() string {
	return version.Print("kvd")
}
