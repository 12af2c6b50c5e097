// Package version implements the host's minimum-compatible-version contract.
//
// A module may declare the lowest host version it supports. The host has a single
// integer version stamped at build time; version 0 is a development build that
// enforces nothing.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zero-day-ai/pluginhost/pluginerr"
)

// Development is the host version of unstamped builds. It disables enforcement.
const Development = 0

// Build is the host version, set at link time:
//
//	go build -ldflags "-X github.com/zero-day-ai/pluginhost/version.Build=42"
var Build = "0"

// Current returns the host version parsed from Build.
// Malformed or negative values yield Development.
func Current() int {
	v, err := strconv.Atoi(strings.TrimSpace(Build))
	if err != nil || v < 0 {
		return Development
	}
	return v
}

// Check reports whether a module declaring minimum may run on a host at current.
// A minimum of zero or less means none was declared.
func Check(minimum, current int) error {
	if current == Development {
		return nil
	}
	if minimum <= 0 {
		return nil
	}
	if minimum <= current {
		return nil
	}
	return fmt.Errorf("%w: module expects host version [%d] but the current version is [%d]",
		pluginerr.ErrIncompatibleVersion, minimum, current)
}
