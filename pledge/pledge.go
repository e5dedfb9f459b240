// Package pledge narrows what the process may do once the target and
// output catalogue are open. On OpenBSD this is pledge(2); elsewhere
// narrowing is unavailable and Narrow succeeds without effect.
package pledge

import (
	"strings"

	"github.com/frobware/go-bufdump"
)

// Promises returns the pledge promises needed for the rest of a run:
// stdio for I/O on already open descriptors, wpath and cpath to create
// and write dump files. A SQLite catalogue also re-reads and locks its
// database file.
func Promises(catalog bool) []string {
	promises := []string{"stdio", "wpath", "cpath"}
	if catalog {
		promises = append(promises, "rpath", "flock")
	}
	return promises
}

// Supported reports whether Narrow has any effect on this platform.
func Supported() bool {
	return supported
}

// Narrow irrevocably restricts the process to promises. A refusal is
// a *bufdump.PrivilegeError.
func Narrow(promises []string) error {
	p := strings.Join(promises, " ")
	if err := narrow(p); err != nil {
		return &bufdump.PrivilegeError{Promises: p, Err: err}
	}
	return nil
}
