//go:build !linux && !openbsd

package kvm

// No live interface; static images still work.
const (
	liveMemoryPath  = ""
	liveSymbolsPath = ""
)
