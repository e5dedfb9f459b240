package kvm

const (
	liveMemoryPath  = "/proc/kcore"
	liveSymbolsPath = "/proc/kallsyms"
)
