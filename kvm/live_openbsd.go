package kvm

const (
	liveMemoryPath  = "/dev/kmem"
	liveSymbolsPath = "/dev/ksyms"
)
