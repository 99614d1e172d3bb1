//go:build !unix

package secret

func lockMemory([]byte) error { return nil }

func unlockMemory([]byte) error { return nil }

func DisableCoreDumps() error { return nil }
