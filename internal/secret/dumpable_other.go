//go:build unix && !linux

package secret

func disableDumpable() error { return nil }
