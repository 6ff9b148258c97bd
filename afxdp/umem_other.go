//go:build !linux

package afxdp

func mapUMEM(length uintptr) ([]byte, error) { return make([]byte, length), nil }

func unmapUMEM([]byte) error { return nil }
