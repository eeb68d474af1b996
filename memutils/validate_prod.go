//go:build !debug_mem_utils

package memutils

const DebugMargin uint64 = 0

func DebugValidate(validatable Validatable) {}
