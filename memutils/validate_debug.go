//go:build debug_mem_utils

package memutils

// DebugMargin is the unused address space left after every range placed in an address heap. A stray
// GPU access just past the end of a range then faults instead of silently landing in a neighbor.
const DebugMargin uint64 = 4096

// DebugValidate panics if the object fails its consistency check. Without the debug_mem_utils build
// tag it does nothing.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
