//go:build !debug_mem_utils

package memutils

// DebugValidate panics if validatable reports broken bookkeeping. Builds without the debug_mem_utils
// tag skip the check entirely.
func DebugValidate(Validatable) {}
