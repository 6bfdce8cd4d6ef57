//go:build debug_mem_utils

package memutils

import "github.com/cockroachdb/errors"

// DebugValidate panics if validatable reports broken bookkeeping. Builds without the debug_mem_utils
// tag skip the check entirely.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(errors.Wrapf(err, "%T failed validation", validatable))
	}
}
