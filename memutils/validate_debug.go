//go:build debug_mem_utils

package memutils

// DebugEnabled reports whether memutils was built with the debug_mem_utils build tag
const DebugEnabled bool = true

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present.
//
// Validate implementations in this module are only meaningful while no allocation or release is
// in flight, so callers should only invoke this at quiescent points such as creation and teardown.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
