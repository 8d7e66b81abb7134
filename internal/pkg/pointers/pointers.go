// Package pointers holds small generic helpers for taking the address of a
// value inline, for struct literals that need an optional (pointer) field
// from a plain value without an intermediate variable.
package pointers

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
