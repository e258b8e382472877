package util

// Ptr returns a pointer to a copy of v, for optional fields such as
// eventstore.Health bounds.
func Ptr[T any](v T) *T {
	return &v
}
