package sync

// Variable is a value shared between goroutines with copy-in/copy-out access.
// Get and Set never hand out references to the stored value, and
// implementations keep their critical sections free of I/O and callbacks.
type Variable[T any] interface {
	Get() T
	Set(T) uint64

	// Snapshot returns the value together with the version it was read at.
	Snapshot() (T, uint64)
	Version() uint64

	// OnChange registers a hook run after each Set, outside the lock,
	// on the goroutine that called Set.
	OnChange(func(oldValue, newValue T))
}
