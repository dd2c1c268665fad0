package memutils

// Validatable is implemented by allocators that can check their own bookkeeping. DebugValidate
// calls Validate in debug_rhi builds.
type Validatable interface {
	Validate() error
}
