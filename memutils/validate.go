package memutils

// Validatable is anything that can check its own bookkeeping, such as a buffer's free and used
// ledgers
type Validatable interface {
	Validate() error
}
