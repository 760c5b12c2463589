package kernel

// Error describes an error raised by one of the kernel subsystems. Kernel
// errors are always defined as global variables pointing to an Error value:
// early boot code runs before the Go allocator is usable, so error values
// can never be constructed on demand with errors.New or fmt.Errorf.
type Error struct {
	// Module is the name of the subsystem where the error occurred.
	Module string

	// Message describes the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
