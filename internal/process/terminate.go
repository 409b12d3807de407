package process

// Terminator requests termination of one OS process. Implementations are
// selected at build time for the host OS family and hold a reference to,
// not ownership of, the process handle.
type Terminator interface {
	// Terminate asks the process to exit.
	Terminate() error
	// ForceTerminate ends the process without giving it a chance to clean up.
	ForceTerminate() error
}

// TerminatorFunc adapts a pair of functions to Terminator.
type TerminatorFunc struct {
	TerminateFunc      func() error
	ForceTerminateFunc func() error
}

// Terminate implements Terminator.
func (f TerminatorFunc) Terminate() error {
	if f.TerminateFunc == nil {
		return nil
	}
	return f.TerminateFunc()
}

// ForceTerminate implements Terminator.
func (f TerminatorFunc) ForceTerminate() error {
	if f.ForceTerminateFunc == nil {
		return nil
	}
	return f.ForceTerminateFunc()
}
