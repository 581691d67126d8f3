package core

// JSRuntime abstracts one isolate's JavaScript engine behind the small
// surface that the builtin setup functions in internal/webapi and the event
// loop in internal/eventloop need.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// A (T, error) return is unwrapped: T on success, a thrown TypeError on
	// error.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable. Basic Go types (string, int,
	// float64, bool) are converted to their JS counterparts.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue until it is empty.
	RunMicrotasks()
}

// BinaryTransferer is implemented by runtimes that can move raw bytes
// between Go and a JS ArrayBuffer without a string round trip.
type BinaryTransferer interface {
	// ReadBinaryFromJS reads the ArrayBuffer stored at the given global,
	// deletes the global and returns a copy of its bytes.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS stores a copy of data as an ArrayBuffer at the given
	// global.
	WriteBinaryToJS(globalName string, data []byte) error
}
