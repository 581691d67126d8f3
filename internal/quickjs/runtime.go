package quickjs

import (
	"fmt"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/cryguy/scriptd/internal/core"
)

// jsRuntime implements core.JSRuntime for one QuickJS VM. It also moves
// request and response bodies through the C API so they never pass through
// a JS string.
type jsRuntime struct {
	vm *quickjs.VM
	h  handles
}

var (
	_ core.JSRuntime        = (*jsRuntime)(nil)
	_ core.BinaryTransferer = (*jsRuntime)(nil)
)

func newRuntime(vm *quickjs.VM) (*jsRuntime, error) {
	h, err := extractHandles(vm)
	if err != nil {
		return nil, err
	}
	// A trivial call proves the handles point at a live context.
	glob := lib.XJS_GetGlobalObject(h.tls, h.ctx)
	lib.XFreeValue(h.tls, h.ctx, glob)
	return &jsRuntime{vm: vm, h: h}, nil
}

func (r *jsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (r *jsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

func (r *jsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

func (r *jsRuntime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("expected int, got %T", result)
}

// RegisterFunc registers fn under a private name and installs a JS wrapper
// under name. The Go binding returns (T, error) as a two element array; the
// wrapper turns a non-null error into a thrown TypeError.
func (r *jsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return r.Eval(fmt.Sprintf(`(function() {
		var raw = globalThis[%[1]q];
		delete globalThis[%[1]q];
		globalThis[%[2]q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r) && r.length === 2) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError(String(r[1]));
				return r[0];
			}
			return r;
		};
	})()`, rawName, name))
}

func (r *jsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

func (r *jsRuntime) RunMicrotasks() {
	r.h.runJobs()
}

// WriteBinaryToJS stores a copy of data at globalThis[globalName] as an
// ArrayBuffer with a single memcpy.
func (r *jsRuntime) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	tls, ctx := r.h.tls, r.h.ctx

	val := lib.XJS_NewArrayBufferCopy(tls, ctx, uintptr(unsafe.Pointer(&data[0])), lib.Tsize_t(len(data)))
	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(tls, ctx, val)
		return fmt.Errorf("allocating property name: %w", err)
	}
	defer libc.Xfree(tls, cName)

	glob := lib.XJS_GetGlobalObject(tls, ctx)
	defer lib.XFreeValue(tls, ctx, glob)
	// JS_SetPropertyStr takes ownership of val.
	if lib.XJS_SetPropertyStr(tls, ctx, glob, cName, val) < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinaryFromJS copies the ArrayBuffer at globalThis[globalName] out of
// the VM and deletes the global. A missing or empty buffer yields nil.
func (r *jsRuntime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	tls, ctx := r.h.tls, r.h.ctx
	defer func() { _ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName)) }()

	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}
	glob := lib.XJS_GetGlobalObject(tls, ctx)
	val := lib.XJS_GetPropertyStr(tls, ctx, glob, cName)
	lib.XFreeValue(tls, ctx, glob)
	libc.Xfree(tls, cName)
	defer lib.XFreeValue(tls, ctx, val)

	var size lib.Tsize_t
	ptr := lib.XJS_GetArrayBuffer(tls, ctx, uintptr(unsafe.Pointer(&size)), val)
	if ptr == 0 || size == 0 {
		return nil, nil
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size))
	return out, nil
}
