package quickjs

import (
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// handles are the C-level pointers behind a *quickjs.VM. The Go wrapper
// keeps them unexported and never runs promise jobs itself, so they are
// read out with reflection.
//
// VM layout (modernc.org/quickjs v0.17):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
type handles struct {
	ctx uintptr
	rt  uintptr
	tls *libc.TLS
}

func extractHandles(vm *quickjs.VM) (h handles, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reading quickjs VM internals: %v", p)
		}
	}()

	v := reflect.ValueOf(vm).Elem()
	cctx := v.FieldByName("cContext")
	if !cctx.IsValid() {
		return h, fmt.Errorf("quickjs.VM has no cContext field")
	}
	h.ctx = uintptr(cctx.Uint())

	rtField := v.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return h, fmt.Errorf("quickjs.VM has no runtime")
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	cRuntime := rtVal.FieldByName("cRuntime")
	tls := rtVal.FieldByName("tls")
	if !cRuntime.IsValid() || !tls.IsValid() || tls.IsNil() {
		return h, fmt.Errorf("quickjs runtime layout changed")
	}
	h.rt = uintptr(cRuntime.Uint())
	h.tls = (*libc.TLS)(unsafe.Pointer(tls.Pointer()))

	if h.ctx == 0 || h.rt == 0 {
		return h, fmt.Errorf("quickjs VM is not initialised")
	}
	return h, nil
}

// runJobs executes pending promise jobs until the queue is empty and
// returns how many ran.
func (h handles) runJobs() int {
	n := 0
	for lib.XJS_ExecutePendingJob(h.tls, h.rt, 0) > 0 {
		n++
	}
	return n
}
