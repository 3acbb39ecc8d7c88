package executor

import "github.com/pkg/errors"

// nativeHandlers is the process-wide registry of in-tree NativeHandler
// functions, looked up by a manifest's module_path when module_kind is
// "native" (manifest.ModuleNative). Handlers register themselves from an
// init() in the package that implements them; cmd/indexer never needs to
// know the concrete set.
var nativeHandlers = make(map[string]NativeHandler)

// RegisterNativeHandler adds handler under name. Calling it twice for the
// same name is a programming error and panics, the same way
// database/sql.Register does for drivers.
func RegisterNativeHandler(name string, handler NativeHandler) {
	if _, exists := nativeHandlers[name]; exists {
		panic("executor: native handler " + name + " registered twice")
	}
	nativeHandlers[name] = handler
}

// LookupNativeHandler resolves a manifest's module_path to a registered
// NativeHandler.
func LookupNativeHandler(name string) (NativeHandler, error) {
	handler, ok := nativeHandlers[name]
	if !ok {
		return nil, errors.Errorf("executor: no native handler registered for %q", name)
	}
	return handler, nil
}
