// Package matchregistry is a process-wide string name to
// pattern-match-function table. A raw function pointer is meaningless in
// another address space, so a pattern registers its match function under a
// name once, at startup, and that name; not a pointer; is what crosses
// the wire in PATTERN_SUB/PATTERN_UNSUB frames. The receiving side
// resolves the name back to a local function value via the same registry.
package matchregistry

import (
	"fmt"
	"reflect"
	"sync"
)

// MatchFn matches the shape of postoffice.MatchFn. It is redeclared here
// (rather than imported) so this package has no dependency on
// internal/postoffice; any func([]byte, []byte) bool value, including a
// postoffice.MatchFn, is directly assignable to and from this type.
type MatchFn func(pattern, target []byte) bool

var (
	mu       sync.RWMutex
	byName   = map[string]MatchFn{}
	byPtr    = map[uintptr]string{}
)

// Register names fn so it can be looked up by Lookup on this process, and
// so NameOf can recover name from fn's value alone. Re-registering the same
// name with a different function replaces the mapping; this is expected at
// process startup only (the default glob matcher registers itself under
// "glob" from an init function), never at request time.
func Register(name string, fn MatchFn) {
	if fn == nil {
		panic(fmt.Sprintf("matchregistry: Register(%q, nil)", name))
	}
	mu.Lock()
	defer mu.Unlock()
	byName[name] = fn
	byPtr[funcPtr(fn)] = name
}

// Lookup resolves a registered name back to its function, for the
// receiving side of a PATTERN_SUB/PATTERN_UNSUB frame. The second return
// value is false for a name absent from this process's registry, a
// protocol error the caller logs and drops.
func Lookup(name string) (MatchFn, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := byName[name]
	return fn, ok
}

// NameOf recovers the registered name for fn, for the sending side: a
// pattern subscription only carries a match function value, not the name it
// was registered under, so the cluster engine must reverse-look-up the name
// before framing a PATTERN_SUB. A function value that was never passed to
// Register (a caller-supplied ad hoc matcher) has no name; the second
// return value is false and the caller keeps the pattern local rather than
// sending a meaningless frame.
func NameOf(fn MatchFn) (string, bool) {
	if fn == nil {
		return "", false
	}
	mu.RLock()
	defer mu.RUnlock()
	name, ok := byPtr[funcPtr(fn)]
	return name, ok
}

// funcPtr extracts the code pointer backing a func value, used only as a
// registry lookup key; never serialized or compared across processes.
func funcPtr(fn MatchFn) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
