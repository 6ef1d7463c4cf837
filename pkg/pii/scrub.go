// pkg/pii/scrub.go
package pii

import (
	"reflect"
	"sort"
	"unsafe"
)

// DefaultMaxDepth is the nesting depth at which ScrubObject stops descending.
const DefaultMaxDepth = 50

var (
	plainMapType   = reflect.TypeOf(map[string]any(nil))
	plainSliceType = reflect.TypeOf([]any(nil))
)

// Options bounds a structural scrub.
type Options struct {
	// MaxDepth is the deepest container level that is sanitized. The root is
	// depth 0. Containers nested deeper are returned as-is, not erased.
	// Zero or negative selects DefaultMaxDepth.
	MaxDepth int
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Report counts what one structural scrub touched.
type Report struct {
	Strings      int `json:"strings"`
	Changed      int `json:"changed"`
	Containers   int `json:"containers"`
	SharedRefs   int `json:"shared_refs"`
	Cycles       int `json:"cycles"`
	DepthCutoffs int `json:"depth_cutoffs"`
}

// ScrubObject returns a copy of value with every reachable string passed
// through rules. Containers are maps with string keys, slices and arrays, of
// any element type: map[string]any and []any as produced by encoding/json, and
// typed ones such as map[string]string or []string. Map keys are not scrubbed.
// Structs, pointers and all other values pass through unchanged.
//
// The input is never modified and every container reached gets a new
// instance. A container reachable by several paths maps to a single copy,
// and cycles in the input become the same cycles in the output. An invalid
// rule set is logged and value is returned unmodified.
func ScrubObject(value any, rules []Rule, opts ...Options) any {
	out, _ := ScrubObjectReport(value, rules, opts...)
	return out
}

// ScrubObjectReport is ScrubObject that also returns traversal counters.
func ScrubObjectReport(value any, rules []Rule, opts ...Options) (any, Report) {
	c, res := Compile(rules)
	if !res.Valid {
		warnLogger().Warn("invalid PII rule set, returning value unmodified", "error", res.Error)
		return value, Report{}
	}
	return c.Scrub(value, opts...)
}

// Scrub walks value like ScrubObject using the already compiled rules.
func (c *Compiled) Scrub(value any, opts ...Options) (any, Report) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	t := &traversal{
		rules:    c,
		maxDepth: o.maxDepth(),
		visited:  make(map[containerKey]bool),
		copies:   make(map[containerKey]any),
	}
	out := t.walk(value, 0)
	return out, t.report
}

// containerKey is the identity of an input container. A slice is identified
// by its backing array and length, so two headers over the same elements are
// one container.
type containerKey struct {
	typ   reflect.Type
	ptr   unsafe.Pointer
	len   int
	slice bool
}

type traversal struct {
	rules    *Compiled
	maxDepth int
	// visited holds containers on the current path; meeting one again is a cycle.
	visited map[containerKey]bool
	// copies maps every container seen so far to its sanitized counterpart. The
	// entry is made before descending, so a back-edge receives the copy that is
	// still being filled.
	copies map[containerKey]any
	report Report
}

func (t *traversal) walk(v any, depth int) any {
	switch x := v.(type) {
	case string:
		t.report.Strings++
		out := t.rules.Apply(x)
		if out != x {
			t.report.Changed++
		}
		return out
	case map[string]any:
		if x == nil {
			return x
		}
		key := containerKey{typ: plainMapType, ptr: reflect.ValueOf(x).UnsafePointer()}
		if cp, ok := t.seen(key); ok {
			return cp
		}
		if depth > t.maxDepth {
			t.report.DepthCutoffs++
			return x
		}
		return t.walkMap(x, key, depth)
	case []any:
		if x == nil {
			return x
		}
		if len(x) == 0 {
			t.report.Containers++
			return []any{}
		}
		key := containerKey{typ: plainSliceType, ptr: reflect.ValueOf(x).UnsafePointer(), len: len(x), slice: true}
		if cp, ok := t.seen(key); ok {
			return cp
		}
		if depth > t.maxDepth {
			t.report.DepthCutoffs++
			return x
		}
		return t.walkSlice(x, key, depth)
	case nil:
		return nil
	default:
		return t.walkTyped(reflect.ValueOf(v), depth)
	}
}

func (t *traversal) seen(key containerKey) (any, bool) {
	cp, ok := t.copies[key]
	if !ok {
		return nil, false
	}
	if t.visited[key] {
		t.report.Cycles++
	} else {
		t.report.SharedRefs++
	}
	return cp, true
}

func (t *traversal) walkMap(m map[string]any, key containerKey, depth int) map[string]any {
	out := make(map[string]any, len(m))
	t.copies[key] = out
	t.visited[key] = true
	t.report.Containers++

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = t.walk(m[k], depth+1)
	}

	delete(t.visited, key)
	return out
}

func (t *traversal) walkSlice(s []any, key containerKey, depth int) []any {
	out := make([]any, len(s))
	t.copies[key] = out
	t.visited[key] = true
	t.report.Containers++

	for i, e := range s {
		out[i] = t.walk(e, depth+1)
	}

	delete(t.visited, key)
	return out
}

// walkTyped handles containers other than map[string]any and []any.
func (t *traversal) walkTyped(rv reflect.Value, depth int) any {
	v := rv.Interface()
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
			return v
		}
		key := containerKey{typ: rv.Type(), ptr: rv.UnsafePointer()}
		if cp, ok := t.seen(key); ok {
			return cp
		}
		if depth > t.maxDepth {
			t.report.DepthCutoffs++
			return v
		}
		return t.walkTypedMap(rv, key, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		if rv.Len() == 0 {
			t.report.Containers++
			return reflect.MakeSlice(rv.Type(), 0, 0).Interface()
		}
		key := containerKey{typ: rv.Type(), ptr: rv.UnsafePointer(), len: rv.Len(), slice: true}
		if cp, ok := t.seen(key); ok {
			return cp
		}
		if depth > t.maxDepth {
			t.report.DepthCutoffs++
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		t.copies[key] = out.Interface()
		t.visited[key] = true
		t.fill(out, rv, depth)
		delete(t.visited, key)
		return out.Interface()
	case reflect.Array:
		// arrays are values and cannot be shared or form cycles
		if depth > t.maxDepth {
			t.report.DepthCutoffs++
			return v
		}
		out := reflect.New(rv.Type()).Elem()
		t.fill(out, rv, depth)
		return out.Interface()
	default:
		return v
	}
}

func (t *traversal) walkTypedMap(rv reflect.Value, key containerKey, depth int) any {
	out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	t.copies[key] = out.Interface()
	t.visited[key] = true
	t.report.Containers++

	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		out.SetMapIndex(k, t.walkElem(rv.MapIndex(k), depth+1))
	}

	delete(t.visited, key)
	return out.Interface()
}

// fill copies the elements of src into dst, a new slice or array of the same
// type, scrubbing each one.
func (t *traversal) fill(dst, src reflect.Value, depth int) {
	t.report.Containers++
	if !mayHoldStrings(src.Type().Elem()) {
		reflect.Copy(dst, src)
		return
	}
	for i := 0; i < src.Len(); i++ {
		dst.Index(i).Set(t.walkElem(src.Index(i), depth+1))
	}
}

// walkElem scrubs one element and returns it as a value assignable to the
// element's static type.
func (t *traversal) walkElem(ev reflect.Value, depth int) reflect.Value {
	if ev.Kind() == reflect.Interface {
		if ev.IsNil() {
			return ev
		}
		ev = ev.Elem()
	}
	out := t.walk(ev.Interface(), depth)
	if out == nil {
		return reflect.Zero(ev.Type())
	}
	return reflect.ValueOf(out)
}

// mayHoldStrings reports whether values of typ can contain a scrubbable
// string.
func mayHoldStrings(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.String, reflect.Interface, reflect.Map, reflect.Slice, reflect.Array:
		return true
	}
	return false
}
