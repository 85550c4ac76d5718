// Package jsval provides safe, consistent JS<->Go value conversion for the Goja runtime.
package jsval

import (
	"sort"
	"strconv"

	"github.com/dop251/goja"

	"github.com/tunelab/tunelab/internal/tlerr"
)

// ToValue converts a host value into a Goja value, recursively for arrays and
// keyed objects. Supported host types: nil, bool, string, integers, floats,
// []any, []string, map[string]any, and values that are already goja.Value.
//
// Goja's singleton values (undefined, null, true, false) are interned by the
// runtime and carry no per-invocation lifetime; everything else is owned by the
// runtime the value was created on and must not outlive it.
func ToValue(rt *goja.Runtime, v any) (goja.Value, error) {
	switch val := v.(type) {
	case nil:
		return goja.Null(), nil
	case goja.Value:
		return val, nil
	case bool:
		return rt.ToValue(val), nil
	case string:
		return rt.ToValue(val), nil
	case int:
		return rt.ToValue(val), nil
	case int32:
		return rt.ToValue(val), nil
	case int64:
		return rt.ToValue(val), nil
	case float32:
		return rt.ToValue(val), nil
	case float64:
		return rt.ToValue(val), nil
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return ToValue(rt, arr)
	case []map[string]any:
		arr := make([]any, len(val))
		for i, m := range val {
			arr[i] = m
		}
		return ToValue(rt, arr)
	case []any:
		items := make([]any, len(val))
		for i, elem := range val {
			ev, err := ToValue(rt, elem)
			if err != nil {
				return nil, err
			}
			items[i] = ev
		}
		return rt.NewArray(items...), nil
	case map[string]any:
		obj := rt.NewObject()
		// Sorted keys for deterministic property order
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fv, err := ToValue(rt, val[k])
			if err != nil {
				return nil, err
			}
			if err := obj.Set(k, fv); err != nil {
				return nil, tlerr.Wrapf(tlerr.ErrInternal, err, "failed to set property %q", k)
			}
		}
		return obj, nil
	default:
		return nil, tlerr.Newf(tlerr.ErrInternal, "cannot marshal value of type %T into the sandbox", v)
	}
}

// FromValue converts a Goja value back into a host value, recursively.
// undefined and null both map to nil. Arrays become []any, objects become
// map[string]any, numbers become float64 (or int64 when Goja holds an integer).
func FromValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}

	obj, isObj := v.(*goja.Object)
	if !isObj {
		return v.Export()
	}

	// Array-like: has a numeric length property
	if n, ok := arrayLength(obj); ok {
		result := make([]any, 0, n)
		for i := 0; i < n; i++ {
			result = append(result, FromValue(obj.Get(strconv.Itoa(i))))
		}
		return result
	}

	// Functions and other callables have no useful host shape
	if _, isFn := goja.AssertFunction(v); isFn {
		return nil
	}

	result := make(map[string]any)
	for _, key := range obj.Keys() {
		result[key] = FromValue(obj.Get(key))
	}
	return result
}

// arrayLength reports the length of an array-like object.
func arrayLength(obj *goja.Object) (int, bool) {
	if obj.ClassName() != "Array" {
		return 0, false
	}
	lengthVal := obj.Get("length")
	if lengthVal == nil || goja.IsUndefined(lengthVal) {
		return 0, false
	}
	n, ok := toInt(lengthVal.Export())
	if !ok || n < 0 {
		return 0, false
	}
	return n, true
}

// GetString safely retrieves a string property from a Goja object.
// Returns the value and true if the key exists and is a string, otherwise "" and false.
func GetString(obj *goja.Object, key string) (string, bool) {
	if obj == nil {
		return "", false
	}
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", false
	}
	s, ok := v.Export().(string)
	return s, ok
}

// toInt converts the numeric types Goja may export to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// JS numbers are float64 internally; only accept safe integral values
		if n >= -2147483648 && n <= 2147483647 && n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
