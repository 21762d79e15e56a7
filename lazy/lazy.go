// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lazy implements serializable deferred computations for
// courier: an Object names a registered function and its arguments,
// or wraps a literal value; a Registry resolves and invokes Objects.
// Objects, results, and errors are gob-encoded so that they can cross
// the RPC boundary, including errors traveling as ordinary values.
//
// Argument and result types that are not gob defaults must be
// registered with gob, usually in an init function in the package
// that declares the type:
//
//	func init() {
//		gob.Register(MyResult{})
//	}
package lazy

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

func init() {
	gob.Register(new(errors.Error))
	gob.Register(new(Object))
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register(time.Duration(0))
}

// An Object is a serializable description of a deferred computation:
// the name of a registered function together with its arguments, or a
// literal value. Objects are inert until materialized by a Registry.
type Object struct {
	// Fn is the registered function name; the empty string marks a
	// literal Object.
	Fn string
	// Args are the function's arguments; an argument may itself be an
	// *Object, materialized before the call.
	Args []interface{}
	// Val is the literal value of a literal Object.
	Val interface{}
	// Cached marks the Object's result as cacheable under the Object's
	// digest.
	Cached bool
}

// Func returns an Object deferring a call of the named function with
// the provided arguments.
func Func(name string, args ...interface{}) *Object {
	return &Object{Fn: name, Args: args}
}

// Value returns a literal Object that materializes to v.
func Value(v interface{}) *Object {
	return &Object{Val: v}
}

// Cache marks the object's result cacheable and returns the object.
func (o *Object) Cache() *Object {
	o.Cached = true
	return o
}

func (o *Object) String() string {
	if o.Fn == "" {
		return fmt.Sprintf("lazy(%v)", o.Val)
	}
	return fmt.Sprintf("lazy(%s%v)", o.Fn, o.Args)
}

type payload struct {
	V interface{}
}

// Marshal encodes an arbitrary value, including error values, into a
// transportable blob. Unencodable values fail with an Invalid error.
func Marshal(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(payload{v}); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lazy: cannot marshal %T", v), err)
	}
	return b.Bytes(), nil
}

// Unmarshal decodes a blob produced by Marshal.
func Unmarshal(b []byte) (interface{}, error) {
	var p payload
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&p); err != nil {
		return nil, errors.E(errors.Invalid, "lazy: cannot unmarshal value", err)
	}
	return p.V, nil
}

// MarshalObject encodes an Object for transport.
func MarshalObject(o *Object) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(o); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lazy: cannot marshal %s", o), err)
	}
	return b.Bytes(), nil
}

// UnmarshalObject decodes an Object encoded by MarshalObject.
func UnmarshalObject(b []byte) (*Object, error) {
	o := new(Object)
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(o); err != nil {
		return nil, errors.E(errors.Invalid, "lazy: cannot unmarshal object", err)
	}
	return o, nil
}

// A Registry maps function names to Go functions and materializes
// Objects against them. Registries are constructed and injected
// explicitly by the process entry point; there is no process-wide
// instance.
type Registry struct {
	mu    sync.Mutex
	fns   map[string]reflect.Value
	cache *Cache
}

// NewRegistry returns an empty registry. If cacheSize is positive,
// results of cache-marked Objects are memoized in an LRU cache of
// that capacity.
func NewRegistry(cacheSize int) *Registry {
	r := &Registry{fns: make(map[string]reflect.Value)}
	if cacheSize > 0 {
		r.cache = newCache(cacheSize)
	}
	return r
}

// Register registers fn under the provided name. fn must be a
// function returning at most two values, the second an error.
func (r *Registry) Register(name string, fn interface{}) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return errors.E(errors.Invalid, fmt.Sprintf("lazy: %s: not a function: %T", name, fn))
	}
	t := v.Type()
	if t.NumOut() > 2 || (t.NumOut() == 2 && t.Out(1) != reflect.TypeOf((*error)(nil)).Elem()) {
		return errors.E(errors.Invalid, fmt.Sprintf("lazy: %s: function must return (T), (T, error), or nothing", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[name]; ok {
		return errors.E(errors.Invalid, fmt.Sprintf("lazy: %s: already registered", name))
	}
	r.fns[name] = v
	return nil
}

// Make materializes the object: a literal returns its value; a
// deferred call resolves the registered function and invokes it.
// Cache-marked objects are served from the registry's result cache
// when possible.
func (r *Registry) Make(o *Object) (interface{}, error) {
	if o.Fn == "" {
		return o.Val, nil
	}
	if o.Cached && r.cache != nil {
		return r.cache.getOrMake(o, r.call)
	}
	return r.call(o)
}

// MakeBytes decodes an encoded Object and materializes it.
func (r *Registry) MakeBytes(b []byte) (interface{}, error) {
	o, err := UnmarshalObject(b)
	if err != nil {
		return nil, err
	}
	return r.Make(o)
}

// CacheInfo returns the registry's result cache statistics.
func (r *Registry) CacheInfo() CacheInfo {
	if r.cache == nil {
		return CacheInfo{}
	}
	return r.cache.Info()
}

// ClearCache discards all cached results.
func (r *Registry) ClearCache() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

func (r *Registry) call(o *Object) (interface{}, error) {
	r.mu.Lock()
	fn, ok := r.fns[o.Fn]
	r.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lazy: no such function %s", o.Fn))
	}
	t := fn.Type()
	if !t.IsVariadic() && t.NumIn() != len(o.Args) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lazy: %s: got %d arguments, want %d", o.Fn, len(o.Args), t.NumIn()))
	}
	in := make([]reflect.Value, len(o.Args))
	for i, arg := range o.Args {
		// Arguments may themselves be deferred.
		if nested, ok := arg.(*Object); ok {
			v, err := r.Make(nested)
			if err != nil {
				return nil, err
			}
			arg = v
		}
		var want reflect.Type
		if t.IsVariadic() && i >= t.NumIn()-1 {
			want = t.In(t.NumIn() - 1).Elem()
		} else {
			want = t.In(i)
		}
		av := reflect.ValueOf(arg)
		if arg == nil {
			av = reflect.Zero(want)
		} else if !av.Type().AssignableTo(want) {
			if av.Type().ConvertibleTo(want) {
				av = av.Convert(want)
			} else {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("lazy: %s: argument %d: cannot use %T as %s", o.Fn, i, arg, want))
			}
		}
		in[i] = av
	}
	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if t.Out(0) == reflect.TypeOf((*error)(nil)).Elem() {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		var err error
		if e := out[1].Interface(); e != nil {
			err = e.(error)
		}
		return out[0].Interface(), err
	}
}
