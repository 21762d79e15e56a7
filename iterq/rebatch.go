// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iterq

import (
	"fmt"
	"reflect"

	"github.com/grailbio/base/errors"
)

// A Tuple is one batch of columnar data: a fixed number of columns,
// each a slice of equal length (the batch size).
type Tuple []interface{}

// Rebatch regroups a stream of column tuples from one batch size to
// another: the concatenated column data is re-chunked into tuples of
// batchSize rows, preserving element order and column alignment, with
// a final shorter tuple if the total length does not divide evenly.
// A batchSize of 0 passes input tuples through unchanged.
//
// Columns must be slices; a non-slice column or a string column fails
// with an Invalid error, as does a tuple whose columns have unequal
// lengths or whose arity differs from numColumns.
func Rebatch(next Next[Tuple], batchSize, numColumns int) Next[Tuple] {
	if batchSize == 0 {
		return next
	}
	var (
		pending  = make([]reflect.Value, numColumns)
		buffered int
		final    error
	)
	fill := func() error {
		for buffered < batchSize && final == nil {
			tup, err := next()
			if err != nil {
				if _, ok := IsEnd(err); !ok {
					return err
				}
				final = err
				break
			}
			if len(tup) != numColumns {
				return errors.E(errors.Invalid, fmt.Sprintf("iterq: expected %d columns, got %d", numColumns, len(tup)))
			}
			var n = -1
			for i, col := range tup {
				rv := reflect.ValueOf(col)
				switch rv.Kind() {
				case reflect.Slice:
				case reflect.String:
					return errors.E(errors.Invalid, fmt.Sprintf("iterq: unsupported container type %T", col))
				default:
					return errors.E(errors.Invalid, fmt.Sprintf("iterq: non-sequence column type %T", col))
				}
				if n < 0 {
					n = rv.Len()
				} else if rv.Len() != n {
					return errors.E(errors.Invalid, fmt.Sprintf("iterq: ragged columns: column %d has length %d, want %d", i, rv.Len(), n))
				}
				if !pending[i].IsValid() {
					pending[i] = reflect.MakeSlice(rv.Type(), 0, batchSize)
				} else if pending[i].Type() != rv.Type() {
					return errors.E(errors.Invalid, fmt.Sprintf("iterq: mismatched column type %s, want %s", rv.Type(), pending[i].Type()))
				}
				pending[i] = reflect.AppendSlice(pending[i], rv)
			}
			buffered += n
		}
		return nil
	}
	return func() (Tuple, error) {
		if err := fill(); err != nil {
			return nil, err
		}
		if buffered == 0 {
			if final == nil {
				final = End(nil)
			}
			return nil, final
		}
		n := batchSize
		if buffered < n {
			n = buffered
		}
		out := make(Tuple, numColumns)
		for i := range pending {
			chunk := reflect.MakeSlice(pending[i].Type(), n, n)
			reflect.Copy(chunk, pending[i].Slice(0, n))
			out[i] = chunk.Interface()
			pending[i] = pending[i].Slice(n, pending[i].Len())
		}
		buffered -= n
		return out, nil
	}
}
