// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iterq

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestPipe(t *testing.T) {
	// int -> string transform between the queues.
	p := NewPipe(func(next Next[int]) Next[string] {
		return func() (string, error) {
			v, err := next()
			if err != nil {
				return "", err
			}
			return strconv.Itoa(v * v), nil
		}
	}, 2).Start()
	go p.In.EnqueueFrom(FromSlice([]int{1, 2, 3}))
	var got []string
	for {
		v, err := p.Out.Dequeue()
		if err != nil {
			if _, ok := IsEnd(err); !ok {
				t.Fatal(err)
			}
			break
		}
		got = append(got, v)
	}
	want := []string{"1", "4", "9"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := p.Processed(), int64(3); got != want {
		t.Errorf("got %v processed, want %v", got, want)
	}
}

func TestSource(t *testing.T) {
	p := NewSource(FromSlice([]int{10, 20, 30}), 4).Start()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	out, err := p.Out.Flush(0, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(out), 3; got != want {
		t.Fatalf("got %v items, want %v", got, want)
	}
	if !p.Out.Exhausted() {
		t.Error("output not exhausted")
	}
}

func TestSink(t *testing.T) {
	var sum int
	p := NewSink(func(next Next[int]) error {
		for {
			v, err := next()
			if err != nil {
				if _, ok := IsEnd(err); ok {
					return nil
				}
				return err
			}
			sum += v
		}
	}, 2).Start()
	if err := p.In.EnqueueFrom(FromSlice([]int{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := sum, 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Processed(), int64(4); got != want {
		t.Errorf("got %v processed, want %v", got, want)
	}
}

func TestPipeTimeout(t *testing.T) {
	// No producer feeds the input queue, so the transform's dequeue
	// times out and resolves the pipe.
	p := NewPipe(func(next Next[int]) Next[int] { return next }, 1, WithTimeout(20*time.Millisecond)).Start()
	err := p.Wait(context.Background())
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want timeout error", err)
	}
}

func TestPipeWaitContext(t *testing.T) {
	p := NewPipe(func(next Next[int]) Next[int] { return next }, 1).Start()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
}
