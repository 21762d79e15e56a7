// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rpc implements the gob-over-HTTP RPC transport used by
// courier servers and workers. Services are Go values registered under
// a name; their exported methods of the form
//
//	Func(ctx context.Context, arg argType, reply *replyType) error
//
// become callable as "Service.Func". Arguments and replies are
// gob-encoded; method errors are returned to the caller as
// gob-encoded *errors.Error values so that error kinds survive the
// wire.
package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// methodErrorCode is the HTTP status used to convey a method error,
// distinguishing it from transport-level failures.
const methodErrorCode = 590

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type method struct {
	rcvr  reflect.Value
	fn    reflect.Value
	arg   reflect.Type // the argument type
	reply reflect.Type // the reply type, sans pointer
}

// A Server dispatches RPC requests to registered services. Server
// implements http.Handler and is mounted under the caller's chosen
// prefix; the last path element names the service method.
type Server struct {
	mu      sync.Mutex
	methods map[string]*method
}

// NewServer creates a new Server with no registered services.
func NewServer() *Server {
	return &Server{methods: make(map[string]*method)}
}

// Register registers the provided service under the provided name.
// Methods that do not conform to the service method form are skipped;
// Register fails if the service exports no usable methods. Services
// must be registered before the server begins serving requests: the
// dispatch table is fixed at construction time.
func (s *Server) Register(name string, iface interface{}) error {
	rcvr := reflect.ValueOf(iface)
	typ := rcvr.Type()
	var n int
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mtyp := m.Type
		// Func(rcvr, ctx, arg, *reply) error
		if mtyp.NumIn() != 4 || mtyp.NumOut() != 1 {
			continue
		}
		if mtyp.In(1) != contextType || mtyp.In(3).Kind() != reflect.Ptr || mtyp.Out(0) != errorType {
			continue
		}
		s.methods[name+"."+m.Name] = &method{
			rcvr:  rcvr,
			fn:    m.Func,
			arg:   mtyp.In(2),
			reply: mtyp.In(3).Elem(),
		}
		n++
	}
	if n == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("service %s: no methods of the form Func(ctx, arg, *reply) error", name))
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceMethod := r.URL.Path
	if i := strings.LastIndex(serviceMethod, "/"); i >= 0 {
		serviceMethod = serviceMethod[i+1:]
	}
	s.mu.Lock()
	m := s.methods[serviceMethod]
	s.mu.Unlock()
	done := serverstats.Start("", serviceMethod)
	if m == nil {
		err := errors.E(errors.Invalid, fmt.Sprintf("no such method %s", serviceMethod))
		done(err)
		s.sendError(w, serviceMethod, err)
		return
	}
	argv := reflect.New(m.arg)
	if err := gob.NewDecoder(r.Body).Decode(argv.Interface()); err != nil {
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: error while decoding argument", serviceMethod), err)
		done(err)
		s.sendError(w, serviceMethod, err)
		return
	}
	replyv := reflect.New(m.reply)
	rets := m.fn.Call([]reflect.Value{m.rcvr, reflect.ValueOf(r.Context()), argv.Elem(), replyv})
	if e := rets[0].Interface(); e != nil {
		err := e.(error)
		done(err)
		s.sendError(w, serviceMethod, err)
		return
	}
	done(nil)
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(replyv.Interface()); err != nil {
		s.sendError(w, serviceMethod, errors.E(errors.Invalid, fmt.Sprintf("%s: error while encoding reply", serviceMethod), err))
		return
	}
	w.Header().Set("Content-Type", gobContentType)
	if _, err := body.WriteTo(w); err != nil {
		log.Error.Printf("rpc: %s: error writing reply: %v", serviceMethod, err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, serviceMethod string, err error) {
	w.Header().Set("Content-Type", gobContentType)
	w.WriteHeader(methodErrorCode)
	e := errors.Recover(errors.E(errors.Remote, err))
	if err := gob.NewEncoder(w).Encode(e); err != nil {
		log.Error.Printf("rpc: %s: error while encoding error: %v", serviceMethod, err)
	}
}
