// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/net/context/ctxhttp"
)

const gobContentType = "application/x-gob"

type clientState struct {
	uid    uint64 // uid distinguishes multiple http.Clients to the same server.
	client *http.Client
}

// A Client invokes remote methods on RPC servers.
type Client struct {
	factory func() *http.Client
	prefix  string

	mu      sync.Mutex
	nextUID uint64
	clients map[string]clientState
}

// NewClient creates a new RPC client. clientFactory is called to create a new
// http.Client object. It may be called repeatedly and concurrently. prefix is
// prepended to the service method when constructing an URL.
func NewClient(clientFactory func() *http.Client, prefix string) (*Client, error) {
	return &Client{
		factory: clientFactory,
		prefix:  prefix,
		clients: map[string]clientState{}}, nil
}

func (c *Client) getClient(addr string) clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.clients[addr]
	if !ok {
		h = clientState{
			uid:    c.nextUID,
			client: c.factory(),
		}
		c.clients[addr] = h
		c.nextUID++
	}
	return h
}

func (c *Client) resetClient(addr string, prevUID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.clients[addr]
	if h.uid == prevUID {
		log.Error.Printf("resetting http client for %s", addr)
		h := clientState{
			uid:    c.nextUID,
			client: c.factory(),
		}
		c.clients[addr] = h
		c.nextUID++
	}
}

// Call invokes a method on the server named by the provided address.
// The method syntax is "Service.Method": Service is the name of the
// registered service; Method names the method to invoke.
//
// The argument and reply are gob-encoded in accordance with the
// package docs. A nil reply discards the result. Method errors are
// decoded and returned as *errors.Error values; transport failures
// are marked temporary network errors so that callers may retry.
func (c *Client) Call(ctx context.Context, addr, serviceMethod string, arg, reply interface{}) (err error) {
	done := clientstats.Start(addr, serviceMethod)
	defer func() {
		done(err)
	}()
	url := strings.TrimRight(addr, "/") + c.prefix + serviceMethod
	if log.At(log.Debug) {
		log.Debug.Printf("call %s %s %v", addr, serviceMethod, arg)
		defer func() {
			if err != nil {
				log.Debug.Printf("call error %s %s %v: %v", addr, serviceMethod, arg, err)
			} else {
				log.Debug.Printf("call ok %s %s %v = %v", addr, serviceMethod, arg, reply)
			}
		}()
	}
	b := new(bytes.Buffer)
	if err := gob.NewEncoder(b).Encode(arg); err != nil {
		return errors.E(errors.Invalid, err)
	}
	h := c.getClient(addr)
	resp, err := ctxhttp.Post(ctx, h.client, url, gobContentType, b)
	switch err {
	case nil:
	case context.DeadlineExceeded, context.Canceled:
		c.resetClient(addr, h.uid)
		return err
	default:
		c.resetClient(addr, h.uid)
		return errors.E(errors.Net, errors.Temporary, err)
	}
	defer resp.Body.Close()
	dec := gob.NewDecoder(resp.Body)
	switch resp.StatusCode {
	case methodErrorCode:
		e := new(errors.Error)
		if err := dec.Decode(e); err != nil {
			return errors.E(errors.Invalid, errors.Temporary, "error while decoding error for "+serviceMethod, err)
		}
		c.resetClient(addr, h.uid)
		return e
	case 200:
		if reply == nil {
			_, err := io.Copy(ioutil.Discard, resp.Body)
			return err
		}
		err := dec.Decode(reply)
		if err != nil {
			c.resetClient(addr, h.uid)
			err = errors.E(errors.Invalid, errors.Temporary, "error while decoding reply for "+serviceMethod, err)
		}
		return err
	default:
		c.resetClient(addr, h.uid)
		return errors.E(errors.Invalid, errors.Temporary, fmt.Sprintf("%s: bad reply status %s", url, resp.Status))
	}
}
