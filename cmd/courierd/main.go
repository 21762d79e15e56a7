// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command courierd runs a standalone courier prefetch server hosting
// a small registry of demonstration functions. It is configured by
// flags, or by a YAML file of the same parameters:
//
//	name: worker1
//	port: 8123
//	prefetch: 2
//	maxidle: 170m
//	cachesize: 128
//
// The server runs until it is shut down remotely or its idle deadline
// passes without a client heartbeat.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/courier"
	"github.com/grailbio/courier/lazy"
	yaml "gopkg.in/yaml.v2"
)

type config struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Prefetch int    `yaml:"prefetch"`
	// MaxIdle is a duration string ("170m", "2h").
	MaxIdle   string `yaml:"maxidle"`
	CacheSize int    `yaml:"cachesize"`
}

func defaultConfig() config {
	return config{
		Host:      "localhost",
		Prefetch:  courier.DefaultPrefetchSize,
		CacheSize: 128,
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML configuration file")
		name       = flag.String("name", "", "logical server name")
		host       = flag.String("host", "", "interface to listen on")
		port       = flag.Int("port", 0, "port to listen on (0 picks a free port)")
		prefetch   = flag.Int("prefetch", 0, "generator prefetch buffer size")
		maxIdle    = flag.Duration("maxidle", 0, "shut down after this long without a heartbeat")
		cacheSize  = flag.Int("cachesize", 0, "lazy result cache capacity")
	)
	log.AddFlags()
	flag.Parse()

	c := defaultConfig()
	if *configPath != "" {
		b, err := ioutil.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("courierd: read config: %v", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			log.Fatalf("courierd: parse config %s: %v", *configPath, err)
		}
	}
	idle := courier.DefaultMaxIdle
	if c.MaxIdle != "" {
		var err error
		if idle, err = time.ParseDuration(c.MaxIdle); err != nil {
			log.Fatalf("courierd: bad maxidle %q: %v", c.MaxIdle, err)
		}
	}
	// Flags override the file.
	if *name != "" {
		c.Name = *name
	}
	if *host != "" {
		c.Host = *host
	}
	if *port != 0 {
		c.Port = *port
	}
	if *prefetch != 0 {
		c.Prefetch = *prefetch
	}
	if *maxIdle != 0 {
		idle = *maxIdle
	}
	if *cacheSize != 0 {
		c.CacheSize = *cacheSize
	}

	registry := lazy.NewRegistry(c.CacheSize)
	register(registry)

	opts := []courier.ServerOption{
		courier.Host(c.Host),
		courier.Port(c.Port),
		courier.PrefetchSize(c.Prefetch),
		courier.MaxIdle(idle),
	}
	if c.Name != "" {
		opts = append(opts, courier.Named(c.Name))
	}
	server := courier.NewPrefetchServer(registry, opts...)
	done, err := server.Start()
	if err != nil {
		log.Fatalf("courierd: start: %v", err)
	}
	fmt.Fprintln(os.Stdout, server.Addr())
	log.Printf("courierd: %s serving on %s", server.Ident(), server.Addr())
	<-done
	log.Printf("courierd: %s shut down", server.Ident())
}

// register installs the demonstration functions served by courierd.
func register(r *lazy.Registry) {
	must := func(name string, fn interface{}) {
		if err := r.Register(name, fn); err != nil {
			log.Fatalf("courierd: register %s: %v", name, err)
		}
	}
	must("echo", func(v interface{}) interface{} { return v })
	must("add", func(a, b int) int { return a + b })
	must("len", func(s string) int { return len(s) })
	must("hostname", func() (string, error) { return os.Hostname() })
	// seq yields 0..n-1 and returns n, exercising the generator
	// protocol end to end.
	must("seq", func(n int) courier.Iter {
		i := 0
		return func() (interface{}, error) {
			if i >= n {
				return nil, courier.End(n)
			}
			v := i
			i++
			return v, nil
		}
	})
}
