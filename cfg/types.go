/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package cfg loads the nginx-dialect configuration file into an
// immutable tree: Http holds virtual servers, servers hold locations,
// and the base attributes cascade parent to child at construction,
// with child directives overriding.
package cfg

import "time"

const (
	// DefaultKeepalive applies when no keepalive_timeout directive is
	// present anywhere on the cascade path.
	DefaultKeepalive = 75 * time.Second

	// DefaultCgiReadTimeout bounds how long a CGI child may keep its
	// stdout open before the request fails with 504.
	DefaultCgiReadTimeout = 60 * time.Second

	// DefaultMaxBodySize is the client_max_body_size fallback.
	DefaultMaxBodySize = 1 << 20
)

type (
	// A ListenDirective is one host:port endpoint a server accepts on.
	ListenDirective struct {
		Host string
		Port int
	}

	// A Redirect is the value of a return directive.
	Redirect struct {
		URL  string
		Code int
	}

	// Base carries the attributes shared by every block level.
	Base struct {
		Root              string
		ClientMaxBodySize int64
		ErrorPages        map[int]string
		Autoindex         bool
		IndexFiles        []string

		autoindexSet bool
		keepaliveSet bool
	}

	// Http is the root of the configuration tree.
	Http struct {
		Base
		Keepalive time.Duration
		Servers   []*Server
	}

	// A Server is one virtual server block.
	Server struct {
		Base
		Names     []string
		Listens   []ListenDirective
		Default   bool
		Keepalive time.Duration
		Redirect  *Redirect
		Locations map[string]*Location

		parent *Http
	}

	// A Location is one location block inside a server.
	Location struct {
		Base
		Path           string
		Methods        []string
		Redirect       *Redirect
		CgiExecutors   map[string]string
		CgiReadTimeout time.Duration
		UploadPath     string
		Keepalive      time.Duration
		ScriptFilename string

		parent *Server
	}
)

func NewHTTP() *Http {
	return &Http{
		Base: Base{
			ClientMaxBodySize: DefaultMaxBodySize,
			ErrorPages:        make(map[int]string),
		},
		Keepalive: DefaultKeepalive,
	}
}

// NewServer derives a server block from the http block, inheriting
// every base attribute.
func NewServer(h *Http) *Server {
	return &Server{
		Base:      h.Base.clone(),
		Keepalive: h.Keepalive,
		Locations: make(map[string]*Location),
		parent:    h,
	}
}

// NewLocation derives a location block from its server. Every method
// is accepted until an accept_methods directive narrows the set.
func NewLocation(s *Server) *Location {
	return &Location{
		Base:           s.Base.clone(),
		Methods:        []string{"GET", "POST", "DELETE"},
		Redirect:       s.Redirect,
		CgiExecutors:   make(map[string]string),
		CgiReadTimeout: DefaultCgiReadTimeout,
		Keepalive:      s.Keepalive,
		parent:         s,
	}
}

func (b Base) clone() Base {
	c := b
	c.ErrorPages = make(map[int]string, len(b.ErrorPages))
	for code, page := range b.ErrorPages {
		c.ErrorPages[code] = page
	}
	c.IndexFiles = append([]string(nil), b.IndexFiles...)
	c.autoindexSet = false
	c.keepaliveSet = false
	return c
}

// Server returns the server block the location belongs to.
func (l *Location) Server() *Server { return l.parent }

// Http returns the configuration root the server belongs to.
func (s *Server) Http() *Http { return s.parent }

// AcceptsMethod reports whether the location allows the given method.
func (l *Location) AcceptsMethod(method string) bool {
	for _, m := range l.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// CgiExecutor returns the interpreter configured for the extension
// (including the leading dot), or "".
func (l *Location) CgiExecutor(ext string) string {
	return l.CgiExecutors[ext]
}

// ListensOn reports whether any listen directive of the server uses
// the given port.
func (s *Server) ListensOn(port int) bool {
	for _, ld := range s.Listens {
		if ld.Port == port {
			return true
		}
	}
	return false
}

// HasName reports whether host appears in the server_name list.
func (s *Server) HasName(host string) bool {
	for _, name := range s.Names {
		if name == host {
			return true
		}
	}
	return false
}
