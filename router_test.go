/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/hdr"
)

func testServer(h *cfg.Http, names []string, port int, isDefault bool) *cfg.Server {
	s := cfg.NewServer(h)
	s.Names = names
	s.Listens = []cfg.ListenDirective{{Host: "0.0.0.0", Port: port}}
	s.Default = isDefault
	h.Servers = append(h.Servers, s)
	return s
}

func requestFor(host string, port int) *Request {
	req := newRequest()
	if host != "" {
		req.Header.Set(hdr.Host, host)
	}
	req.Port = port
	return req
}

func TestSelectServerPriority(t *testing.T) {
	h := cfg.NewHTTP()
	first := testServer(h, nil, 8080, false)
	named := testServer(h, []string{"a.example"}, 8080, false)
	deflt := testServer(h, nil, 8080, true)
	otherPort := testServer(h, []string{"b.example"}, 9090, false)

	// 1. Name and port both match.
	assert.Same(t, named, SelectServer(h, requestFor("a.example", 8080)))
	// 2. No name match: the default server on the port wins.
	assert.Same(t, deflt, SelectServer(h, requestFor("unknown", 8080)))
	// 3. Without a default, the first server on the port.
	deflt.Default = false
	assert.Same(t, first, SelectServer(h, requestFor("unknown", 8080)))
	deflt.Default = true
	// 4. No server on the port: a name match anywhere wins.
	assert.Same(t, otherPort, SelectServer(h, requestFor("b.example", 7070)))
	// 5. Nothing matches at all: first server overall.
	assert.Same(t, first, SelectServer(h, requestFor("unknown", 7070)))
}

func TestSelectServerHostPortSuffix(t *testing.T) {
	h := cfg.NewHTTP()
	testServer(h, []string{"a.example"}, 8080, false)
	on9090 := testServer(h, []string{"a.example"}, 9090, false)

	// The :port suffix in Host overrides the connection port.
	req := requestFor("a.example:9090", 8080)
	assert.Same(t, on9090, SelectServer(h, req))
}

func TestSelectLocation(t *testing.T) {
	h := cfg.NewHTTP()
	s := cfg.NewServer(h)
	mk := func(path string) *cfg.Location {
		l := cfg.NewLocation(s)
		l.Path = path
		s.Locations[path] = l
		return l
	}
	root := mk("/")
	api := mk("/api")
	apiV2 := mk("/api/v2")

	assert.Same(t, api, SelectLocation(s, "/api"))
	assert.Same(t, apiV2, SelectLocation(s, "/api/v2/users"))
	assert.Same(t, api, SelectLocation(s, "/api/v1/users"))
	assert.Same(t, root, SelectLocation(s, "/other"))

	// No root fallback: nothing matches.
	delete(s.Locations, "/")
	assert.Nil(t, SelectLocation(s, "/other"))
}

func TestSelectLocationNilServer(t *testing.T) {
	require.Nil(t, SelectLocation(nil, "/x"))
}
