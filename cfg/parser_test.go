/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package cfg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
# example configuration
http {
	client_max_body_size 2M;
	error_page 404 404.html;

	server {
		listen 127.0.0.1:8080 default_server;
		listen 8081;
		server_name example.com www.example.com;
		root ./www;
		keepalive_timeout 75s;
		autoindex on;
		index index.html index.htm;

		location / {
			accept_methods GET;
		}

		location /up {
			accept_methods POST;
			upload_path ./uploads;
			client_max_body_size 10M;
		}

		location /cgi {
			cgi_pass .php /usr/bin/php-cgi;
			cgi_read_timeout 100ms;
		}

		location /old {
			return 301 /new;
		}
	}
}
`

func TestParseSampleConfig(t *testing.T) {
	h, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Len(t, h.Servers, 1)

	s := h.Servers[0]
	assert.Equal(t, []ListenDirective{
		{Host: "127.0.0.1", Port: 8080},
		{Host: "0.0.0.0", Port: 8081},
	}, s.Listens)
	assert.True(t, s.Default)
	assert.Equal(t, []string{"example.com", "www.example.com"}, s.Names)
	assert.Equal(t, "./www", s.Root)
	assert.Equal(t, 75*time.Second, s.Keepalive)
	assert.True(t, s.Autoindex)
	assert.Equal(t, []string{"index.html", "index.htm"}, s.IndexFiles)

	// http-level attributes cascade down.
	assert.Equal(t, int64(2<<20), s.ClientMaxBodySize)
	assert.Equal(t, "404.html", s.ErrorPages[404])

	require.Len(t, s.Locations, 4)

	root := s.Locations["/"]
	require.NotNil(t, root)
	assert.Equal(t, []string{"GET"}, root.Methods)
	assert.Equal(t, "./www", root.Root)
	assert.Equal(t, int64(2<<20), root.ClientMaxBodySize)

	up := s.Locations["/up"]
	require.NotNil(t, up)
	assert.Equal(t, []string{"POST"}, up.Methods)
	assert.Equal(t, "./uploads", up.UploadPath)
	assert.Equal(t, int64(10<<20), up.ClientMaxBodySize)

	cgi := s.Locations["/cgi"]
	require.NotNil(t, cgi)
	assert.Equal(t, "/usr/bin/php-cgi", cgi.CgiExecutor(".php"))
	assert.Equal(t, 100*time.Millisecond, cgi.CgiReadTimeout)
	// Locations without accept_methods allow everything.
	assert.ElementsMatch(t, []string{"GET", "POST", "DELETE"}, cgi.Methods)

	old := s.Locations["/old"]
	require.NotNil(t, old)
	require.NotNil(t, old.Redirect)
	assert.Equal(t, "/new", old.Redirect.URL)
	assert.Equal(t, 301, old.Redirect.Code)
}

func TestParseDefaults(t *testing.T) {
	h, err := Parse(strings.NewReader(`http {
		server {
			root ./www;
			location / {
			}
		}
	}`))
	require.NoError(t, err)
	require.Len(t, h.Servers, 1)

	s := h.Servers[0]
	// A server block without listen falls back to *:8080.
	assert.Equal(t, []ListenDirective{{Host: "0.0.0.0", Port: 8080}}, s.Listens)
	assert.Equal(t, DefaultKeepalive, s.Keepalive)
	// Exactly one default server per port group.
	assert.True(t, s.Default)
	// Locations get index.html when no index directive is present.
	assert.Equal(t, []string{"index.html"}, s.Locations["/"].IndexFiles)
}

func TestParseSynthesizesDefaultServer(t *testing.T) {
	h, err := Parse(strings.NewReader("http {\n}\n"))
	require.NoError(t, err)
	require.Len(t, h.Servers, 1)

	s := h.Servers[0]
	assert.Equal(t, []ListenDirective{{Host: "0.0.0.0", Port: 8000}}, s.Listens)
	assert.Equal(t, "./var", s.Root)
	assert.True(t, s.Default)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"no http block", "server {}"},
		{"unterminated directive", "http { server { root ./www } }"},
		{"unknown directive", "http { server { nonsense on; } }"},
		{"bad autoindex value", "http { server { autoindex maybe; } }"},
		{"duplicate autoindex", "http { server { autoindex on; autoindex off; } }"},
		{"duplicate keepalive", "http { keepalive_timeout 1s; keepalive_timeout 2s; }"},
		{"bad error code", "http { server { error_page 200 oops.html; } }"},
		{"duplicate listen", "http { server { listen 8080; listen 8080; } }"},
		{"bad listen port", "http { server { listen 127.0.0.1:99999; } }"},
		{"bad listen host", "http { server { listen 300.1.2.3:80; } }"},
		{"zero body size", "http { server { client_max_body_size 0; } }"},
		{"bad method", "http { server { location / { accept_methods PATCH; } } }"},
		{"bad return code", "http { server { location / { return 1234 /x; } } }"},
		{"cgi_pass arity", "http { server { location / { cgi_pass .php; } } }"},
		{"duplicate location", "http { server { location / { } location / { } } }"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.in))
			assert.Error(t, err)
		})
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"75", 75 * time.Second, true},
		{"75s", 75 * time.Second, true},
		{"100ms", 100 * time.Millisecond, true},
		{"1m30s", 90 * time.Second, true},
		{"1d2h3m4s5ms", 26*time.Hour + 3*time.Minute + 4*time.Second + 5*time.Millisecond, true},
		// Units must appear in descending order, at most once.
		{"30s1m", 0, false},
		{"1s1s", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := parseTimeout(tt.in)
		if !tt.ok {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestConflictingServersAreDropped(t *testing.T) {
	h, err := Parse(strings.NewReader(`http {
		server {
			listen 8080;
			server_name a.example;
		}
		server {
			listen 8080;
			server_name a.example;
		}
	}`))
	require.NoError(t, err)
	assert.Len(t, h.Servers, 1)
}

func TestAcceptMethodsAll(t *testing.T) {
	h, err := Parse(strings.NewReader(`http { server { location / { accept_methods ALL; } } }`))
	require.NoError(t, err)
	loc := h.Servers[0].Locations["/"]
	assert.ElementsMatch(t, []string{"GET", "POST", "DELETE"}, loc.Methods)
}

func TestCommentsAndQuotes(t *testing.T) {
	h, err := Parse(strings.NewReader(`http {
		server { # trailing comment
			listen "127.0.0.1:9090"; # quoted address
			# full-line comment
			root ./site;
			location / { }
		}
	}`))
	require.NoError(t, err)
	s := h.Servers[0]
	assert.Equal(t, []ListenDirective{{Host: "127.0.0.1", Port: 9090}}, s.Listens)
	assert.Equal(t, "./site", s.Root)
}
