/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"strconv"
	"strings"

	"github.com/johnx/webserv/hdr"
	"github.com/johnx/webserv/mime"
)

type (
	// A Request is one fully parsed HTTP/1.1 request as received by a
	// server connection.
	Request struct {
		Method string
		// Path and Query come from the percent-decoded request target,
		// split on the first '?'; both are decoded.
		Path  string
		Query string
		Proto string

		// Header holds the request headers with canonicalized keys.
		// Lookups are case-insensitive through hdr.Header.
		Header hdr.Header

		Body []byte

		// ContentLength is the declared (or, for chunked requests, the
		// reconstructed) body length. -1 means no declaration.
		ContentLength int64
		Chunked       bool

		// ContentType is the media type without parameters; Boundary
		// is set for multipart payloads.
		ContentType string
		Boundary    string

		// Multipart is the decomposed form, populated once the body is
		// complete and the content type is multipart.
		Multipart *mime.Form

		// Port is the port the connection was accepted on.
		Port int
	}
)

func newRequest() *Request {
	return &Request{
		Header:        make(hdr.Header),
		ContentLength: -1,
	}
}

// IsMultipart reports whether the body is multipart form data.
func (r *Request) IsMultipart() bool {
	return r.ContentType == mime.FormData || r.ContentType == mime.Mixed
}

// Host returns the Host header value, which may carry a :port suffix.
func (r *Request) Host() string {
	return r.Header.Get(hdr.Host)
}

// HostName splits the Host header into its name and, when present,
// the explicit port.
func (r *Request) HostName() (host string, port int, explicit bool) {
	host = r.Host()
	if colon := strings.IndexByte(host, ':'); colon >= 0 {
		if p, err := strconv.Atoi(host[colon+1:]); err == nil {
			port = p
			explicit = true
		}
		host = host[:colon]
	}
	return host, port, explicit
}

// WantsClose reports whether the client asked to drop the connection
// after this exchange.
func (r *Request) WantsClose() bool {
	return strings.EqualFold(r.Header.Get(hdr.Connection), DoClose)
}
