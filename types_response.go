/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"bytes"
	"strconv"

	"github.com/johnx/webserv/hdr"
)

// A Response accumulates the status, headers and body for one
// exchange. The same object is reused across a keep-alive
// connection's requests and, for CGI, is populated asynchronously by
// the runner.
type Response struct {
	StatusCode    int
	StatusMessage string
	Header        hdr.Header
	Body          []byte

	// CgiResponse marks a response being populated by a CGI child;
	// CgiProcessed flips once its output has been merged, preventing
	// double-processing.
	CgiResponse  bool
	CgiProcessed bool
}

func NewResponse() *Response {
	return &Response{
		StatusCode: StatusOK,
		Header:     make(hdr.Header),
	}
}

// SetStatus records the status line. An empty message falls back to
// the registry text.
func (r *Response) SetStatus(code int, message string) {
	if message == "" {
		message = StatusText(code)
	}
	r.StatusCode = code
	r.StatusMessage = message
}

// Reset prepares the response for the next request on the connection.
func (r *Response) Reset() {
	r.StatusCode = 0
	r.StatusMessage = ""
	r.Header = make(hdr.Header)
	r.Body = nil
	r.CgiResponse = false
	r.CgiProcessed = false
}

// Serialize renders the wire form: status line, headers in sorted
// order with title-cased keys, an auto-computed Content-Length when
// none is present, a blank line, then the body.
func (r *Response) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(HTTP1_1)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(r.StatusCode))
	if r.StatusMessage != "" {
		buf.WriteByte(' ')
		buf.WriteString(r.StatusMessage)
	}
	buf.WriteString("\r\n")

	r.Header.Write(&buf)
	if !r.Header.Has(hdr.ContentLength) {
		buf.WriteString(hdr.ContentLength)
		buf.WriteString(": ")
		buf.WriteString(strconv.Itoa(len(r.Body)))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}
