/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/johnx/webserv/hdr"
)

func TestSerialize(t *testing.T) {
	resp := NewResponse()
	resp.SetStatus(StatusOK, "")
	resp.Header.Set(hdr.ContentType, "text/plain")
	resp.Header.Set(hdr.Connection, DoKeepAlive)
	resp.Body = []byte("hello")

	out := string(resp.Serialize())
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), "got %q", out)
	assert.Contains(t, out, "Connection: keep-alive\r\n")
	assert.Contains(t, out, "Content-Type: text/plain\r\n")
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello"))
}

func TestSerializeKeepsExplicitContentLength(t *testing.T) {
	resp := NewResponse()
	resp.SetStatus(StatusOK, "")
	resp.Header.Set(hdr.ContentLength, "99")

	out := string(resp.Serialize())
	assert.Contains(t, out, "Content-Length: 99\r\n")
	assert.Equal(t, 1, strings.Count(out, "Content-Length"))
}

func TestSerializeHeadersSorted(t *testing.T) {
	resp := NewResponse()
	resp.SetStatus(StatusOK, "")
	resp.Header.Set("b-second", "2")
	resp.Header.Set("a-first", "1")

	out := string(resp.Serialize())
	assert.Less(t, strings.Index(out, "A-First"), strings.Index(out, "B-Second"))
}

func TestSetStatusFillsMessage(t *testing.T) {
	resp := NewResponse()
	resp.SetStatus(StatusNotFound, "")
	assert.Equal(t, "Not Found", resp.StatusMessage)

	resp.SetStatus(StatusNotFound, "gone fishing")
	assert.Equal(t, "gone fishing", resp.StatusMessage)
}

func TestResponseReset(t *testing.T) {
	resp := NewResponse()
	resp.SetStatus(StatusOK, "")
	resp.Header.Set(hdr.ContentType, "text/plain")
	resp.Body = []byte("x")
	resp.CgiResponse = true
	resp.CgiProcessed = true

	resp.Reset()
	assert.Equal(t, 0, resp.StatusCode)
	assert.Empty(t, resp.Header)
	assert.Nil(t, resp.Body)
	assert.False(t, resp.CgiResponse)
	assert.False(t, resp.CgiProcessed)
}
