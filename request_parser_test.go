/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/hdr"
)

func mustParse(t *testing.T, raw string) *Request {
	t.Helper()
	p := NewRequestParser(nil)
	done, err := p.Consume([]byte(raw))
	require.NoError(t, err)
	require.True(t, done, "expected a complete request")
	return p.Request()
}

func parseError(t *testing.T, raw string) *Error {
	t.Helper()
	p := NewRequestParser(nil)
	_, err := p.Consume([]byte(raw))
	require.Error(t, err)
	he, ok := err.(*Error)
	require.True(t, ok, "expected *Error, got %T", err)
	return he
}

func TestParseSimpleGet(t *testing.T) {
	req := mustParse(t, "GET /index.html?q=1 HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, GET, req.Method)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, "q=1", req.Query)
	assert.Equal(t, HTTP1_1, req.Proto)
	assert.Equal(t, "localhost", req.Host())
	assert.Equal(t, int64(-1), req.ContentLength)
	assert.False(t, req.Chunked)
}

func TestParseIncremental(t *testing.T) {
	p := NewRequestParser(nil)
	raw := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		done, err := p.Consume([]byte{raw[i]})
		require.NoError(t, err)
		if i < len(raw)-1 {
			assert.False(t, done, "complete too early at byte %d", i)
		} else {
			assert.True(t, done)
		}
	}
	assert.Equal(t, "/", p.Request().Path)
}

func TestParsePercentDecoding(t *testing.T) {
	req := mustParse(t, "GET /a%20b/c.html HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, "/a b/c.html", req.Path)
}

func TestParseAbsoluteURI(t *testing.T) {
	req := mustParse(t, "GET http://example.com/p?x=1 HTTP/1.1\r\n\r\n")
	assert.Equal(t, "/p", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, "example.com", req.Host())
}

func TestParseRequestLineErrors(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		status int
	}{
		{"two tokens", "GET /\r\nHost: x\r\n\r\n", StatusBadRequest},
		{"four tokens", "GET / HTTP/1.1 extra\r\nHost: x\r\n\r\n", StatusBadRequest},
		{"http 1.0", "GET / HTTP/1.0\r\nHost: x\r\n\r\n", StatusHTTPVersionNotSupported},
		{"http 2", "GET / HTTP/2.0\r\nHost: x\r\n\r\n", StatusHTTPVersionNotSupported},
		{"garbage version", "GET / FTP/1.1\r\nHost: x\r\n\r\n", StatusBadRequest},
		{"version with suffix", "GET / HTTP/1.1x\r\nHost: x\r\n\r\n", StatusBadRequest},
		{"empty line", "\r\nHost: x\r\n\r\n", StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, parseError(t, tc.raw).Status)
		})
	}
}

func TestParseRequestLineLength(t *testing.T) {
	// Exactly 8192 bytes: accepted.
	uri := "/" + strings.Repeat("a", maxLineLength-len("GET  HTTP/1.1")-1)
	line := "GET " + uri + " HTTP/1.1"
	require.Len(t, line, maxLineLength)
	req := mustParse(t, line+"\r\nHost: x\r\n\r\n")
	assert.Equal(t, uri, req.Path)

	// One more byte: 414.
	long := "GET " + uri + "a HTTP/1.1\r\nHost: x\r\n\r\n"
	require.Len(t, strings.SplitN(long, "\r\n", 2)[0], maxLineLength+1)
	assert.Equal(t, StatusURITooLong, parseError(t, long).Status)
}

func TestParseHeaderErrors(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		status int
	}{
		{"missing host", "GET / HTTP/1.1\r\n\r\n", StatusBadRequest},
		{"duplicate host", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", StatusBadRequest},
		{"leading whitespace", "GET / HTTP/1.1\r\n Host: x\r\n\r\n", StatusBadRequest},
		{"no colon", "GET / HTTP/1.1\r\nHost x\r\n\r\n", StatusBadRequest},
		{"invalid key", "GET / HTTP/1.1\r\nBad Key: x\r\nHost: x\r\n\r\n", StatusBadRequest},
		{"negative content-length", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: -5\r\n\r\n", StatusLengthRequired},
		{"garbage content-length", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: abc\r\n\r\n", StatusLengthRequired},
		{"cl then te", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", StatusBadRequest},
		{"te then cl", "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 3\r\n\r\n", StatusBadRequest},
		{"unsupported te", "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: gzip\r\n\r\n", StatusBadRequest},
		{"post without framing", "POST / HTTP/1.1\r\nHost: x\r\n\r\n", StatusBadRequest},
		{"multipart without boundary", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nContent-Type: multipart/form-data\r\n\r\nabc", StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, parseError(t, tc.raw).Status)
		})
	}
}

func TestParseOversizeHeaderLine(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("v", maxLineLength) + "\r\nHost: x\r\n\r\n"
	he := parseError(t, raw)
	assert.Equal(t, StatusBadRequest, he.Status)
	assert.Equal(t, "Request Header Or Cookie Too Large", he.Message)
}

func TestParseContentLengthBody(t *testing.T) {
	req := mustParse(t, "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	assert.Equal(t, []byte("hello"), req.Body)
	assert.Equal(t, int64(5), req.ContentLength)
}

func TestParseBodySplitAcrossReads(t *testing.T) {
	p := NewRequestParser(nil)
	done, err := p.Consume([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhel"))
	require.NoError(t, err)
	assert.False(t, done)
	done, err = p.Consume([]byte("lo worl"))
	require.NoError(t, err)
	assert.False(t, done)
	done, err = p.Consume([]byte("d"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("hello world"), p.Request().Body)
}

func TestParseChunkedBody(t *testing.T) {
	req := mustParse(t, "POST /echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	assert.True(t, req.Chunked)
	assert.Equal(t, []byte("hello world"), req.Body)
	// Reconstructed length equals the sum of the chunk sizes.
	assert.Equal(t, int64(len(req.Body)), req.ContentLength)
}

func TestParseChunkedExtensionsAndHex(t *testing.T) {
	req := mustParse(t, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"A;name=value\r\n0123456789\r\n0\r\n\r\n")
	assert.Equal(t, []byte("0123456789"), req.Body)
}

func TestParseChunkedErrors(t *testing.T) {
	// Chunk data not followed by CRLF.
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhelloXX\r\n"
	assert.Equal(t, StatusBadRequest, parseError(t, raw).Status)

	// Bad chunk size line.
	raw = "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"
	assert.Equal(t, StatusBadRequest, parseError(t, raw).Status)
}

func TestParseMultipartRequest(t *testing.T) {
	body := "--X\r\nContent-Disposition: form-data; name=\"f\"; filename=\"t.txt\"\r\n\r\nabc\r\n--X--\r\n"
	raw := "POST /up HTTP/1.1\r\nHost: x\r\n" +
		"Content-Type: multipart/form-data; boundary=X\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	req := mustParse(t, raw)
	require.NotNil(t, req.Multipart)
	require.Len(t, req.Multipart.Files, 1)
	assert.Equal(t, "t.txt", req.Multipart.Files[0].Filename)
	assert.Equal(t, []byte("abc"), req.Multipart.Files[0].Content)
}

func TestParseQuotedBoundary(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 1\r\n" +
		"Content-Type: multipart/form-data; boundary=\"quoted\"\r\n\r\nx"
	p := NewRequestParser(nil)
	done, err := p.Consume([]byte(raw))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "quoted", p.Request().Boundary)
}

func bodySizeServer(t *testing.T, limit int64) *cfg.Server {
	t.Helper()
	h := cfg.NewHTTP()
	s := cfg.NewServer(h)
	loc := cfg.NewLocation(s)
	loc.Path = "/"
	loc.ClientMaxBodySize = limit
	s.Locations = map[string]*cfg.Location{"/": loc}
	h.Servers = append(h.Servers, s)
	return s
}

func TestBodySizeLimit(t *testing.T) {
	// Content-Length equal to the limit: accepted.
	p := NewRequestParser(bodySizeServer(t, 5))
	done, err := p.Consume([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))
	require.NoError(t, err)
	assert.True(t, done)

	// One byte past the limit: 413.
	p = NewRequestParser(bodySizeServer(t, 5))
	_, err = p.Consume([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 6\r\n\r\nhello!"))
	require.Error(t, err)
	assert.Equal(t, StatusContentTooLarge, err.(*Error).Status)
}

func TestParserResetAfterError(t *testing.T) {
	p := NewRequestParser(nil)
	_, err := p.Consume([]byte("BROKEN\r\n"))
	require.Error(t, err)

	// The parser recovers fully after a failure.
	done, err := p.Consume([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestHeaderRoundTrip(t *testing.T) {
	req := mustParse(t, "GET / HTTP/1.1\r\nHost: x\r\naccept-encoding: gzip\r\nx-custom: v\r\n\r\n")

	resp := NewResponse()
	resp.Header = req.Header.Clone()
	resp.Header.Del(hdr.Host)
	out := string(resp.Serialize())
	// Keys come back title-cased on word boundaries.
	assert.Contains(t, out, "Accept-Encoding: gzip\r\n")
	assert.Contains(t, out, "X-Custom: v\r\n")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
