/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/hdr"
	"github.com/johnx/webserv/mime"
	"github.com/johnx/webserv/url"
)

type (
	parseState int
	chunkState int

	// A RequestParser incrementally consumes bytes off a connection
	// and produces a Request once the framing is complete. Any framing
	// violation fails with an *Error, resets the parser and
	// propagates.
	RequestParser struct {
		state  parseState
		cstate chunkState

		buf  []byte
		body []byte
		req  *Request

		bodyExpected   bool
		chunkRemaining int64
		absoluteHost   string

		// server is the virtual server the connection is currently
		// bound to; it supplies client_max_body_size during body
		// consumption and is re-bound after Host-based selection.
		server *cfg.Server
	}
)

const (
	parseStart parseState = iota
	parseHeaders
	parseBody
	parseComplete
)

const (
	chunkSize chunkState = iota
	chunkData
	chunkTrailer
	chunkDone
)

func NewRequestParser(server *cfg.Server) *RequestParser {
	return &RequestParser{req: newRequest(), server: server}
}

// SetServer re-binds the parser to another virtual server.
func (p *RequestParser) SetServer(server *cfg.Server) { p.server = server }

// Server returns the currently bound virtual server.
func (p *RequestParser) Server() *cfg.Server { return p.server }

// Request returns the parsed request, or nil while parsing is still
// in progress.
func (p *RequestParser) Request() *Request {
	if p.state != parseComplete {
		return nil
	}
	return p.req
}

// Reset discards all parsing state, keeping the server binding.
func (p *RequestParser) Reset() {
	p.state = parseStart
	p.cstate = chunkSize
	p.buf = nil
	p.body = nil
	p.req = newRequest()
	p.bodyExpected = false
	p.chunkRemaining = 0
	p.absoluteHost = ""
}

// Consume appends data to the internal buffer and advances the state
// machine. It reports true once a complete request is available. On
// error the parser is reset before propagating.
func (p *RequestParser) Consume(data []byte) (bool, error) {
	p.buf = append(p.buf, data...)
	done, err := p.process()
	if err != nil {
		p.Reset()
		return false, err
	}
	return done, nil
}

func (p *RequestParser) process() (bool, error) {
	for {
		switch p.state {
		case parseStart:
			ok, err := p.parseStartLine()
			if err != nil || !ok {
				return false, err
			}
			p.state = parseHeaders

		case parseHeaders:
			ok, err := p.parseHeaders()
			if err != nil || !ok {
				return false, err
			}
			if p.bodyExpected || p.req.Chunked {
				p.state = parseBody
			} else {
				p.state = parseComplete
			}

		case parseBody:
			var ok bool
			var err error
			if p.req.Chunked {
				ok, err = p.parseChunkedBody()
			} else {
				ok, err = p.parseBody()
			}
			if err != nil || !ok {
				return false, err
			}
			p.state = parseComplete

		case parseComplete:
			return true, nil
		}
	}
}

// --- start line ---

func (p *RequestParser) parseStartLine() (bool, error) {
	pos := bytes.Index(p.buf, crlf)
	if pos < 0 {
		return false, nil
	}
	line := strings.TrimSpace(string(p.buf[:pos]))
	p.buf = p.buf[pos+2:]

	if len(line) > maxLineLength {
		return false, NewError(StatusURITooLong, "")
	}
	if line == "" {
		return false, NewError(StatusBadRequest, "")
	}
	tokens := strings.Fields(line)
	if len(tokens) != 3 {
		return false, NewError(StatusBadRequest, "")
	}
	method, uri, version := tokens[0], tokens[1], tokens[2]
	if err := validateVersion(version); err != nil {
		return false, err
	}
	if err := p.parseURI(uri); err != nil {
		return false, err
	}
	p.req.Method = method
	p.req.Proto = version
	return true, nil
}

func validateVersion(version string) error {
	switch {
	case version == HTTP1_1:
		return nil
	case strings.HasPrefix(version, HTTP1_1):
		return NewError(StatusBadRequest, "")
	case strings.HasPrefix(version, "HTTP/"):
		return NewError(StatusHTTPVersionNotSupported, "")
	default:
		return NewError(StatusBadRequest, "")
	}
}

func (p *RequestParser) parseURI(uri string) error {
	if strings.HasPrefix(uri, HttpUrlPrefix) {
		// Absolute form: pull the authority out and keep the path.
		rest := uri[len(HttpUrlPrefix):]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return NewError(StatusBadRequest, "")
		}
		p.absoluteHost = rest[:slash]
		uri = rest[slash:]
	}
	decoded := url.Unescape(uri)
	p.req.Path, p.req.Query = url.SplitTarget(decoded)
	return nil
}

// --- headers ---

func (p *RequestParser) parseHeaders() (bool, error) {
	for {
		pos := bytes.Index(p.buf, crlf)
		if pos < 0 {
			return false, nil
		}
		if pos == 0 {
			p.buf = p.buf[2:]
			return true, p.validateRequest()
		}
		if p.buf[0] == ' ' || p.buf[0] == '\t' {
			return false, NewError(StatusBadRequest, "")
		}
		line := string(p.buf[:pos])
		p.buf = p.buf[pos+2:]
		if len(line) > maxLineLength {
			return false, NewError(StatusBadRequest, "Request Header Or Cookie Too Large")
		}
		if err := p.processHeaderLine(line); err != nil {
			return false, err
		}
	}
}

func (p *RequestParser) processHeaderLine(line string) error {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return NewError(StatusBadRequest, "")
	}
	key := strings.TrimSpace(line[:colon])
	value := strings.TrimSpace(line[colon+1:])

	if !hdr.ValidHeaderFieldName(key) {
		return NewError(StatusBadRequest, "")
	}
	canonical := hdr.CanonicalHeaderKey(key)
	if canonical == hdr.Host && p.req.Header.Has(hdr.Host) {
		return NewError(StatusBadRequest, "")
	}
	p.req.Header.Set(canonical, value)

	switch canonical {
	case hdr.ContentLength:
		return p.processContentLength(value)
	case hdr.TransferEncoding:
		return p.processTransferEncoding(value)
	case hdr.ContentType:
		return p.processContentType(value)
	}
	return nil
}

func (p *RequestParser) processContentLength(value string) error {
	if p.req.Chunked {
		return NewError(StatusBadRequest, "")
	}
	length, err := strconv.ParseInt(value, 10, 64)
	if err != nil || length < 0 {
		return NewError(StatusLengthRequired, "")
	}
	p.req.ContentLength = length
	p.bodyExpected = length > 0
	return nil
}

func (p *RequestParser) processTransferEncoding(value string) error {
	if p.req.ContentLength != -1 {
		return NewError(StatusBadRequest, "")
	}
	if value != DoChunked {
		return NewError(StatusBadRequest, "")
	}
	p.req.Chunked = true
	return nil
}

func (p *RequestParser) processContentType(value string) error {
	base := value
	params := ""
	if semi := strings.IndexByte(value, ';'); semi >= 0 {
		base = value[:semi]
		params = value[semi+1:]
	}
	p.req.ContentType = strings.TrimSpace(base)

	if p.req.ContentType != mime.FormData && p.req.ContentType != mime.Mixed {
		return nil
	}
	idx := strings.Index(params, "boundary=")
	if idx < 0 {
		return NewError(StatusBadRequest, "")
	}
	boundary := params[idx+len("boundary="):]
	if boundary == "" {
		return NewError(StatusBadRequest, "")
	}
	if boundary[0] == '"' {
		if len(boundary) < 2 || boundary[len(boundary)-1] != '"' {
			return NewError(StatusBadRequest, "")
		}
		boundary = boundary[1 : len(boundary)-1]
	}
	p.req.Boundary = boundary
	return nil
}

// validateRequest runs the end-of-headers checks: a Host must exist
// (possibly synthesised from an absolute URI) and a POST must declare
// how its body is framed.
func (p *RequestParser) validateRequest() error {
	if p.absoluteHost != "" {
		p.req.Header.Set(hdr.Host, p.absoluteHost)
	} else if !p.req.Header.Has(hdr.Host) {
		return NewError(StatusBadRequest, "")
	}
	if p.req.Method == POST && p.req.ContentLength == -1 && !p.req.Chunked {
		return NewError(StatusBadRequest, "")
	}
	return nil
}

// --- body ---

// maxBodySize resolves the matched location's client_max_body_size,
// or 0 when no limit can be resolved yet.
func (p *RequestParser) maxBodySize() int64 {
	if p.server == nil {
		return 0
	}
	loc := SelectLocation(p.server, p.req.Path)
	if loc == nil {
		return 0
	}
	return loc.ClientMaxBodySize
}

func (p *RequestParser) checkBodySize(total int64) error {
	if limit := p.maxBodySize(); limit > 0 && total > limit {
		return NewError(StatusContentTooLarge, "")
	}
	return nil
}

func (p *RequestParser) parseBody() (bool, error) {
	if err := p.checkBodySize(int64(len(p.body) + len(p.buf))); err != nil {
		return false, err
	}
	remaining := p.req.ContentLength - int64(len(p.body))
	if int64(len(p.buf)) < remaining {
		p.body = append(p.body, p.buf...)
		p.buf = nil
		return false, nil
	}
	p.body = append(p.body, p.buf[:remaining]...)
	p.buf = p.buf[remaining:]
	p.req.Body = p.body

	if p.req.IsMultipart() {
		form, err := mime.ParseForm(p.req.Body, p.req.Boundary)
		if err != nil {
			return false, NewError(StatusBadRequest, err.Error())
		}
		p.req.Multipart = form
	}
	return true, nil
}

func (p *RequestParser) parseChunkedBody() (bool, error) {
	for {
		switch p.cstate {
		case chunkSize:
			pos := bytes.Index(p.buf, crlf)
			if pos < 0 {
				return false, nil
			}
			line := removeChunkExtension(trimTrailingWhitespace(p.buf[:pos]))
			size, err := parseHexUint(line)
			if err != nil {
				return false, NewError(StatusBadRequest, "")
			}
			p.buf = p.buf[pos+2:]
			if err := p.checkBodySize(int64(len(p.body)) + int64(size)); err != nil {
				return false, err
			}
			if size == 0 {
				p.cstate = chunkTrailer
			} else {
				p.chunkRemaining = int64(size)
				p.cstate = chunkData
			}

		case chunkData:
			if int64(len(p.buf)) < p.chunkRemaining+2 {
				return false, nil
			}
			p.body = append(p.body, p.buf[:p.chunkRemaining]...)
			p.buf = p.buf[p.chunkRemaining:]
			if !bytes.HasPrefix(p.buf, crlf) {
				return false, NewError(StatusBadRequest, "")
			}
			p.buf = p.buf[2:]
			p.cstate = chunkSize

		case chunkTrailer:
			pos := bytes.Index(p.buf, crlf)
			if pos < 0 {
				return false, nil
			}
			p.buf = p.buf[pos+2:]
			p.cstate = chunkDone

		case chunkDone:
			p.req.ContentLength = int64(len(p.body))
			p.req.Body = p.body
			return true, nil
		}
	}
}

var crlf = []byte("\r\n")
