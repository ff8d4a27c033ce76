/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"bytes"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/hdr"
	"github.com/johnx/webserv/metrics"
)

// Telnet-style interrupt sequences; receiving one drops the client.
var (
	ctrlCSeq         = []byte{0xff, 0xf4, 0xff, 0xfd, 0x06}
	ctrlZSeq         = []byte{0xff, 0xed, 0xff, 0xfd, 0x06}
	ctrlBackslashSeq = []byte{0xff, 0xf3, 0xff, 0xfd, 0x06}
)

// A Conn is the per-client state machine: it feeds socket bytes into
// the parser, routes completed requests through the director, owns an
// attached CgiRunner while one is in flight, and drains the write
// buffer back to the peer.
type Conn struct {
	fd       FD
	reactor  *Reactor
	listener *Listener

	parser   *RequestParser
	builder  *ResponseBuilder
	director *ResponseDirector
	resp     *Response

	writeBuf   []byte
	lastStatus int

	cgi    *CgiRunner
	cgiPid int

	lastActivity   time.Time
	keepalive      time.Duration
	cgiReadTimeout time.Duration

	shouldClose  bool
	closed       bool
	shouldDelete bool

	log *logrus.Entry
}

func newConn(reactor *Reactor, listener *Listener, fd int) *Conn {
	resp := NewResponse()
	builder := NewResponseBuilder(listener.server, resp)
	c := &Conn{
		fd:             NewFD(fd),
		reactor:        reactor,
		listener:       listener,
		parser:         NewRequestParser(listener.server),
		builder:        builder,
		director:       NewResponseDirector(builder),
		resp:           resp,
		keepalive:      listener.server.Keepalive,
		cgiReadTimeout: cfg.DefaultCgiReadTimeout,
		log:            logrus.WithFields(logrus.Fields{"component": "conn", "fd": fd}),
	}
	c.touch()
	metrics.ConnectionsActive.Inc()
	return c
}

func (c *Conn) Fd() int { return c.fd.Get() }

func (c *Conn) OnEvent(events uint32) {
	if events&unix.EPOLLIN != 0 {
		c.handleRead()
	}
	if events&unix.EPOLLOUT != 0 {
		c.handleWrite()
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		c.Close()
	}
}

func (c *Conn) touch() { c.lastActivity = time.Now() }

func (c *Conn) timedOut() bool {
	return time.Since(c.lastActivity) > c.keepalive
}

// --- reading ---

func (c *Conn) handleRead() {
	if c.closed {
		return
	}
	c.touch()

	data, proceed := c.readFromClient()
	if !proceed || len(data) == 0 {
		return
	}
	done, err := c.parser.Consume(data)
	if err != nil {
		c.handleParsingError(err)
		return
	}
	if done {
		c.handleRequest()
	}
}

// readFromClient drains the socket. It applies three guards before
// buffering: interrupt control sequences close immediately; a lone
// EOT or a short read with no CRLF answers 400 and closes; EOF while
// a CGI response is pending merely pauses.
func (c *Conn) readFromClient() ([]byte, bool) {
	var data []byte
	buf := make([]byte, readChunkSize)
	total := 0
	for {
		n, err := unix.Read(c.fd.Get(), buf)
		if n > 0 {
			total += n
			chunk := buf[:n]
			if n >= len(ctrlCSeq) && isControlSequence(chunk) {
				c.Close()
				return nil, false
			}
			if (n == 1 && chunk[0] == 4) ||
				(total < readChunkSize && !bytes.Contains(chunk, crlf)) {
				c.sendBadRequest()
				return nil, false
			}
			data = append(data, chunk...)
			continue
		}
		if n == 0 && err == nil {
			if c.cgi != nil && !c.resp.CgiProcessed {
				break
			}
			c.Close()
			return nil, false
		}
		break
	}
	return data, true
}

func isControlSequence(chunk []byte) bool {
	head := chunk[:len(ctrlCSeq)]
	return bytes.Equal(head, ctrlCSeq) ||
		bytes.Equal(head, ctrlZSeq) ||
		bytes.Equal(head, ctrlBackslashSeq)
}

func (c *Conn) sendBadRequest() {
	c.director.ConstructErrorResponse(StatusBadRequest, "")
	c.resp.Header.Set(hdr.Connection, DoClose)
	c.shouldClose = true
	c.setWriteBuffer()
	c.reactor.Modify(c, unix.EPOLLOUT)
	c.parser.Reset()
	c.resp.Reset()
}

func (c *Conn) handleParsingError(err error) {
	he := asHTTPError(err)
	c.director.ConstructErrorResponse(he.Status, he.Message)
	c.resp.Header.Set(hdr.Connection, DoClose)
	c.shouldClose = true
	c.setWriteBuffer()
	c.reactor.Modify(c, unix.EPOLLOUT)
	c.resp.Reset()
}

// --- request dispatch ---

func (c *Conn) handleRequest() {
	req := c.parser.Request()
	req.Port = c.listener.Port()

	if req.WantsClose() || c.resp.Header.Get(hdr.Connection) == DoClose {
		c.shouldClose = true
	}

	// A request arriving while a CGI response is still being produced
	// must not clobber the in-flight exchange.
	if c.cgi != nil && !c.cgi.isComplete() && !c.resp.CgiProcessed {
		return
	}

	// The Host header may move the request to another virtual server.
	if c.listener.http != nil {
		if s := SelectServer(c.listener.http, req); s != nil && s != c.builder.Server() {
			c.builder.SetServer(s)
			c.parser.SetServer(s)
		}
	}

	handoff := c.director.ConstructResponse(req)
	c.updateTimeouts(req)

	if handoff != nil {
		c.startCgi(req, handoff)
		return
	}

	if c.shouldClose {
		c.resp.Header.Set(hdr.Connection, DoClose)
	}
	c.setWriteBuffer()
	c.reactor.Modify(c, unix.EPOLLOUT)
	c.parser.Reset()
}

func (c *Conn) updateTimeouts(req *Request) {
	loc := SelectLocation(c.builder.Server(), req.Path)
	if loc == nil {
		return
	}
	if c.cgi != nil {
		c.cgiReadTimeout = loc.CgiReadTimeout
	}
	c.keepalive = loc.Keepalive
}

// setWriteBuffer serialises the response. A Connection: close header
// commits the connection to closing once the buffer drains.
func (c *Conn) setWriteBuffer() {
	if c.resp.Header.Get(hdr.Connection) == DoClose {
		c.shouldClose = true
	}
	c.lastStatus = c.resp.StatusCode
	c.writeBuf = c.resp.Serialize()
}

// --- CGI orchestration ---

func (c *Conn) startCgi(req *Request, handoff *CgiHandoff) {
	c.killCgi()

	runner := NewCgiRunner(c.reactor, c.fd.Get(), c.resp, handoff.Executor, handoff.Location.CgiReadTimeout)
	c.cgi = runner
	c.cgiReadTimeout = handoff.Location.CgiReadTimeout

	if err := runner.Spawn(c.builder.Server(), req, handoff.ScriptPath); err != nil {
		c.log.WithError(err).Error("cgi spawn failed")
		c.cgi = nil
		runner.destroy()
		c.failRequest()
		return
	}
	c.cgiPid = runner.pid

	if err := c.reactor.Register(runner, unix.EPOLLIN); err != nil {
		c.log.WithError(err).Error("cannot register cgi pipe")
		c.killCgi()
		c.failRequest()
		return
	}
	runner.registered = true

	// Writable events on the socket drive the timeout poll while the
	// child produces its output.
	c.reactor.Modify(c, unix.EPOLLOUT)
	c.parser.Reset()
}

// failRequest answers 500 and closes, for fatal system errors.
func (c *Conn) failRequest() {
	c.director.ConstructErrorResponse(StatusInternalServerError, "")
	c.resp.Header.Set(hdr.Connection, DoClose)
	c.shouldClose = true
	c.setWriteBuffer()
	c.reactor.Modify(c, unix.EPOLLOUT)
	c.parser.Reset()
}

func (c *Conn) killCgi() {
	if c.cgiPid > 0 {
		unix.Kill(c.cgiPid, unix.SIGKILL)
		c.cgiPid = 0
	}
	if c.cgi != nil {
		if c.cgi.registered {
			c.reactor.Unregister(c.cgi)
			c.cgi.registered = false
		}
		c.reactor.Invalidate(c.cgi)
		c.reactor.ScheduleDestroy(c.cgi)
		c.cgi = nil
	}
}

// checkCgiTimeout runs on writable events while a CGI response is
// pending: once the deadline passes, the child dies and the client
// gets a 504.
func (c *Conn) checkCgiTimeout() {
	if c.cgi == nil || !c.cgi.timedOut() {
		return
	}
	metrics.CgiTimeouts.Inc()
	c.killCgi()
	c.resp.SetStatus(StatusGatewayTimeout, "")
	c.resp.CgiProcessed = true
	c.director.ConstructErrorResponse(StatusGatewayTimeout, "")
	c.resp.Header.Set(hdr.Connection, DoClose)
	c.setWriteBuffer()
}

// finishCgiError completes the exchange with an error page after the
// runner hit a terminal failure state.
func (c *Conn) finishCgiError(status int) {
	c.resp.SetStatus(status, "")
	c.resp.CgiProcessed = true
	c.director.ConstructErrorResponse(status, "")
	c.resp.Header.Set(hdr.Connection, DoClose)
	c.setWriteBuffer()
	c.reactor.Modify(c, unix.EPOLLOUT)
}

// finishCgiOutput merges the child's stdout into the response:
// headers before the first blank line, with Status: overriding the
// code; without a blank line, recognisable error markers map to their
// status and anything else ships verbatim as 200 text/html.
func (c *Conn) finishCgiOutput(output []byte) {
	headerEnd := bytes.Index(output, crlf2)
	if headerEnd >= 0 {
		c.parseCgiHeaders(string(output[:headerEnd]))
		c.resp.Body = append([]byte(nil), output[headerEnd+len(crlf2):]...)
	} else {
		switch {
		case bytes.Contains(output, []byte("<h1>500 Internal Server Error</h1>")):
			c.finishCgiError(StatusInternalServerError)
			return
		case bytes.Contains(output, []byte("<h1>504 Gateway Timeout</h1>")):
			c.finishCgiError(StatusGatewayTimeout)
			return
		default:
			c.resp.SetStatus(StatusOK, "")
			c.resp.Header.Set(hdr.ContentType, "text/html")
			c.resp.Body = append([]byte(nil), output...)
		}
	}
	c.resp.CgiProcessed = true
	c.setWriteBuffer()
	c.reactor.Modify(c, unix.EPOLLOUT)
}

func (c *Conn) parseCgiHeaders(block string) {
	statusSet := false
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, hdr.Status+":") {
			statusSet = parseCgiStatus(c.resp, strings.TrimSpace(line[len(hdr.Status)+1:]))
			continue
		}
		if colon := strings.IndexByte(line, ':'); colon >= 0 {
			c.resp.Header.Set(line[:colon], strings.TrimSpace(line[colon+1:]))
		}
	}
	if !statusSet {
		c.resp.SetStatus(StatusOK, "")
	}
}

func parseCgiStatus(resp *Response, value string) bool {
	code := 0
	message := ""
	if sp := strings.IndexByte(value, ' '); sp >= 0 {
		code = atoiSafe(value[:sp])
		message = strings.TrimSpace(value[sp+1:])
	} else {
		code = atoiSafe(value)
	}
	if code <= 0 || code >= 600 {
		code = StatusInternalServerError
		message = ""
	}
	resp.SetStatus(code, message)
	return true
}

func atoiSafe(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return n
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// --- writing ---

func (c *Conn) handleWrite() {
	if c.closed {
		return
	}
	if c.cgi != nil && !c.resp.CgiProcessed {
		c.checkCgiTimeout()
		return
	}
	c.touch()

	for len(c.writeBuf) > 0 {
		n, _ := unix.Write(c.fd.Get(), c.writeBuf)
		if n <= 0 {
			break
		}
		c.writeBuf = c.writeBuf[n:]
	}
	if len(c.writeBuf) > 0 {
		return
	}

	if c.lastStatus != 0 {
		metrics.ObserveStatus(c.lastStatus)
		c.lastStatus = 0
	}
	if c.shouldClose {
		c.Close()
		return
	}
	c.reactor.Modify(c, unix.EPOLLIN)
	c.resp.Reset()
}

// --- teardown ---

// Close is idempotent: the attached runner is invalidated and left to
// the reactor to reap, the socket is unregistered and closed, and the
// connection is marked for deletion at the end of the tick.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true

	if c.cgi != nil {
		if c.cgi.registered {
			c.reactor.Unregister(c.cgi)
			c.cgi.registered = false
		}
		c.reactor.Invalidate(c.cgi)
		c.reactor.ScheduleDestroy(c.cgi)
		c.cgi = nil
	}

	c.reactor.Unregister(c)
	c.fd.Close()
	c.writeBuf = nil
	c.resp.Reset()
	c.shouldClose = false
	c.shouldDelete = true
	metrics.ConnectionsActive.Dec()
}

var crlf2 = []byte("\r\n\r\n")
