/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/hdr"
	"github.com/johnx/webserv/metrics"
)

type cgiState int

const (
	cgiIdle cgiState = iota
	cgiExecuting
	cgiReading
	cgiCompleted
	cgiTimeout
	cgiError
)

// A CgiRunner owns one CGI child process: the three pipes wired onto
// its stdio, the captured output, the wall-clock deadline and the
// exactly-once completion that folds the result back into the owning
// connection's response.
type CgiRunner struct {
	reactor  *Reactor
	clientFd int
	resp     *Response

	executor   string
	scriptPath string

	stdin  FD // write end of the child's stdin
	stdout FD // read end of the child's stdout
	stderr FD // read end of the child's stderr

	cmd        *exec.Cmd
	pid        int
	exitStatus int

	outputBuf bytes.Buffer
	errorBuf  bytes.Buffer

	start   time.Time
	timeout time.Duration

	state      cgiState
	completed  bool
	registered bool

	log *logrus.Entry
}

func NewCgiRunner(reactor *Reactor, clientFd int, resp *Response, executor string, timeout time.Duration) *CgiRunner {
	return &CgiRunner{
		reactor:  reactor,
		clientFd: clientFd,
		resp:     resp,
		executor: executor,
		stdin:    NewFD(-1),
		stdout:   NewFD(-1),
		stderr:   NewFD(-1),
		timeout:  timeout,
		state:    cgiIdle,
		log:      logrus.WithFields(logrus.Fields{"component": "cgi", "client_fd": clientFd}),
	}
}

// Fd is the readiness descriptor: the child's stdout pipe.
func (r *CgiRunner) Fd() int { return r.stdout.Get() }

func (r *CgiRunner) timedOut() bool {
	return time.Since(r.start) >= r.timeout
}

func (r *CgiRunner) isComplete() bool {
	return r.completed || r.state == cgiCompleted || r.state == cgiTimeout || r.state == cgiError
}

// Spawn starts the child with its stdio on fresh pipes and writes the
// request body to its stdin, capped at cgiStdinSoftCap bytes.
func (r *CgiRunner) Spawn(server *cfg.Server, req *Request, scriptPath string) error {
	r.scriptPath = scriptPath

	var pipes [3][2]int
	for i := range pipes {
		if err := unix.Pipe2(pipes[i][:], unix.O_CLOEXEC); err != nil {
			for j := 0; j < i; j++ {
				unix.Close(pipes[j][0])
				unix.Close(pipes[j][1])
			}
			r.state = cgiError
			return errors.Wrap(err, "pipe")
		}
	}
	stdinPipe, stdoutPipe, stderrPipe := pipes[0], pipes[1], pipes[2]
	r.stdin = NewFD(stdinPipe[1])
	r.stdout = NewFD(stdoutPipe[0])
	r.stderr = NewFD(stderrPipe[0])

	childStdin := os.NewFile(uintptr(stdinPipe[0]), "cgi-stdin")
	childStdout := os.NewFile(uintptr(stdoutPipe[1]), "cgi-stdout")
	childStderr := os.NewFile(uintptr(stderrPipe[1]), "cgi-stderr")

	r.cmd = exec.Command(r.executor, scriptPath)
	r.cmd.Stdin = childStdin
	r.cmd.Stdout = childStdout
	r.cmd.Stderr = childStderr
	r.cmd.Env = buildCgiEnv(server, req, scriptPath)

	r.state = cgiExecuting
	err := r.cmd.Start()
	childStdin.Close()
	childStdout.Close()
	childStderr.Close()
	if err != nil {
		r.state = cgiError
		r.closePipes()
		return errors.Wrapf(err, "execute %s", r.executor)
	}
	r.pid = r.cmd.Process.Pid
	metrics.CgiSpawns.Inc()

	for _, f := range []*FD{&r.stdin, &r.stdout, &r.stderr} {
		if err := unix.SetNonblock(f.Get(), true); err != nil {
			r.log.WithError(err).Warn("set pipe non-blocking")
		}
	}

	r.writeRequestBody(req.Body)
	r.stdin.Close()

	r.start = time.Now()
	r.state = cgiReading
	return nil
}

// writeRequestBody feeds the child's stdin. Bytes past the soft cap
// are discarded; a pipe error simply stops the feed.
func (r *CgiRunner) writeRequestBody(body []byte) {
	if len(body) > cgiStdinSoftCap {
		body = body[:cgiStdinSoftCap]
	}
	total := 0
	for total < len(body) {
		n, err := unix.Write(r.stdin.Get(), body[total:])
		if n <= 0 || err != nil {
			return
		}
		total += n
	}
}

func buildCgiEnv(server *cfg.Server, req *Request, scriptPath string) []string {
	serverName := req.Host()
	if serverName == "" {
		serverName = "localhost"
	}
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + req.Proto,
		"REQUEST_METHOD=" + req.Method,
		"SCRIPT_FILENAME=" + scriptPath,
		"REDIRECT_STATUS=200",
		"SERVER_SOFTWARE=" + ServerSoftware,
		"SERVER_NAME=" + serverName,
		"SCRIPT_NAME=" + req.Path,
		"QUERY_STRING=" + req.Query,
		"REQUEST_URI=" + req.Path,
	}
	if len(server.Listens) > 0 {
		env = append(env,
			fmt.Sprintf("SERVER_PORT=%d", server.Listens[0].Port),
			"REMOTE_ADDR="+server.Listens[0].Host)
	}
	if ct := req.Header.Get(hdr.ContentType); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	if cl := req.Header.Get(hdr.ContentLength); cl != "" {
		env = append(env, "CONTENT_LENGTH="+cl)
	} else if req.Method == POST {
		env = append(env, fmt.Sprintf("CONTENT_LENGTH=%d", len(req.Body)))
	}
	return env
}

// OnEvent drains the output pipes and drives the terminal transition.
func (r *CgiRunner) OnEvent(events uint32) {
	if r.state != cgiReading {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) == 0 {
		return
	}
	r.drainPipe(&r.stdout, &r.outputBuf, true)
	r.drainPipe(&r.stderr, &r.errorBuf, false)
	r.checkChild()

	switch {
	case r.timedOut():
		r.state = cgiTimeout
		r.complete()
	case !r.stdout.Valid():
		if r.state != cgiTimeout && r.state != cgiError {
			r.state = cgiCompleted
		}
		r.complete()
	}
}

// drainPipe reads until EAGAIN. EOF or a hard error closes the pipe;
// for stdout that also removes it from the readiness set.
func (r *CgiRunner) drainPipe(fd *FD, buf *bytes.Buffer, isStdout bool) {
	if !fd.Valid() {
		return
	}
	chunk := make([]byte, readChunkSize)
	for {
		n, err := unix.Read(fd.Get(), chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		// EOF or hard error.
		if isStdout && r.registered {
			r.reactor.Unregister(r)
			r.registered = false
		}
		fd.Close()
		return
	}
}

// checkChild reaps the child if it has exited, synthesising an error
// message for silent non-zero exits.
func (r *CgiRunner) checkChild() {
	if r.pid <= 0 {
		return
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(r.pid, &ws, unix.WNOHANG, nil)
	if err != nil || wpid != r.pid {
		return
	}
	r.pid = 0
	switch {
	case ws.Exited():
		r.exitStatus = ws.ExitStatus()
		if r.exitStatus != 0 && r.errorBuf.Len() == 0 {
			fmt.Fprintf(&r.errorBuf, "CGI process exited with non-zero status: %d", r.exitStatus)
		}
	case ws.Signaled():
		r.errorBuf.Reset()
		fmt.Fprintf(&r.errorBuf, "CGI process terminated by signal: %d", ws.Signal())
	}
}

// complete runs the terminal routine exactly once: decide the
// response, hand it to the owning connection, detach, and schedule
// the runner for destruction.
func (r *CgiRunner) complete() {
	if r.completed {
		return
	}
	r.completed = true

	if r.registered {
		r.reactor.Unregister(r)
		r.registered = false
	}
	if r.state == cgiTimeout {
		metrics.CgiTimeouts.Inc()
		r.terminateChild()
	}

	client := r.reactor.FindClientByFd(r.clientFd)
	if client != nil {
		switch {
		case r.state == cgiTimeout:
			client.finishCgiError(StatusGatewayTimeout)
		case r.errorBuf.Len() > 0 || r.state == cgiError:
			client.finishCgiError(StatusInternalServerError)
		case r.outputBuf.Len() == 0:
			client.finishCgiError(StatusInternalServerError)
		default:
			client.finishCgiOutput(r.outputBuf.Bytes())
		}
		client.cgiPid = 0
		client.cgi = nil
	}

	r.reactor.Invalidate(r)
	r.reactor.ScheduleDestroy(r)
}

// terminateChild kills and reaps the child. Blocking here is fine:
// this only runs during definitive teardown.
func (r *CgiRunner) terminateChild() {
	if r.pid <= 0 {
		return
	}
	unix.Kill(r.pid, unix.SIGKILL)
	var ws unix.WaitStatus
	unix.Wait4(r.pid, &ws, 0, nil)
	r.pid = 0
}

func (r *CgiRunner) closePipes() {
	r.stdin.Close()
	r.stdout.Close()
	r.stderr.Close()
}

// destroy releases every resource on any exit path; the reactor calls
// it while draining the deferred-destroy set.
func (r *CgiRunner) destroy() {
	if r.registered {
		r.reactor.Unregister(r)
		r.registered = false
	}
	r.terminateChild()
	r.closePipes()
	r.completed = true
}
