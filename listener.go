/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/metrics"
)

// A Listener accepts connections on one host:port endpoint and owns
// the Conns it creates.
type Listener struct {
	fd      FD
	host    string
	port    int
	server  *cfg.Server
	http    *cfg.Http
	reactor *Reactor
	conns   map[int]*Conn
	log     *logrus.Entry
}

// NewListener binds and listens on host:port. server is the endpoint's
// bound virtual server; per-request Host routing may override it.
func NewListener(reactor *Reactor, http *cfg.Http, server *cfg.Server, host string, port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	l := &Listener{
		fd:      NewFD(fd),
		host:    host,
		port:    port,
		server:  server,
		http:    http,
		reactor: reactor,
		conns:   make(map[int]*Conn),
		log:     logrus.WithFields(logrus.Fields{"component": "listener", "addr": host, "port": port}),
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		l.fd.Close()
		return nil, errors.Wrap(err, "setsockopt")
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], listenAddr(host))
	if err := unix.Bind(fd, sa); err != nil {
		l.fd.Close()
		return nil, errors.Wrapf(err, "bind to %s:%d failed", host, port)
	}
	if err := unix.Listen(fd, maxEvents); err != nil {
		l.fd.Close()
		return nil, errors.Wrap(err, "listen")
	}
	return l, nil
}

func listenAddr(host string) []byte {
	if host == "" || host == "*" || host == "localhost" {
		return []byte{0, 0, 0, 0}
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return []byte{0, 0, 0, 0}
}

// Start registers the listening socket for readability.
func (l *Listener) Start() error {
	return l.reactor.Register(l, unix.EPOLLIN)
}

func (l *Listener) Fd() int { return l.fd.Get() }

// Port returns the actual bound port, resolving kernel-assigned ones.
func (l *Listener) Port() int {
	sa, err := unix.Getsockname(l.fd.Get())
	if err != nil {
		return l.port
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return l.port
}

// OnEvent accepts every pending connection.
func (l *Listener) OnEvent(events uint32) {
	if events&unix.EPOLLIN == 0 {
		return
	}
	for {
		fd, _, err := unix.Accept4(l.fd.Get(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				l.log.WithError(err).Warn("accept failed")
			}
			return
		}
		l.adopt(fd)
	}
}

// adopt wraps an accepted descriptor in a Conn. A leftover Conn under
// the same fd (delayed close followed by fd reuse) is evicted first.
func (l *Listener) adopt(fd int) {
	if old, ok := l.conns[fd]; ok && old != nil {
		if !old.closed {
			l.reactor.Unregister(old)
			old.Close()
		}
		l.reactor.ScheduleDestroy(old)
		delete(l.conns, fd)
	}
	c := newConn(l.reactor, l, fd)
	l.conns[fd] = c
	if err := l.reactor.Register(c, unix.EPOLLIN); err != nil {
		l.log.WithError(err).Error("cannot register connection")
		c.Close()
		delete(l.conns, fd)
		return
	}
	metrics.ConnectionsAccepted.Inc()
}

// Close drops the listening socket.
func (l *Listener) Close() {
	l.fd.Close()
}
