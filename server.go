/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/johnx/webserv/cfg"
)

// A Manager owns one Listener per unique host:port endpoint and wires
// them into the reactor.
type Manager struct {
	reactor   *Reactor
	listeners map[string]*Listener
}

func NewManager(reactor *Reactor) *Manager {
	return &Manager{
		reactor:   reactor,
		listeners: make(map[string]*Listener),
	}
}

// Listeners returns the endpoint listeners, keyed by host:port.
func (m *Manager) Listeners() map[string]*Listener { return m.listeners }

// InitServers creates and starts a listener for every distinct listen
// endpoint in the configuration. The first server declaring an
// endpoint becomes its binding server; per-request Host routing takes
// over from there.
func (m *Manager) InitServers(h *cfg.Http) error {
	for _, s := range h.Servers {
		for _, ld := range s.Listens {
			key := fmt.Sprintf("%s:%d", ld.Host, ld.Port)
			if _, ok := m.listeners[key]; ok {
				continue
			}
			l, err := NewListener(m.reactor, h, s, ld.Host, ld.Port)
			if err != nil {
				m.Close()
				return errors.Wrapf(err, "listen on %s", key)
			}
			m.listeners[key] = l
		}
	}
	for key, l := range m.listeners {
		if err := l.Start(); err != nil {
			m.Close()
			return errors.Wrapf(err, "start listener %s", key)
		}
		m.reactor.AddListener(l)
		logrus.WithField("addr", key).Info("listening")
	}
	return nil
}

// Close drops every listening socket.
func (m *Manager) Close() {
	for _, l := range m.listeners {
		l.Close()
	}
}
