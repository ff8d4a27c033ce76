/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	maxEvents      = 1024
	epollTimeoutMs = 100
)

type (
	// An EventHandler is an I/O event source multiplexed by the
	// Reactor. The set is closed: Listener, Conn and CgiRunner.
	EventHandler interface {
		Fd() int
		OnEvent(events uint32)
	}

	handlerEntry struct {
		id      uint64
		fd      int
		handler EventHandler
	}

	// The Reactor is the single-threaded, level-triggered readiness
	// loop. Handlers live in an arena keyed by a stable id; readiness
	// dispatch resolves fd → id → handler with a validity check, so a
	// handler scheduled for destruction mid-tick is never invoked
	// again, regardless of event delivery order.
	Reactor struct {
		epfd FD
		wake FD

		entries  map[uint64]*handlerEntry
		fds      map[int]uint64
		ids      map[EventHandler]uint64
		invalid  map[uint64]bool
		deferred map[uint64]EventHandler

		listeners []*Listener
		nextID    uint64
		stopping  atomic.Bool
		log       *logrus.Entry
	}
)

// NewReactor creates the epoll instance and its wakeup eventfd.
func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	r := &Reactor{
		epfd:     NewFD(epfd),
		wake:     NewFD(wake),
		entries:  make(map[uint64]*handlerEntry),
		fds:      make(map[int]uint64),
		ids:      make(map[EventHandler]uint64),
		invalid:  make(map[uint64]bool),
		deferred: make(map[uint64]EventHandler),
		log:      logrus.WithField("component", "reactor"),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake, &ev); err != nil {
		r.Close()
		return nil, errors.Wrap(err, "register wakeup fd")
	}
	return r, nil
}

// Close releases the reactor's own descriptors.
func (r *Reactor) Close() {
	r.wake.Close()
	r.epfd.Close()
}

// AddListener makes the reactor sweep the listener's connections.
func (r *Reactor) AddListener(l *Listener) {
	r.listeners = append(r.listeners, l)
}

// Listeners returns the registered listeners.
func (r *Reactor) Listeners() []*Listener { return r.listeners }

func (r *Reactor) idOf(h EventHandler) uint64 {
	if id, ok := r.ids[h]; ok {
		return id
	}
	r.nextID++
	r.ids[h] = r.nextID
	return r.nextID
}

// IsValid reports whether the handler may still be dispatched.
func (r *Reactor) IsValid(h EventHandler) bool {
	id, ok := r.ids[h]
	return ok && !r.invalid[id]
}

// Register adds the handler's fd with the given interests. Peer
// close, hangup and error conditions are always observed.
func (r *Reactor) Register(h EventHandler, events uint32) error {
	fd := h.Fd()
	if fd < 0 {
		return errors.New("register: invalid fd")
	}
	id := r.idOf(h)
	if r.invalid[id] {
		return errors.New("register: handler is invalidated")
	}
	ev := unix.EpollEvent{Events: events | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd.Get(), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	r.entries[id] = &handlerEntry{id: id, fd: fd, handler: h}
	r.fds[fd] = id
	return nil
}

// Modify atomically changes the handler's interest set.
func (r *Reactor) Modify(h EventHandler, events uint32) error {
	id, ok := r.ids[h]
	if !ok || r.invalid[id] {
		return errors.New("modify: unknown or invalidated handler")
	}
	entry, ok := r.entries[id]
	if !ok {
		return errors.New("modify: handler not registered")
	}
	ev := unix.EpollEvent{Events: events | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(entry.fd)}
	return errors.Wrap(unix.EpollCtl(r.epfd.Get(), unix.EPOLL_CTL_MOD, entry.fd, &ev), "epoll_ctl mod")
}

// Unregister removes the handler's fd from the readiness set.
func (r *Reactor) Unregister(h EventHandler) error {
	id, ok := r.ids[h]
	if !ok {
		return errors.New("unregister: unknown handler")
	}
	entry, ok := r.entries[id]
	if !ok {
		return errors.New("unregister: handler not registered")
	}
	err := unix.EpollCtl(r.epfd.Get(), unix.EPOLL_CTL_DEL, entry.fd, nil)
	delete(r.fds, entry.fd)
	delete(r.entries, id)
	return errors.Wrap(err, "epoll_ctl del")
}

// Invalidate makes the handler ineligible for further dispatch during
// the current tick.
func (r *Reactor) Invalidate(h EventHandler) {
	r.invalid[r.idOf(h)] = true
}

// ScheduleDestroy invalidates the handler and queues it for
// destruction at the end of the tick.
func (r *Reactor) ScheduleDestroy(h EventHandler) {
	id := r.idOf(h)
	r.invalid[id] = true
	r.deferred[id] = h
}

// FindClientByFd looks up a live connection by its descriptor.
func (r *Reactor) FindClientByFd(fd int) *Conn {
	if fd < 0 {
		return nil
	}
	for _, l := range r.listeners {
		if c, ok := l.conns[fd]; ok && c != nil && !c.closed && !c.shouldDelete {
			return c
		}
	}
	return nil
}

// Shutdown stops the loop from any goroutine.
func (r *Reactor) Shutdown() {
	r.stopping.Store(true)
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(r.wake.Get(), one[:])
}

// Run drives the loop until Shutdown. Each tick waits up to 100 ms
// for readiness, dispatches the batch, sweeps timed-out and dead
// connections, then performs deferred destruction and reaps children.
func (r *Reactor) Run() error {
	r.log.Debug("event loop running")
	events := make([]unix.EpollEvent, maxEvents)
	for !r.stopping.Load() {
		n, err := unix.EpollWait(r.epfd.Get(), events, epollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait")
		}
		r.processEvents(events[:n])
		r.cleanupConnections()
		r.performDeferredDestruction()
	}
	return nil
}

func (r *Reactor) processEvents(events []unix.EpollEvent) {
	for i := range events {
		ev := &events[i]
		fd := int(ev.Fd)
		if fd == r.wake.Get() {
			r.drainWake()
			continue
		}
		id, ok := r.fds[fd]
		if !ok || r.invalid[id] {
			continue
		}
		entry := r.entries[id]
		if entry == nil {
			continue
		}
		if c, isConn := entry.handler.(*Conn); isConn {
			if c.closed || c.shouldDelete {
				continue
			}
			if r.FindClientByFd(fd) == nil {
				continue
			}
		}
		entry.handler.OnEvent(ev.Events)
	}
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wake.Get(), buf[:]); err != nil {
			return
		}
	}
}

// cleanupConnections closes connections past their keep-alive
// deadline and detaches those marked for deletion.
func (r *Reactor) cleanupConnections() {
	for _, l := range r.listeners {
		for fd, c := range l.conns {
			if c == nil {
				delete(l.conns, fd)
				continue
			}
			if c.timedOut() && !c.closed {
				c.Close()
			}
			if c.shouldDelete {
				if !c.closed {
					r.Unregister(c)
				}
				delete(l.conns, fd)
				r.ScheduleDestroy(c)
			}
		}
	}
}

// performDeferredDestruction drains the deferred set, unregistering
// any still-registered fd before dropping the handler, then reaps
// every zombie child.
func (r *Reactor) performDeferredDestruction() {
	for id, h := range r.deferred {
		if _, registered := r.entries[id]; registered {
			r.Unregister(h)
		}
		if runner, ok := h.(*CgiRunner); ok {
			runner.destroy()
		}
		delete(r.deferred, id)
		delete(r.invalid, id)
		delete(r.ids, h)
	}
	for {
		pid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
	}
}
