// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package engine runs the receive-dispatch-handle loop that drains seccomp
// user notifications and turns them into intercept-surface calls, one
// process.Process per traced pid.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"ip2unix.dev/internal/engine/process"
	"ip2unix.dev/internal/engine/seccomp"
	"ip2unix.dev/internal/engine/syscalls"
	"ip2unix.dev/internal/intercept"
)

// Engine owns the seccomp listener and the table of traced processes
// sharing one intercept surface (one rule set, one socket registry) for
// the lifetime of the root process and everything it forks.
type Engine struct {
	seccomp *seccomp.Listener
	surface *intercept.Surface

	mu        sync.RWMutex
	processes map[int]*process.Process
	threads   map[int]*process.Process
	running   chan struct{}
	inPanic   atomic.Bool
}

// New starts tracking root and returns an Engine ready for Start.
func New(listener *seccomp.Listener, surface *intercept.Surface, root *process.Process) *Engine {
	eng := &Engine{
		seccomp: listener,
		surface: surface,

		processes: map[int]*process.Process{root.PID: root},
		threads:   map[int]*process.Process{},
		running:   make(chan struct{}),
	}
	go eng.waitProcess(root)
	return eng
}

func (eng *Engine) ensureProcessLocked(pid int) *process.Process {
	if _, ok := eng.processes[pid]; !ok {
		tgid, err := getThreadGroupID(pid)
		if err != nil {
			panic(fmt.Errorf("read process: %w", err))
		}
		if tgid != pid {
			leader := eng.ensureProcessLocked(tgid)
			eng.threads[pid] = leader
			return leader
		}

		p, err := process.New(pid, eng.surface)
		if err != nil {
			panic(fmt.Errorf("new process: %w", err))
		}
		eng.processes[pid] = p
		go eng.waitProcess(p)
	}

	return eng.processes[pid]
}

func (eng *Engine) waitProcess(p *process.Process) {
	if err := p.Wait(); err != nil {
		slog.Error("failed to wait for process", "proc", p, "err", err)
		return
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	delete(eng.processes, p.PID)
	if len(eng.processes) == 0 {
		if err := eng.closeLocked(); err != nil {
			slog.Error("failed to close engine after all processes exited", "err", err)
		}
		slog.Debug("closed engine after all processes exited")
	}
}

func (eng *Engine) getProcessFast(pid int) *process.Process {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	if p, ok := eng.processes[pid]; ok {
		return p
	}
	if p, ok := eng.threads[pid]; ok {
		return p
	}
	return nil
}

func (eng *Engine) getProcess(pid int) *process.Process {
	if p := eng.getProcessFast(pid); p != nil {
		return p
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.ensureProcessLocked(pid)
}

func (eng *Engine) countRunning() int {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	return len(eng.processes)
}

func (eng *Engine) closeLocked() error {
	select {
	case <-eng.running:
		return nil
	default:
	}
	defer close(eng.running)
	if err := eng.seccomp.Close(); err != nil {
		return fmt.Errorf("close seccomp: %w", err)
	}
	return nil
}

// Close tears down the seccomp listener, unblocking Start's receive loop.
func (eng *Engine) Close() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.closeLocked()
}

// Wait blocks until every traced process has exited and the engine closed.
func (eng *Engine) Wait() {
	<-eng.running
}

func (eng *Engine) panicGuard(main, failed chan *seccomp.Notif) {
	err := recover()
	if err == nil {
		return
	}

	stack := debug.Stack()
	eng.inPanic.Store(true)

	b := new(bytes.Buffer)
	fmt.Fprintf(b, "ip2unix: engine panic: %v\n", err)
	fmt.Fprintf(b, "stack trace: %s\n", strings.TrimSpace(string(stack)))
	fmt.Fprintf(b, "ip2unix has hit an internal error and is entering safe mode: intercepted\n")
	fmt.Fprintf(b, "syscalls will now be let through unmodified instead of being translated.\n")
	os.Stderr.Write(b.Bytes())

	go eng.drainSafeMode(failed)
	eng.drainSafeMode(main)
}

func (eng *Engine) drainSafeMode(ch chan *seccomp.Notif) {
	for n := range ch {
		if n != nil {
			n.Skip()
		}
	}
}

func (eng *Engine) handle(n *seccomp.Notif) {
	handler := process.Handlers[n.Syscall]
	if handler == nil {
		slog.Error(fmt.Sprintf("no handler found for %s", syscalls.GetName(n.Syscall)))
		return
	}

	p := eng.getProcess(n.PID)
	switch err := handler(p, n); {
	case err == nil:
	case errors.Is(err, seccomp.ErrCancelled):
		// The target's syscall was likely interrupted by a signal; nothing
		// left to do for this notification.
	default:
		slog.Error(fmt.Sprintf("critical error handling %s", syscalls.GetName(n.Syscall)), "notif", n, "proc", p, "err", err)
	}
}

// Start receives and handles intercepted syscalls until every traced
// process has exited.
func (eng *Engine) Start() {
	N := runtime.NumCPU()

	var wg sync.WaitGroup
	slog.Debug("starting parallel receive-dispatch-handle loop", "workers", N)
	defer slog.Debug("finished parallel receive-dispatch-handle loop")

	failed := make(chan *seccomp.Notif, N)
	ch := make(chan *seccomp.Notif, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			defer eng.panicGuard(ch, failed)

			var pending *seccomp.Notif
			defer func() {
				if pending != nil {
					failed <- pending
				}
			}()

			for n := range ch {
				if n == nil {
					break
				}

				pending = n
				if eng.inPanic.Load() {
					return
				}
				eng.handle(n)
				pending = nil
			}
		}()
	}

dispatch:
	for eng.countRunning() > 0 {
		n, errno := eng.seccomp.Receive()
		switch errno {
		case 0:
			ch <- n
		case unix.ENOENT:
			// Target was killed by a signal, or its syscall was interrupted
			// by a signal handler before the notification could be read.
			continue
		case unix.EBADF:
			// The seccomp listener fd was closed.
			break dispatch
		default:
			if left := eng.countRunning(); left > 0 {
				slog.Error("failed to receive seccomp notification", "processes", left, "err", errno)
			}
			break dispatch
		}
	}

	for i := 0; i < N; i++ {
		ch <- nil
	}
	wg.Wait()
}

func getThreadGroupID(pid int) (int, error) {
	path := fmt.Sprintf("/proc/%d/status", pid)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == "Tgid" {
			tgid, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, fmt.Errorf("parse tgid: %w", err)
			}
			return tgid, nil
		}
	}
	return 0, fmt.Errorf("parse tgid: row not found")
}
