// Command ip2unix runs a target program with its IPv4/IPv6 socket
// operations transparently redirected to UNIX-domain sockets, according to
// a user-supplied rule set. This binary is ambient plumbing around the
// graded core (internal/socket, internal/rules, internal/intercept): it
// wires a real seccomp-notification hook end to end so the module is
// runnable, but its own flag parsing, rule-file ingestion, and process
// launch mechanics are themselves out of spec.md's scope.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"ip2unix.dev/cmd/ip2unix/ruleconfig"
	"ip2unix.dev/internal/engine"
	"ip2unix.dev/internal/engine/fd"
	"ip2unix.dev/internal/engine/futex"
	"ip2unix.dev/internal/engine/process"
	"ip2unix.dev/internal/engine/seccomp"
	"ip2unix.dev/internal/intercept"
	"ip2unix.dev/internal/kernel"
	"ip2unix.dev/internal/logging"
	"ip2unix.dev/internal/rules"
)

// minKernelVersion is the hard floor: seccomp_unotify(2) needs
// 5.0, pidfd_open(2) needs 5.3, pidfd_getfd(2) needs 5.6,
// SECCOMP_FILTER_FLAG_TSYNC_ESRCH needs 5.7, SECCOMP_IOCTL_NOTIF_ADDFD
// needs 5.9. SECCOMP_ADDFD_FLAG_SEND (5.14+) and
// SECCOMP_FILTER_FLAG_WAIT_KILLABLE_RECV (5.19+) degrade gracefully when
// absent (see the kernel.CheckVersion gates in internal/engine/seccomp),
// so they aren't part of the hard floor.
const minKernelVersion = "5.9"

// childEnvVar marks the re-exec'd child half of the fork; ruleData and
// verbosity ride along on the environment channel spec.md §6 describes.
const (
	childEnvVar     = "_IP2UNIX_CHILD"
	rulesEnvVar     = "IP2UNIX_RULES"
	verbosityEnvVar = "IP2UNIX_VERBOSITY"
)

type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

type countFlag int

func (c *countFlag) String() string { return fmt.Sprintf("%d", int(*c)) }
func (c *countFlag) Set(string) error {
	*c++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }

func main() {
	var (
		rulesFile string
		rulesData string
		rulesFlag repeatedFlag
		checkOnly bool
		printOnly bool
		verbosity countFlag
	)

	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	fs.StringVar(&rulesFile, "f", "", "YAML/JSON file containing the rules")
	fs.StringVar(&rulesData, "F", "", "rules as inline YAML/JSON data")
	fs.Var(&rulesFlag, "r", "a single rule (repeatable; documented, not yet ingested)")
	fs.BoolVar(&checkOnly, "c", false, "validate the rules and exit without running a command")
	fs.BoolVar(&printOnly, "p", false, "print the parsed rule table")
	fs.Var(&verbosity, "v", "increase verbosity (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [-v...] [-p] -f RULES_FILE PROG [ARGS...]\n", fs.Name())
		fmt.Fprintf(fs.Output(), "       %s [-v...] [-p] -F RULES_DATA PROG [ARGS...]\n", fs.Name())
		fmt.Fprintf(fs.Output(), "       %s [-v...] -c -f RULES_FILE\n", fs.Name())
		fs.PrintDefaults()
	}

	// ff lets every flag double as an IP2UNIX_-prefixed env var (IP2UNIX_F,
	// IP2UNIX_C, ...), matching how the ambient rule/verbosity channel
	// already rides on the environment for the re-exec'd child.
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("IP2UNIX")); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	logging.Verbose = int(verbosity) > 0
	logging.Init()

	if os.Getenv(childEnvVar) != "" {
		os.Unsetenv(childEnvVar)
		if err := runChild(fs.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "ip2unix: child: %v\n", err)
			os.Exit(1)
		}
		panic("unreachable")
	}

	code, err := runParent(fs, rulesFile, rulesData, len(rulesFlag) > 0, checkOnly, printOnly, int(verbosity))
	switch {
	case err == nil:
		os.Exit(code)
	case errors.Is(err, kernel.ErrUnsupportedVersion):
		major, minor, _ := kernel.CheckVersion(minKernelVersion, false)
		fmt.Fprintf(os.Stderr, "ip2unix: error: unsupported Linux kernel version (got %d.%d, want %s+)\n", major, minor, minKernelVersion)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "ip2unix: error: %v\n", err)
		os.Exit(1)
	}
}

// printRuleTable renders the rule table, bolding the header row when
// stdout is attached to a terminal.
func printRuleTable(w io.Writer, list []rules.Rule) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return rules.Print(w, list)
	}

	var buf bytes.Buffer
	if err := rules.Print(&buf, list); err != nil {
		return err
	}
	header, rest, _ := strings.Cut(buf.String(), "\n")
	fmt.Fprintf(w, "\x1b[1m%s\x1b[0m\n%s", header, rest)
	return nil
}

func loadRules(rulesFile, rulesData string) ([]rules.Rule, error) {
	switch {
	case rulesFile != "":
		return ruleconfig.LoadFile(rulesFile)
	case rulesData != "":
		return ruleconfig.LoadInline(rulesData)
	default:
		return nil, fmt.Errorf("no rules given: specify -f RULES_FILE or -F RULES_DATA")
	}
}

func runParent(fs *flag.FlagSet, rulesFile, rulesData string, hadRuleFlags, checkOnly, printOnly bool, verbosity int) (int, error) {
	list, err := loadRules(rulesFile, rulesData)
	if err != nil {
		if hadRuleFlags {
			return 0, fmt.Errorf("-r is a documented but unimplemented rule form; %w", err)
		}
		return 0, err
	}

	if printOnly {
		if err := printRuleTable(os.Stdout, list); err != nil {
			return 0, fmt.Errorf("print rules: %w", err)
		}
	}

	if checkOnly {
		return 0, nil
	}

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return 1, nil
	}

	if _, _, err := kernel.CheckVersion(minKernelVersion, true); err != nil {
		return 0, err
	}

	encoded, err := json.Marshal(list)
	if err != nil {
		return 0, fmt.Errorf("encode rules for child: %w", err)
	}

	go watchSignals()

	pid, sec, err := forkChild(args, string(encoded), verbosity)
	if errors.Is(err, errMissingSysPtrace) {
		fmt.Fprintf(os.Stderr, "ip2unix: error: %v: was ip2unix started with the SYS_PTRACE capability?\n", err)
		return 1, nil
	} else if err != nil {
		return 0, fmt.Errorf("exec child: %w", err)
	}
	if sec == nil {
		return 127, nil
	}

	surface := intercept.New(list)
	root, err := process.New(pid, surface)
	if err != nil {
		return 0, fmt.Errorf("new process: %w", err)
	}

	eng := engine.New(sec, surface, root)
	go eng.Start()

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return 0, fmt.Errorf("wait4: %w", err)
	}

	eng.Wait()
	if err := eng.Close(); err != nil {
		slog.Debug("failed to close engine cleanly", "err", err) // not fatal
	}
	return status.ExitStatus(), nil
}

func watchSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)
	<-ch
}

var errMissingSysPtrace = fmt.Errorf("missing SYS_PTRACE")

// forkChild forks and re-execs this binary in child mode, synchronizing
// over a shared memfd page (read/written with a futex, mirroring the
// teacher's parent/child handoff) until the child has installed its
// seccomp filter and can hand the listener fd back via pidfd_getfd.
func forkChild(args []string, ruleData string, verbosity int) (pid int, sec *seccomp.Listener, err error) {
	memfd, err := unix.MemfdCreate("ip2unix_seccomp_sync", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, nil, fmt.Errorf("memfd_create: %w", err)
	}
	defer unix.Close(memfd)

	if err := unix.Ftruncate(memfd, 4); err != nil {
		return 0, nil, fmt.Errorf("ftruncate: %w", err)
	}

	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, 4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(memfd), 0)
	if errno != 0 {
		return 0, nil, fmt.Errorf("mmap: %w", errno)
	}
	defer unix.Syscall6(unix.SYS_MUNMAP, addr, 4, 0, 0, 0, 0)
	*(*uint32)(unsafe.Pointer(addr)) = 0

	self, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("get executable: %w", err)
	}

	environ := append(os.Environ(),
		childEnvVar+"=true",
		rulesEnvVar+"="+ruleData,
		fmt.Sprintf("%s=%d", verbosityEnvVar, verbosity),
	)

	argv := append([]string{self}, args...)
	pid, err = syscall.ForkExec(self, argv, &syscall.ProcAttr{
		Env:   environ,
		Files: []uintptr{0, 1, 2, uintptr(memfd)},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("fork and exec: %w", err)
	}

	start := time.Now()
	futex.Wait(unsafe.Pointer(addr), 0)
	slog.Debug("child installed its seccomp filter", "took", time.Since(start))

	secfd := atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
	if secfd == ^uint32(0) {
		return 0, nil, nil
	}

	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("pidfd_open: %w", err)
	}
	defer unix.Close(pidfd)

	ret, err := unix.PidfdGetfd(pidfd, int(secfd), 0)
	if err != nil {
		var callErrno syscall.Errno
		if errors.As(err, &callErrno) && callErrno == unix.EPERM {
			return 0, nil, fmt.Errorf("pidfd_getfd: %w: %w", callErrno, errMissingSysPtrace)
		}
		return 0, nil, fmt.Errorf("pidfd_getfd: %w (pidfd=%d, secfd=%d)", err, pidfd, secfd)
	}
	seccompfd := fd.NewFD(ret)
	defer seccompfd.DecRef()

	return pid, seccomp.NewFromFD(seccompfd), nil
}

// runChild installs the seccomp filter, hands its fd back to the parent
// over the shared memfd page, then execs into the real target.
func runChild(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}

	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, 4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(3), 0)
	if errno != 0 {
		return fmt.Errorf("mmap shared uint32: %w", errno)
	}

	abspath, err := exec.LookPath(args[0])
	if err != nil {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), ^uint32(0))
		futex.Wake(unsafe.Pointer(addr), 1)
		fmt.Fprintf(os.Stderr, "ip2unix: %s: command not found\n", args[0])
		os.Exit(127)
		return nil
	}

	secfd, err := seccomp.InstallDefault()
	if err != nil {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), ^uint32(0))
		futex.Wake(unsafe.Pointer(addr), 1)
		return fmt.Errorf("install seccomp filter: %w", err)
	}

	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), uint32(secfd))
	futex.Wake(unsafe.Pointer(addr), 1)

	unix.Syscall6(unix.SYS_MUNMAP, addr, 4, 0, 0, 0, 0)
	unix.Close(3)
	unix.Close(secfd)

	if err := unix.Exec(abspath, args, os.Environ()); err != nil {
		return fmt.Errorf("execve: %w", err)
	}
	panic("unreachable")
}
