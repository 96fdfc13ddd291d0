// internal/runner/runner.go
package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// DefaultMaxOutput caps the output returned by one Poll.
const DefaultMaxOutput = 1 << 20

// DefaultInterpreters maps script extensions to the command that runs them.
// Other files are executed directly.
func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		".py": {"python3", "-u"},
		".sh": {"/bin/sh"},
	}
}

// Options configures a Runner.
type Options struct {
	Interpreters map[string][]string
	WorkDir      string            // default "/"
	Env          map[string]string // added to every run
	MaxOutput    int
	OutputDir    string // per-run output files; default <tmp>/pmaticmgr-runs
}

// Handle identifies one launched process.
type Handle string

// Started is returned by a successful Start.
type Started struct {
	Handle    Handle
	PID       int
	Identity  string // see ProcessIdentity
	Output    string // file receiving the run's output
	StartedAt time.Time
}

// Status is a non-blocking view of a run.
type Status struct {
	Output   []byte // bytes produced since the previous Poll
	Running  bool
	ExitCode *int // negative signal number when killed by a signal
	PID      int
}

type process struct {
	cmd    *exec.Cmd
	log    *runLog
	pid    int
	exited bool
	code   int
}

// Runner launches scripts in their own process group and tracks them until
// they are reaped and released.
type Runner struct {
	catalog *Catalog
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[Handle]*process
}

func New(catalog *Catalog, opts Options, logger *slog.Logger) *Runner {
	if opts.Interpreters == nil {
		opts.Interpreters = DefaultInterpreters()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/"
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(os.TempDir(), "pmaticmgr-runs")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		catalog: catalog,
		opts:    opts,
		logger:  logger,
		procs:   make(map[Handle]*process),
	}
}

// BuildCommand returns the argv that runs script with args.
func BuildCommand(interpreters map[string][]string, script string, args []string) []string {
	var argv []string
	if interp, ok := interpreters[filepath.Ext(script)]; ok && len(interp) > 0 {
		argv = append(argv, interp...)
	}
	argv = append(argv, script)
	return append(argv, args...)
}

// BuildEnv returns the child environment: the daemon's own environment,
// UTF-8 output for Python, the runner-wide values and then extra.
func BuildEnv(base, extra map[string]string) []string {
	env := append(os.Environ(), "PYTHONIOENCODING=utf-8")
	for _, m := range []map[string]string{base, extra} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+m[k])
		}
	}
	return env
}

// Start launches the script named by ref. stdout and stderr are merged into
// a file under OutputDir that the child writes directly.
func (r *Runner) Start(ref string, args []string, env map[string]string) (Started, error) {
	script, err := r.catalog.Resolve(ref)
	if err != nil {
		return Started{}, err
	}

	h := Handle(uuid.NewString())
	log, w, err := createRunLog(r.opts.OutputDir, h, r.opts.MaxOutput)
	if err != nil {
		return Started{}, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, ref, err)
	}
	defer w.Close()

	argv := BuildCommand(r.opts.Interpreters, script, args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = r.opts.WorkDir
	cmd.Env = BuildEnv(r.opts.Env, env)
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		log.remove()
		return Started{}, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, ref, err)
	}

	p := &process{cmd: cmd, log: log, pid: cmd.Process.Pid}
	// Read before wait can reap the child and free its /proc entry.
	identity := ProcessIdentity(p.pid)

	r.mu.Lock()
	r.procs[h] = p
	r.mu.Unlock()

	go r.wait(h, p)

	r.logger.Debug("script started", "script", ref, "pid", p.pid, "handle", string(h))
	return Started{
		Handle:    h,
		PID:       p.pid,
		Identity:  identity,
		Output:    log.path,
		StartedAt: time.Now(),
	}, nil
}

func (r *Runner) wait(h Handle, p *process) {
	err := p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		r.logger.Warn("waiting for script", "pid", p.pid, "error", err)
	}

	r.mu.Lock()
	p.exited = true
	p.code = code
	r.mu.Unlock()

	r.logger.Debug("script exited", "pid", p.pid, "handle", string(h), "exit_code", code)
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

func (r *Runner) lookup(h Handle) (*process, error) {
	p, ok := r.procs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return p, nil
}

// Poll never blocks. Output is returned once and at most MaxOutput bytes at
// a time; the first Poll after exit carries the rest, truncated to
// MaxOutput.
func (r *Runner) Poll(h Handle) (Status, error) {
	r.mu.Lock()
	p, err := r.lookup(h)
	if err != nil {
		r.mu.Unlock()
		return Status{}, err
	}
	exited, code := p.exited, p.code
	r.mu.Unlock()

	out, err := p.log.read(exited)
	if err != nil {
		r.logger.Warn("reading script output", "pid", p.pid, "error", err)
	}
	st := Status{Output: out, Running: !exited, PID: p.pid}
	if exited {
		st.ExitCode = &code
	}
	return st, nil
}

// Terminate sends SIGTERM to the run's process group. Repeated calls and
// calls after exit are harmless.
func (r *Runner) Terminate(h Handle) error {
	return r.signal(h, unix.SIGTERM)
}

// Kill sends SIGKILL to the run's process group.
func (r *Runner) Kill(h Handle) error {
	return r.signal(h, unix.SIGKILL)
}

func (r *Runner) signal(h Handle, sig unix.Signal) error {
	r.mu.Lock()
	p, err := r.lookup(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	exited := p.exited
	r.mu.Unlock()

	if exited {
		return nil
	}
	return SignalGroup(p.pid, sig)
}

// Release forgets an exited run and deletes its output file. Releasing a
// running handle is an error so that no child is left unreaped.
func (r *Runner) Release(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookup(h)
	if err != nil {
		return err
	}
	if !p.exited {
		return fmt.Errorf("run %s is still running", h)
	}
	delete(r.procs, h)
	return p.log.remove()
}

// Recover returns the output a previous instance left in path for a run it
// did not see finish, and deletes the file.
func (r *Runner) Recover(path string) ([]byte, error) {
	return RecoverOutput(path, r.opts.MaxOutput)
}

// Running returns the number of tracked runs that have not exited.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if !p.exited {
			n++
		}
	}
	return n
}

// SignalGroup signals the process group led by pid. A group that is already
// gone is not an error.
func SignalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", pid, err)
	}
	return nil
}

// ProcessAlive reports whether pid still exists. Used for processes this
// daemon instance did not spawn, such as runs adopted after a restart.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
