package session

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"mesh-bridge/internal/classify"
	"mesh-bridge/internal/eventlog"
	"mesh-bridge/internal/settings"
)

const (
	// quiescenceWindow is the idle interval after which a command's output
	// is considered complete. meshcli has no end-of-response marker, so
	// idle-time inference is the completion signal; callers' effective
	// latency depends on this value.
	quiescenceWindow = 300 * time.Millisecond

	// DefaultTimeout bounds a caller's wait when none is given.
	DefaultTimeout = 10 * time.Second
	// RecvTimeout is the default for the long-polling recv command.
	RecvTimeout = 60 * time.Second

	defaultHealthInterval  = 5 * time.Second
	defaultInitDelay       = 500 * time.Millisecond
	defaultGracefulTimeout = 5 * time.Second
	restartRetryDelay      = 10 * time.Second

	queueCapacity      = 64
	defaultScannerSize = 1024 * 1024 // 1 MB
)

// Config describes how the supervisor spawns and operates meshcli.
type Config struct {
	Command    string   // meshcli binary
	Args       []string // argv tail, e.g. ["-s", "/dev/ttyUSB0"]
	SerialPort string
	ConfigDir  string
	DeviceName string

	// InitCommands overrides the fixed initialization sequence. nil means
	// the meshcli defaults plus the persisted settings toggles; an empty
	// slice disables initialization entirely.
	InitCommands []string

	// Zero values fall back to the defaults above.
	HealthInterval  time.Duration
	InitDelay       time.Duration
	GracefulTimeout time.Duration
}

// DefaultConfig returns the meshcli configuration for a serial device.
func DefaultConfig(serialPort, configDir, deviceName string) Config {
	return Config{
		Command:    "meshcli",
		Args:       []string{"-s", serialPort},
		SerialPort: serialPort,
		ConfigDir:  configDir,
		DeviceName: deviceName,
	}
}

// process is one lifetime instance of the meshcli subprocess. A restart
// swaps in a fresh process value; worker goroutines hold the instance they
// were started with, so a stale reader can never touch the new session.
type process struct {
	cmd      *exec.Cmd
	stdin    *stdinWriter
	done     chan struct{} // closed once Wait returns
	exitCode int
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// stdinWriter wraps the subprocess stdin pipe with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (sw *stdinWriter) WriteLine(line string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := io.WriteString(sw.w, line+"\n")
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.w.Close()
		sw.closed = true
	}
}

// Supervisor owns the single meshcli session: it spawns the process, feeds
// it queued commands one at a time, classifies its output, and restarts the
// whole pipeline when the process dies.
type Supervisor struct {
	cfg  Config
	sink *eventlog.Log

	mu      sync.Mutex // guards state, proc, pending, current
	state   State
	proc    *process
	pending map[string]*Command
	current *Command

	queue    chan *Command
	shutdown chan struct{}
	onState  func(State)
}

// New creates a supervisor. Call Start to spawn meshcli and begin serving.
func New(cfg Config, sink *eventlog.Log) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.InitDelay <= 0 {
		cfg.InitDelay = defaultInitDelay
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	return &Supervisor{
		cfg:      cfg,
		sink:     sink,
		state:    StateStarting,
		pending:  make(map[string]*Command),
		queue:    make(chan *Command, queueCapacity),
		shutdown: make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked on every session state
// transition. Must be called before Start.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.onState = fn
}

// Start spawns meshcli and launches the dispatcher and watchdog loops.
// A failed initial spawn leaves the session in the crashed state; the
// watchdog keeps retrying, so the bridge stays up even when the device is
// temporarily absent.
func (s *Supervisor) Start() error {
	err := s.startProcess()
	if err != nil {
		log.Printf("initial meshcli start failed: %v", err)
		s.setState(StateCrashed)
	}
	go s.dispatchLoop()
	go s.watchdog()
	return err
}

func (s *Supervisor) startProcess() error {
	log.Printf("starting meshcli session on %s", s.cfg.SerialPort)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}
	log.Printf("meshcli process started (PID %d)", cmd.Process.Pid)

	p := &process{
		cmd:   cmd,
		stdin: &stdinWriter{w: stdin},
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
	s.setState(StateRunning)

	go s.readStdout(p, stdout)
	go s.readStderr(p, stderr)
	go s.waitForExit(p)
	go s.initSession(p)

	return nil
}

// initSession issues the fixed initialization sequence over stdin. These
// writes bypass the command queue and are not tracked as Commands.
func (s *Supervisor) initSession(p *process) {
	time.Sleep(s.cfg.InitDelay) // let meshcli bring the device up

	cmds := s.cfg.InitCommands
	if cmds == nil {
		cmds = []string{
			"set json_log_rx on",
			"set print_adverts on",
			"msgs_subscribe",
		}
		st, err := settings.Load(s.cfg.ConfigDir)
		if err != nil {
			log.Printf("failed to load webui settings: %v", err)
		} else if st.ManualAddContacts {
			cmds = append(cmds, "set manual_add_contacts on")
		}
	}

	for _, c := range cmds {
		if err := p.stdin.WriteLine(c); err != nil {
			log.Printf("failed to apply session setting %q: %v", c, err)
			return
		}
	}
	if len(cmds) > 0 {
		log.Printf("session settings applied: %s", strings.Join(cmds, ", "))
	}
}

// readStdout reads meshcli stdout for the lifetime of one process and
// routes every line: complete advert records go to the event log, all other
// output belongs to the in-flight command.
func (s *Supervisor) readStdout(p *process, r io.Reader) {
	acc := classify.NewAccumulator()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, defaultScannerSize), defaultScannerSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		for _, out := range acc.Feed(line) {
			s.route(out)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdout reader error: %v", err)
	}
	for _, out := range acc.Flush() {
		s.route(out)
	}
}

func (s *Supervisor) route(out classify.Output) {
	if out.Kind == classify.KindEvent {
		s.sink.Append(out.Event)
		return
	}
	s.appendResponse(out.Lines)
}

// appendResponse credits response lines to the in-flight command and resets
// its idle timer. A command that already timed out for its caller keeps
// absorbing its late output here until quiescence, so stray lines are never
// attributed to the next command.
func (s *Supervisor) appendResponse(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		for _, l := range lines {
			log.Printf("unassociated output: %s", l)
		}
		return
	}
	s.current.lines = append(s.current.lines, lines...)
	s.current.lastLine = time.Now()
}

func (s *Supervisor) readStderr(p *process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, defaultScannerSize), defaultScannerSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.Printf("meshcli stderr: %s", line)
		}
	}
}

func (s *Supervisor) waitForExit(p *process) {
	err := p.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
	}
	p.stdin.Close()
	close(p.done)
}

// watchdog polls process liveness and restarts the session after a crash.
// Crash/restart cycles are unbounded; every pending command at the time of
// a crash fails with ErrCrashed.
func (s *Supervisor) watchdog() {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		p := s.proc
		st := s.state
		s.mu.Unlock()
		if st == StateStopped || (p != nil && p.alive()) {
			continue
		}

		if p != nil {
			log.Printf("meshcli process died (exit code %d)", p.exitCode)
		}
		s.setState(StateCrashed)
		s.failAll(ErrCrashed)
		s.setState(StateRestarting)
		if err := s.startProcess(); err != nil {
			log.Printf("failed to restart session: %v", err)
			s.setState(StateCrashed)
			time.Sleep(restartRetryDelay)
		}
	}
}

// failAll marks every queued and in-flight command failed and clears the
// registry. The dispatcher skips commands that are already terminal.
func (s *Supervisor) failAll(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cmd := range s.pending {
		s.finishLocked(cmd, cause)
		delete(s.pending, id)
	}
	s.current = nil
}

// finishLocked transitions a command to its terminal state exactly once.
// Callers must hold s.mu.
func (s *Supervisor) finishLocked(cmd *Command, err error) {
	if cmd.finished {
		return
	}
	cmd.finished = true
	cmd.err = err
	close(cmd.done)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Health reports the current session state and identifying metadata.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	healthy := s.state == StateRunning && s.proc != nil && s.proc.alive()
	return Health{
		State:      s.state,
		Healthy:    healthy,
		SerialPort: s.cfg.SerialPort,
		DeviceName: s.cfg.DeviceName,
		AdvertLog:  s.sink.Path(),
	}
}

// ApplyManualAddContacts applies the manual contact approval toggle to the
// running session via the normal command path.
func (s *Supervisor) ApplyManualAddContacts(enabled bool) (string, error) {
	value := "off"
	if enabled {
		value = "on"
	}
	return s.Execute([]string{"set", "manual_add_contacts", value}, DefaultTimeout)
}

// Shutdown sends meshcli SIGTERM, waits briefly, then force-kills. All
// worker loops stop and pending commands fail with ErrStopped. Safe to
// call more than once; only the first call acts.
func (s *Supervisor) Shutdown() {
	// The stopped check and the state flip stay under one lock hold so
	// concurrent callers cannot both reach close(s.shutdown).
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	p := s.proc
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(StateStopped)
	}

	log.Printf("shutting down meshcli session")
	close(s.shutdown)
	s.failAll(ErrStopped)

	if p != nil && p.alive() {
		p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(s.cfg.GracefulTimeout):
			p.cmd.Process.Kill()
			<-p.done
		}
	}
}
