package session

import (
	"log"
	"time"

	"github.com/google/uuid"
)

// Submit validates and queues a command, returning immediately. The caller
// observes completion through the returned Command's Done channel.
func (s *Supervisor) Submit(args []string, timeout time.Duration) (*Command, error) {
	line, err := QuoteArgs(args)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := &Command{
		ID:       uuid.New().String()[:8],
		Text:     line,
		Timeout:  timeout,
		lastLine: time.Now(),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.pending[cmd.ID] = cmd
	s.mu.Unlock()

	select {
	case s.queue <- cmd:
	default:
		s.mu.Lock()
		delete(s.pending, cmd.ID)
		s.mu.Unlock()
		return nil, ErrQueueFull
	}

	log.Printf("command [%s] queued: %s", cmd.ID, line)
	return cmd, nil
}

// Execute submits a command and waits synchronously for its result, up to
// the given timeout. On timeout the command is failed for this caller but
// stays registered: meshcli may still be producing output, and the
// dispatcher remains occupied until quiescence or a crash.
func (s *Supervisor) Execute(args []string, timeout time.Duration) (string, error) {
	cmd, err := s.Submit(args, timeout)
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()

	select {
	case <-cmd.done:
	case <-timer.C:
		log.Printf("command [%s] timeout after %s", cmd.ID, cmd.Timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(cmd, ErrTimeout) // no-op when a result already landed
	return cmd.Result()
}

// dispatchLoop drains the queue, feeding meshcli strictly one command at a
// time in submission order.
func (s *Supervisor) dispatchLoop() {
	for {
		select {
		case <-s.shutdown:
			return
		case cmd := <-s.queue:
			s.dispatch(cmd)
		}
	}
}

func (s *Supervisor) dispatch(cmd *Command) {
	s.mu.Lock()
	if cmd.finished { // failed while queued (crash, caller timeout)
		delete(s.pending, cmd.ID)
		s.mu.Unlock()
		return
	}
	p := s.proc
	s.current = cmd
	cmd.lastLine = time.Now()
	s.mu.Unlock()

	log.Printf("command [%s] sending: %s", cmd.ID, cmd.Text)
	if p == nil {
		s.clear(cmd, ErrCrashed)
		return
	}
	if err := p.stdin.WriteLine(cmd.Text); err != nil {
		log.Printf("command [%s] write failed: %v", cmd.ID, err)
		s.clear(cmd, ErrCrashed)
		return
	}

	s.monitor(cmd, p)
}

// monitor is the per-command completion detector: it watches the command's
// idle time and declares success once no output has arrived for the
// quiescence window. It returns only when the dispatcher may advance.
func (s *Supervisor) monitor(cmd *Command, p *process) {
	for {
		s.mu.Lock()
		idle := time.Since(cmd.lastLine)
		s.mu.Unlock()

		if idle >= quiescenceWindow {
			log.Printf("command [%s] completed", cmd.ID)
			s.clear(cmd, nil)
			return
		}

		select {
		case <-p.done:
			s.clear(cmd, ErrCrashed)
			return
		case <-s.shutdown:
			s.clear(cmd, ErrStopped)
			return
		case <-time.After(quiescenceWindow - idle):
		}
	}
}

// clear finishes a command (a no-op if it is already terminal) and releases
// the in-flight slot.
func (s *Supervisor) clear(cmd *Command, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(cmd, cause)
	if s.current == cmd {
		s.current = nil
	}
	delete(s.pending, cmd.ID)
}
