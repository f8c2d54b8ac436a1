package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"botvisor/internal/logging"
	"botvisor/internal/models"
)

const (
	redacted       = "[REDACTED]"
	maxOutputLine  = 1 << 20
	pipeDrainDelay = 2 * time.Second
)

var (
	ErrInstallFailed = errors.New("dependency install failed")
	ErrSpawnFailed   = errors.New("spawn failed")
)

// Instance is the live process of one bot. Only the supervisor signals it.
type Instance struct {
	ID           int64
	RunID        string
	Pid          int
	StartTime    time.Time
	RestartCount int

	cmd      *exec.Cmd
	epoch    uint64
	stopping atomic.Bool
	exitCode int
	done     chan struct{}
}

func (i *Instance) status(now time.Time) models.Status {
	uptime := now.Sub(i.StartTime).Milliseconds()
	return models.Status{
		ID:           i.ID,
		IsRunning:    true,
		UptimeMillis: &uptime,
		Pid:          i.Pid,
		RestartCount: i.RestartCount,
	}
}

// signal delivers sig to the process group, falling back to the process.
func (i *Instance) signal(sig syscall.Signal) error {
	if i.Pid <= 0 {
		return nil
	}
	err := unix.Kill(-i.Pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err := unix.Kill(i.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// terminate sends SIGTERM and escalates to SIGKILL after timeout. It returns
// once the wait goroutine has observed the exit or the kill grace expired.
func (i *Instance) terminate(timeout time.Duration) {
	i.stopping.Store(true)
	log := logging.With().Int64("bot_id", i.ID).Int("pid", i.Pid).Logger()

	if err := i.signal(unix.SIGTERM); err != nil {
		log.Warn().Err(err).Msg("failed to send SIGTERM")
	}
	select {
	case <-i.done:
		return
	case <-time.After(timeout):
	}

	log.Warn().Dur("timeout", timeout).Msg("bot did not stop in time, killing")
	if err := i.signal(unix.SIGKILL); err != nil {
		log.Error().Err(err).Msg("failed to send SIGKILL")
	}
	select {
	case <-i.done:
	case <-time.After(timeout):
		log.Error().Msg("bot process did not exit after SIGKILL")
	}
}

// redactor hides the secret in any text derived from child output.
type redactor string

func (r redactor) apply(s string) string {
	if r == "" {
		return s
	}
	return strings.ReplaceAll(s, string(r), redacted)
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// install runs the dependency install command in dir. Output is only
// reported on failure.
func (s *Supervisor) install(ctx context.Context, dir string, secret redactor) error {
	argv := s.opts.InstallCommand
	if len(argv) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.InstallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = processGroupAttr()
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = pipeDrainDelay

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out after %s", ErrInstallFailed, s.opts.InstallTimeout)
	}
	return fmt.Errorf("%w: %v: %s", ErrInstallFailed, err, secret.apply(tail(string(out), 512)))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// spawn starts the bot process in dir and registers its Instance before the
// wait goroutine can observe an exit.
func (s *Supervisor) spawn(id int64, dir string, secret redactor, epoch uint64, restarts int) (*Instance, error) {
	argv := s.opts.ExecCommand
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no exec command", ErrSpawnFailed)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("BOT_ID=%d", id))
	cmd.SysProcAttr = processGroupAttr()
	cmd.WaitDelay = pipeDrainDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	inst := &Instance{
		ID:           id,
		RunID:        uuid.NewString(),
		Pid:          cmd.Process.Pid,
		StartTime:    time.Now(),
		RestartCount: restarts,
		cmd:          cmd,
		epoch:        epoch,
		done:         make(chan struct{}),
	}

	s.register(inst)

	sink := s.outputSink(id)
	var readers sync.WaitGroup
	readers.Add(2)
	go s.forward(&readers, inst, "stdout", stdoutR, secret, sink)
	go s.forward(&readers, inst, "stderr", stderrR, secret, sink)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		readers.Wait()
		if sink != nil {
			sink.Close()
		}

		inst.exitCode = exitCode(cmd, err)
		close(inst.done)
		s.onExit(inst)
	}()

	return inst, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// outputSink opens the per-bot rotating output file, if configured.
func (s *Supervisor) outputSink(id int64) *lockedWriter {
	if s.opts.OutputDir == "" {
		return nil
	}
	path := filepath.Join(s.opts.OutputDir, fmt.Sprintf("bot-%d.log", id))
	return &lockedWriter{w: logging.NewRotatingWriter(path, 10, 3, 7)}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func (l *lockedWriter) writeLine(stream, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339), stream, line)
}

func (l *lockedWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// forward reads child output line by line into the log sinks.
func (s *Supervisor) forward(wg *sync.WaitGroup, inst *Instance, stream string, r io.Reader, secret redactor, sink *lockedWriter) {
	defer wg.Done()

	level := "info"
	if stream == "stderr" {
		level = "error"
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := secret.apply(scanner.Text())

		ev := logging.Info()
		if stream == "stderr" {
			ev = logging.Warn()
		}
		ev.Int64("bot_id", inst.ID).Str("run_id", inst.RunID).Str("stream", stream).Msg(line)

		s.logs.Add(models.LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Message:   line,
			Level:     level,
			BotID:     inst.ID,
			Stream:    stream,
		})
		if sink != nil {
			sink.writeLine(stream, line)
		}
	}
	// Keep the pipe drained so the child never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}
