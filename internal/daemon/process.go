package daemon

import (
	"os"
	"sync"

	"golang.org/x/sys/execabs"
)

// Process is a running daemon. Its exit is collected by a background
// goroutine so Done can be selected on by several owners.
type Process struct {
	Node       string
	Endpoint   string
	ConfigPath string
	LogPath    string

	cmd     *execabs.Cmd
	logFile *os.File
	done    chan struct{}

	mu      sync.Mutex
	waitErr error
}

func startProcess(cmd *execabs.Cmd, logFile *os.File) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{cmd: cmd, logFile: logFile, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		logFile.Close()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Signal sends sig to the daemon.
func (p *Process) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

// Kill terminates the daemon immediately.
func (p *Process) Kill() error { return p.cmd.Process.Kill() }

// Done is closed once the daemon has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the daemon has exited, and with what error.
func (p *Process) Exited() (bool, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.waitErr
	default:
		return false, nil
	}
}

// LogTail returns up to n trailing bytes of the daemon's log.
func (p *Process) LogTail(n int) string {
	return tailFile(p.LogPath, n)
}

func tailFile(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := st.Size() - int64(n)
	if off < 0 {
		off = 0
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return ""
	}
	return string(buf)
}
