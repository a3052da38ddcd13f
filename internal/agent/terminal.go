package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/chellapp/portal/internal/protocol"
)

// scrollbackLimit bounds the replay buffer kept per terminal.
const scrollbackLimit = 256 * 1024

var ErrTerminalNotFound = errors.New("agent: terminal not found")

// terminal is one live pty-backed shell.
type terminal struct {
	id    string
	title string
	cwd   string
	cmd   *exec.Cmd
	f     *os.File

	mu         sync.Mutex
	scrollback []byte

	endOnce     sync.Once
	cleanupOnce sync.Once
	closed      chan struct{}
}

func (t *terminal) record(data []byte) {
	t.mu.Lock()
	t.scrollback = append(t.scrollback, data...)
	if over := len(t.scrollback) - scrollbackLimit; over > 0 {
		t.scrollback = t.scrollback[over:]
	}
	t.mu.Unlock()
}

func (t *terminal) replay() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.scrollback...)
}

// TerminalManager owns the agent's pty sessions. Output is pushed to
// the onOutput callback from per-terminal reader goroutines; onExit
// fires after a terminal's process ends so the agent can refresh
// status.
type TerminalManager struct {
	shell    string
	onOutput func(terminalID string, data []byte)
	onExit   func(terminalID string)

	mu        sync.Mutex
	terminals map[string]*terminal
}

func NewTerminalManager(shell string, onOutput func(string, []byte), onExit func(string)) *TerminalManager {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return &TerminalManager{
		shell:     shell,
		onOutput:  onOutput,
		onExit:    onExit,
		terminals: make(map[string]*terminal),
	}
}

// Spawn starts a shell in a new pty and returns its terminal id.
func (m *TerminalManager) Spawn(title, cwd string, cols, rows uint16) (string, error) {
	cmd := exec.Command(m.shell)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if cols > 0 {
		ws.Cols = cols
	}
	if rows > 0 {
		ws.Rows = rows
	}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	id := uuid.NewString()
	if title == "" {
		title = m.shell
	}
	t := &terminal{
		id:     id,
		title:  title,
		cwd:    cwd,
		cmd:    cmd,
		f:      f,
		closed: make(chan struct{}),
	}
	m.mu.Lock()
	m.terminals[id] = t
	m.mu.Unlock()

	go m.readLoop(t)
	go func() {
		_ = cmd.Wait()
		t.endOnce.Do(func() { close(t.closed) })
		m.cleanup(t)
		if m.onExit != nil {
			m.onExit(id)
		}
	}()
	return id, nil
}

func (m *TerminalManager) readLoop(t *terminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.f.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.record(data)
			if m.onOutput != nil {
				m.onOutput(t.id, data)
			}
		}
		if err != nil {
			// EOF or EIO is the normal pty read result after the
			// child exits; either way the loop is done.
			return
		}
	}
}

func (m *TerminalManager) cleanup(t *terminal) {
	t.cleanupOnce.Do(func() {
		_ = t.f.Close()
		m.mu.Lock()
		delete(m.terminals, t.id)
		m.mu.Unlock()
	})
}

// Write feeds input to a terminal's pty.
func (m *TerminalManager) Write(id string, data []byte) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err = t.f.Write(data)
	return err
}

// Resize adjusts the pty window.
func (m *TerminalManager) Resize(id string, cols, rows uint16) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if cols > 0 {
		ws.Cols = cols
	}
	if rows > 0 {
		ws.Rows = rows
	}
	return pty.Setsize(t.f, ws)
}

// Kill terminates a terminal's process and releases the pty.
func (m *TerminalManager) Kill(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	t.endOnce.Do(func() { close(t.closed) })
	m.cleanup(t)
	return nil
}

// Scrollback returns a copy of the terminal's replay buffer.
func (m *TerminalManager) Scrollback(id string) ([]byte, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return t.replay(), nil
}

// Exists reports whether the terminal is live.
func (m *TerminalManager) Exists(id string) bool {
	_, err := m.get(id)
	return err == nil
}

// List describes every live terminal for status_update frames.
func (m *TerminalManager) List() []protocol.TerminalInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.TerminalInfo, 0, len(m.terminals))
	for _, t := range m.terminals {
		out = append(out, protocol.TerminalInfo{
			ID:    t.id,
			Title: t.title,
			Cwd:   t.cwd,
			Type:  "shell",
		})
	}
	return out
}

// CloseAll tears down every terminal, used at agent shutdown.
func (m *TerminalManager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Kill(id)
	}
}

func (m *TerminalManager) get(id string) (*terminal, error) {
	if id == "" {
		return nil, ErrTerminalNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.terminals[id]
	if t == nil {
		return nil, ErrTerminalNotFound
	}
	return t, nil
}
