// Package agent is the desktop side of the relay protocol: it holds
// one WebSocket to the relay, republishes its pairing passphrase on
// every connect, runs pty terminals, and answers commands from paired
// mobiles.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chellapp/portal/internal/protocol"
)

// DefaultReconnectInterval is how long the agent waits before redialing
// a dropped relay connection.
const DefaultReconnectInterval = 5 * time.Second

type Config struct {
	RelayURL          string
	DeviceID          string
	DeviceName        string
	PairingCode       string
	PairingPassphrase string

	Shell             string
	Theme             string
	ReconnectInterval time.Duration
	Logger            *slog.Logger
}

// Agent runs the desktop endpoint. Terminal output is forwarded only
// for terminals a mobile has attached to; everything else the desktop
// produces is pushed through the live relay connection.
type Agent struct {
	cfg   Config
	terms *TerminalManager

	mu       sync.Mutex
	ws       *websocket.Conn
	attached map[string]bool // terminal id -> some mobile is watching

	projects        []protocol.ProjectInfo
	activeProjectID string
}

func New(cfg Config) (*Agent, error) {
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("agent: relay URL is required")
	}
	if cfg.DeviceID == "" || cfg.PairingPassphrase == "" {
		return nil, fmt.Errorf("agent: device identity and pairing passphrase are required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	a := &Agent{
		cfg:      cfg,
		attached: make(map[string]bool),
	}
	a.terms = NewTerminalManager(cfg.Shell, a.forwardOutput, a.terminalExited)
	return a, nil
}

// SetProjects updates the project list included in status updates and
// broadcasts the change to attached mobiles.
func (a *Agent) SetProjects(projects []protocol.ProjectInfo, activeID string) {
	a.mu.Lock()
	a.projects = projects
	a.activeProjectID = activeID
	a.mu.Unlock()
	a.pushStatus()
}

// Run dials the relay and serves until ctx is cancelled, redialing
// after every drop.
func (a *Agent) Run(ctx context.Context) error {
	defer a.terms.CloseAll()
	for {
		if err := a.serveOnce(ctx); err != nil {
			a.cfg.Logger.Warn("relay connection lost", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.ReconnectInterval):
		}
	}
}

func (a *Agent) serveOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close()

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.ws == ws {
			a.ws = nil
		}
		a.mu.Unlock()
	}()

	reg := protocol.New(protocol.TypeRegisterDesktop)
	reg.DeviceID = a.cfg.DeviceID
	reg.DeviceName = a.cfg.DeviceName
	reg.PairingCode = a.cfg.PairingCode
	reg.PairingPassphrase = a.cfg.PairingPassphrase
	if err := a.send(reg); err != nil {
		return err
	}
	a.cfg.Logger.Info("registered with relay", "relay", a.cfg.RelayURL, "device", a.cfg.DeviceID)

	// Close the socket when ctx ends so the read loop unblocks.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		f := &protocol.Frame{}
		if err := ws.ReadJSON(f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		a.handle(f)
	}
}

func (a *Agent) handle(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeCommand:
		a.handleCommand(f)
	case protocol.TypeRequestStatus:
		a.pushStatus()
	case protocol.TypeTerminalInput:
		// Typing into a terminal implies the mobile wants its output.
		a.attach(f.TerminalID)
		if err := a.terms.Write(f.TerminalID, []byte(f.Data)); err != nil {
			a.cfg.Logger.Warn("terminal input", "terminal", f.TerminalID, "err", err)
		}
	case protocol.TypeAttachTerminal:
		a.handleAttach(f)
	case protocol.TypeDetachTerminal:
		a.detach(f.TerminalID)
	case protocol.TypeKillTerminal:
		if err := a.terms.Kill(f.TerminalID); err != nil {
			a.cfg.Logger.Warn("kill terminal", "terminal", f.TerminalID, "err", err)
		}
	case protocol.TypeSelectProject:
		a.selectProject(f.ProjectID)
	case protocol.TypeDeviceList:
		a.cfg.Logger.Info("linked devices updated", "count", len(f.Devices))
	case protocol.TypeError:
		a.cfg.Logger.Warn("relay error", "code", f.Code, "message", f.Message)
	default:
		a.cfg.Logger.Debug("unhandled frame", "type", f.Type)
	}
}

// spawnParams are the command parameters for spawn_terminal.
type spawnParams struct {
	Title string `json:"title"`
	Cwd   string `json:"cwd"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

func (a *Agent) handleCommand(f *protocol.Frame) {
	resp := protocol.New(protocol.TypeCommandResponse)
	resp.RequestID = f.RequestID

	fail := func(err error) {
		resp.Success = protocol.Bool(false)
		resp.Error = err.Error()
		a.push(resp)
	}
	ok := func(result any) {
		raw, err := json.Marshal(result)
		if err != nil {
			fail(err)
			return
		}
		resp.Success = protocol.Bool(true)
		resp.Result = raw
		a.push(resp)
	}

	switch f.Command {
	case "spawn_terminal":
		var p spawnParams
		if len(f.Params) > 0 {
			if err := json.Unmarshal(f.Params, &p); err != nil {
				fail(fmt.Errorf("bad spawn_terminal params: %w", err))
				return
			}
		}
		id, err := a.terms.Spawn(p.Title, p.Cwd, p.Cols, p.Rows)
		if err != nil {
			fail(err)
			return
		}
		// The spawning mobile is attached from the start.
		a.attach(id)
		ok(map[string]string{"terminalId": id})
		a.pushStatus()
	case "kill_terminal":
		var p struct {
			TerminalID string `json:"terminalId"`
		}
		if err := json.Unmarshal(f.Params, &p); err != nil {
			fail(fmt.Errorf("bad kill_terminal params: %w", err))
			return
		}
		if err := a.terms.Kill(p.TerminalID); err != nil {
			fail(err)
			return
		}
		ok(map[string]bool{"killed": true})
		a.pushStatus()
	case "list_terminals":
		ok(map[string]any{"terminals": a.terms.List()})
	default:
		fail(fmt.Errorf("unknown command %q", f.Command))
	}
}

func (a *Agent) handleAttach(f *protocol.Frame) {
	resp := protocol.New(protocol.TypeAttachTerminalResponse)
	resp.RequestID = f.RequestID
	resp.TerminalID = f.TerminalID

	scrollback, err := a.terms.Scrollback(f.TerminalID)
	if err != nil {
		resp.Success = protocol.Bool(false)
		resp.Error = err.Error()
		a.push(resp)
		return
	}
	a.attach(f.TerminalID)
	resp.Success = protocol.Bool(true)
	resp.Data = string(scrollback)
	a.push(resp)
}

func (a *Agent) selectProject(projectID string) {
	a.mu.Lock()
	a.activeProjectID = projectID
	a.mu.Unlock()

	changed := protocol.New(protocol.TypeProjectChanged)
	changed.ProjectID = projectID
	a.push(changed)
}

func (a *Agent) attach(terminalID string) {
	if terminalID == "" {
		return
	}
	a.mu.Lock()
	a.attached[terminalID] = true
	a.mu.Unlock()
}

func (a *Agent) detach(terminalID string) {
	a.mu.Lock()
	delete(a.attached, terminalID)
	a.mu.Unlock()
}

// forwardOutput relays pty output for attached terminals only; the
// relay then fans it out to every mobile of the session.
func (a *Agent) forwardOutput(terminalID string, data []byte) {
	a.mu.Lock()
	watching := a.attached[terminalID]
	a.mu.Unlock()
	if !watching {
		return
	}
	f := protocol.New(protocol.TypeTerminalOutput)
	f.TerminalID = terminalID
	f.Data = string(data)
	a.push(f)
}

func (a *Agent) terminalExited(terminalID string) {
	a.detach(terminalID)
	a.pushStatus()
}

func (a *Agent) pushStatus() {
	a.mu.Lock()
	f := protocol.New(protocol.TypeStatusUpdate)
	f.ConnectionStatus = "connected"
	f.Projects = a.projects
	f.ActiveProjectID = a.activeProjectID
	f.Theme = a.cfg.Theme
	a.mu.Unlock()
	f.Terminals = a.terms.List()
	a.push(f)
}

// push sends a frame if a relay connection is live, dropping it
// otherwise; the next status request resynchronizes mobiles.
func (a *Agent) push(f *protocol.Frame) {
	if err := a.send(f); err != nil {
		a.cfg.Logger.Debug("push dropped", "type", f.Type, "err", err)
	}
}

func (a *Agent) send(f *protocol.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ws == nil {
		return fmt.Errorf("agent: not connected")
	}
	return a.ws.WriteJSON(f)
}
