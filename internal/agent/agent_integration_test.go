package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/chellapp/portal/internal/agent"
	"github.com/chellapp/portal/internal/client"
	"github.com/chellapp/portal/internal/pairing"
	"github.com/chellapp/portal/internal/relay"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startStack brings up a relay and a desktop agent and waits until the
// agent has registered.
func startStack(t *testing.T) (*relay.Server, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("pty is not supported on windows")
	}

	srv, err := relay.New(relay.Config{
		ListenAddr:   "127.0.0.1:0",
		SnapshotsDir: t.TempDir(),
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	passphrase := pairing.NewPassphrase()
	ag, err := agent.New(agent.Config{
		RelayURL:          "ws://" + srv.Addr().String() + "/ws",
		DeviceID:          pairing.NewDeviceID(),
		DeviceName:        "test-desktop",
		PairingCode:       pairing.NewCode(),
		PairingPassphrase: passphrase,
		Shell:             "/bin/sh",
		ReconnectInterval: 100 * time.Millisecond,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = ag.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for srv.Stats().LiveDesktops == 0 {
		select {
		case <-deadline:
			t.Fatal("agent never registered")
		case <-time.After(20 * time.Millisecond):
		}
	}
	return srv, passphrase
}

func pairClient(t *testing.T, srv *relay.Server, passphrase string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), client.Config{
		RelayURL:   "ws://" + srv.Addr().String() + "/ws",
		DeviceName: "test-phone",
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Pair(context.Background(), passphrase); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAgentStatusAndTerminalSession(t *testing.T) {
	srv, passphrase := startStack(t)
	c := pairClient(t, srv, passphrase)

	if err := c.RequestStatus(); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-c.StatusUpdates():
		if f.ConnectionStatus != "connected" {
			t.Fatalf("connectionStatus = %q", f.ConnectionStatus)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status_update")
	}

	// Spawn a shell through the command path.
	result, err := c.Command(context.Background(), "spawn_terminal", map[string]any{
		"title": "e2e", "cols": 80, "rows": 24,
	})
	if err != nil {
		t.Fatal(err)
	}
	var spawned struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(result, &spawned); err != nil {
		t.Fatal(err)
	}
	if spawned.TerminalID == "" {
		t.Fatalf("result = %s", result)
	}

	// Keystrokes route to the pty and output is broadcast back.
	if err := c.SendInput(spawned.TerminalID, "echo portal-e2e-check\n"); err != nil {
		t.Fatal(err)
	}
	var seen strings.Builder
	deadline := time.After(10 * time.Second)
	for !strings.Contains(seen.String(), "portal-e2e-check") {
		select {
		case f := <-c.TerminalOutput():
			if f.TerminalID == spawned.TerminalID {
				seen.WriteString(f.Data)
			}
		case <-deadline:
			t.Fatalf("echo never arrived, saw %q", seen.String())
		}
	}

	// Attach replays scrollback including what was already printed.
	resp, err := c.AttachTerminal(context.Background(), spawned.TerminalID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("attach response = %+v", resp)
	}
	if !strings.Contains(resp.Data, "portal-e2e-check") {
		t.Fatalf("scrollback = %q", resp.Data)
	}

	// list_terminals reflects the live session.
	result, err = c.Command(context.Background(), "list_terminals", nil)
	if err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Terminals []struct {
			ID string `json:"id"`
		} `json:"terminals"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Terminals) != 1 || listed.Terminals[0].ID != spawned.TerminalID {
		t.Fatalf("terminals = %+v", listed.Terminals)
	}

	// kill_terminal tears the session down and status reflects it.
	if _, err := c.Command(context.Background(), "kill_terminal", map[string]string{
		"terminalId": spawned.TerminalID,
	}); err != nil {
		t.Fatal(err)
	}
	deadline = time.After(5 * time.Second)
	for {
		result, err = c.Command(context.Background(), "list_terminals", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(result, &listed); err != nil {
			t.Fatal(err)
		}
		if len(listed.Terminals) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("terminal still listed: %+v", listed.Terminals)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestAgentUnknownCommand(t *testing.T) {
	srv, passphrase := startStack(t)
	c := pairClient(t, srv, passphrase)

	_, err := c.Command(context.Background(), "launch_rocket", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestAgentReconnects(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty is not supported on windows")
	}

	// Dials against a dead port must keep retrying instead of
	// returning; Run only stops with its context.
	ag, err := agent.New(agent.Config{
		RelayURL:          "ws://127.0.0.1:1/ws",
		DeviceID:          pairing.NewDeviceID(),
		DeviceName:        "retry-desktop",
		PairingPassphrase: pairing.NewPassphrase(),
		ReconnectInterval: 50 * time.Millisecond,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer runCancel()
	runDone := make(chan error, 1)
	go func() { runDone <- ag.Run(runCtx) }()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("run returned early: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop with its context")
	}
}
