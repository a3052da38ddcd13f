package agent

import (
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTerminalLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty is not supported on windows")
	}

	var mu sync.Mutex
	var output strings.Builder
	exited := make(chan string, 1)

	m := NewTerminalManager("/bin/sh", func(id string, data []byte) {
		mu.Lock()
		output.Write(data)
		mu.Unlock()
	}, func(id string) {
		exited <- id
	})
	defer m.CloseAll()

	id, err := m.Spawn("test", t.TempDir(), 80, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.List()) != 1 {
		t.Fatalf("terminals = %+v", m.List())
	}

	if err := m.Write(id, []byte("echo portal-pty-check\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		seen := strings.Contains(output.String(), "portal-pty-check")
		mu.Unlock()
		if seen {
			break
		}
		select {
		case <-deadline:
			mu.Lock()
			t.Fatalf("no echo in output: %q", output.String())
			mu.Unlock()
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Scrollback replays what the callback saw.
	sb, err := m.Scrollback(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(sb), "portal-pty-check") {
		t.Fatalf("scrollback = %q", sb)
	}

	if err := m.Kill(id); err != nil {
		t.Fatal(err)
	}
	select {
	case gone := <-exited:
		if gone != id {
			t.Fatalf("exited id = %q", gone)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal exit never reported")
	}
	if m.Exists(id) {
		t.Fatal("terminal still listed after kill")
	}
	if err := m.Write(id, []byte("x")); err == nil {
		t.Fatal("write to killed terminal should fail")
	}
}

func TestScrollbackBounded(t *testing.T) {
	tm := &terminal{}
	chunk := make([]byte, 64*1024)
	for i := 0; i < 10; i++ {
		tm.record(chunk)
	}
	if got := len(tm.replay()); got > scrollbackLimit {
		t.Fatalf("scrollback grew to %d bytes", got)
	}
}
