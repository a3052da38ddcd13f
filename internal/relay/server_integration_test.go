package relay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chellapp/portal/internal/protocol"
	"github.com/chellapp/portal/internal/relay"
)

const testPassphrase = "apple-banana-cherry-dolphin-eagle-forest"

func startRelay(t *testing.T) *relay.Server {
	t.Helper()
	srv, err := relay.New(relay.Config{
		ListenAddr:   "127.0.0.1:0",
		SnapshotsDir: t.TempDir(),
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
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
	return srv
}

func dialRelay(t *testing.T, srv *relay.Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + srv.Addr().String() + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	if err := ws.WriteJSON(f); err != nil {
		t.Fatalf("write %s: %v", f.Type, err)
	}
}

// recvType reads frames until one of the wanted type arrives; relay
// pushes like device_list can interleave with the reply under test.
func recvType(t *testing.T, ws *websocket.Conn, msgType string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		f := &protocol.Frame{}
		if err := json.Unmarshal(data, f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.Type == msgType {
			return f
		}
	}
}

func registerDesktop(t *testing.T, ws *websocket.Conn, deviceID string) {
	t.Helper()
	f := protocol.New(protocol.TypeRegisterDesktop)
	f.DeviceID = deviceID
	f.DeviceName = "workstation"
	f.PairingCode = "123456"
	f.PairingPassphrase = testPassphrase
	sendFrame(t, ws, f)
	recvType(t, ws, protocol.TypeDeviceList)
}

func pairMobile(t *testing.T, ws *websocket.Conn, mobileID string) string {
	t.Helper()
	f := protocol.New(protocol.TypeRegisterMobile)
	f.DeviceID = mobileID
	f.DeviceName = "phone"
	f.Passphrase = testPassphrase
	sendFrame(t, ws, f)
	resp := recvType(t, ws, protocol.TypePairResponse)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("pairing failed: %+v", resp)
	}
	if len(resp.SessionToken) != 36 {
		t.Fatalf("session token %q is not 36 chars", resp.SessionToken)
	}
	return resp.SessionToken
}

func TestPairingFlow(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	f := protocol.New(protocol.TypeRegisterMobile)
	f.DeviceID = "m1"
	f.DeviceName = "phone"
	f.Passphrase = testPassphrase
	sendFrame(t, mobile, f)

	resp := recvType(t, mobile, protocol.TypePairResponse)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("pair_response = %+v", resp)
	}
	if resp.DesktopDeviceID != "d1" || resp.DesktopName != "workstation" {
		t.Fatalf("desktop identity = %q/%q", resp.DesktopDeviceID, resp.DesktopName)
	}

	// Desktop gets a refreshed device list with the new mobile.
	list := recvType(t, desktop, protocol.TypeDeviceList)
	if len(list.Devices) != 1 || list.Devices[0].ID != "m1" {
		t.Fatalf("device_list = %+v", list.Devices)
	}
}

func TestInvalidPassphraseRejected(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	f := protocol.New(protocol.TypeRegisterMobile)
	f.Passphrase = "wrong-wrong-wrong-wrong-wrong-wrong"
	sendFrame(t, mobile, f)

	resp := recvType(t, mobile, protocol.TypePairResponse)
	if resp.Success == nil || *resp.Success {
		t.Fatalf("expected failure, got %+v", resp)
	}
	if resp.Error != "Invalid pairing passphrase" {
		t.Fatalf("error = %q", resp.Error)
	}
	// The connection stays open for a retry.
	pairMobile(t, mobile, "m1")
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	srv := startRelay(t)
	ws := dialRelay(t, srv)

	f := protocol.New(protocol.TypeCommand)
	f.Command = "list_terminals"
	f.RequestID = "r1"
	sendFrame(t, ws, f)

	resp := recvType(t, ws, protocol.TypeError)
	if resp.Code != protocol.CodeUnauthenticated {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestCommandRoundTripAndFanOut(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	m1 := dialRelay(t, srv)
	pairMobile(t, m1, "m1")
	m2 := dialRelay(t, srv)
	pairMobile(t, m2, "m2")

	cmd := protocol.New(protocol.TypeCommand)
	cmd.Command = "spawn_terminal"
	cmd.RequestID = "req-1"
	sendFrame(t, m1, cmd)

	// The desktop sees the command tagged with the sender's identity.
	got := recvType(t, desktop, protocol.TypeCommand)
	if got.Command != "spawn_terminal" || got.RequestID != "req-1" {
		t.Fatalf("forwarded command = %+v", got)
	}
	if got.SourceDeviceID != "m1" {
		t.Fatalf("sourceDeviceId = %q", got.SourceDeviceID)
	}

	resp := protocol.New(protocol.TypeCommandResponse)
	resp.RequestID = "req-1"
	resp.Success = protocol.Bool(true)
	resp.Result = json.RawMessage(`{"terminalId":"t1"}`)
	sendFrame(t, desktop, resp)

	// Responses fan out to every attached mobile; clients filter by
	// requestId themselves.
	for _, ws := range []*websocket.Conn{m1, m2} {
		got := recvType(t, ws, protocol.TypeCommandResponse)
		if got.RequestID != "req-1" {
			t.Fatalf("requestId = %q", got.RequestID)
		}
	}
}

func TestTerminalOutputBroadcast(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	m1 := dialRelay(t, srv)
	pairMobile(t, m1, "m1")
	m2 := dialRelay(t, srv)
	pairMobile(t, m2, "m2")

	out := protocol.New(protocol.TypeTerminalOutput)
	out.TerminalID = "t1"
	out.Data = "hello\r\n"
	sendFrame(t, desktop, out)

	for _, ws := range []*websocket.Conn{m1, m2} {
		got := recvType(t, ws, protocol.TypeTerminalOutput)
		if got.TerminalID != "t1" || got.Data != "hello\r\n" {
			t.Fatalf("terminal_output = %+v", got)
		}
	}

	// Input routes the other way, to the desktop only.
	in := protocol.New(protocol.TypeTerminalInput)
	in.TerminalID = "t1"
	in.Data = "ls\n"
	sendFrame(t, m1, in)
	got := recvType(t, desktop, protocol.TypeTerminalInput)
	if got.TerminalID != "t1" || got.Data != "ls\n" {
		t.Fatalf("terminal_input = %+v", got)
	}
}

func TestDesktopOffline(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	pairMobile(t, mobile, "m1")

	_ = desktop.Close()

	// The relay notices the desktop is gone and tells the mobile.
	status := recvType(t, mobile, protocol.TypeStatusUpdate)
	if status.ConnectionStatus != "disconnected" {
		t.Fatalf("connectionStatus = %q", status.ConnectionStatus)
	}

	cmd := protocol.New(protocol.TypeCommand)
	cmd.Command = "list_terminals"
	cmd.RequestID = "req-2"
	sendFrame(t, mobile, cmd)

	errFrame := recvType(t, mobile, protocol.TypeError)
	if errFrame.Code != protocol.CodeDesktopOffline {
		t.Fatalf("code = %q", errFrame.Code)
	}
	if errFrame.RequestID != "req-2" {
		t.Fatalf("requestId = %q", errFrame.RequestID)
	}
}

func TestResumeSession(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	token := pairMobile(t, mobile, "m1")
	_ = mobile.Close()

	again := dialRelay(t, srv)
	f := protocol.New(protocol.TypeResumeSession)
	f.SessionToken = token
	sendFrame(t, again, f)

	resp := recvType(t, again, protocol.TypePairResponse)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("resume failed: %+v", resp)
	}
	if resp.SessionToken != token || resp.DesktopDeviceID != "d1" {
		t.Fatalf("resume response = %+v", resp)
	}

	// The relay asks the live desktop for a fresh snapshot on the
	// resumed mobile's behalf.
	recvType(t, desktop, protocol.TypeRequestStatus)

	// Routing works without re-pairing.
	out := protocol.New(protocol.TypeTerminalOutput)
	out.TerminalID = "t1"
	out.Data = "back\r\n"
	sendFrame(t, desktop, out)
	recvType(t, again, protocol.TypeTerminalOutput)
}

func TestResumeUnknownToken(t *testing.T) {
	srv := startRelay(t)
	ws := dialRelay(t, srv)

	f := protocol.New(protocol.TypeResumeSession)
	f.SessionToken = "000000000000000000000000000000000000"
	sendFrame(t, ws, f)

	resp := recvType(t, ws, protocol.TypeError)
	if resp.Code != protocol.CodeSessionNotFound {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestResumeWhileDesktopOffline(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	token := pairMobile(t, mobile, "m1")
	_ = mobile.Close()
	_ = desktop.Close()

	waitForStats(t, srv, func(s relay.TableStats) bool { return s.Conns == 0 })

	again := dialRelay(t, srv)
	f := protocol.New(protocol.TypeResumeSession)
	f.SessionToken = token
	sendFrame(t, again, f)

	resp := recvType(t, again, protocol.TypePairResponse)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("resume failed: %+v", resp)
	}
	status := recvType(t, again, protocol.TypeStatusUpdate)
	if status.ConnectionStatus != "disconnected" {
		t.Fatalf("connectionStatus = %q", status.ConnectionStatus)
	}
}

func TestUnpairClosesMobile(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	token := pairMobile(t, mobile, "m1")

	f := protocol.New(protocol.TypeUnpair)
	f.DeviceID = "m1"
	sendFrame(t, desktop, f)

	errFrame := recvType(t, mobile, protocol.TypeError)
	if errFrame.Code != protocol.CodeUnpaired {
		t.Fatalf("code = %q", errFrame.Code)
	}

	// The revoked token no longer resumes.
	again := dialRelay(t, srv)
	r := protocol.New(protocol.TypeResumeSession)
	r.SessionToken = token
	sendFrame(t, again, r)
	resp := recvType(t, again, protocol.TypeError)
	if resp.Code != protocol.CodeSessionNotFound {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestDisconnectCleansTables(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	m1 := dialRelay(t, srv)
	pairMobile(t, m1, "m1")
	m2 := dialRelay(t, srv)
	pairMobile(t, m2, "m2")

	stats := srv.Stats()
	if stats.Conns != 3 || stats.LiveDesktops != 1 || stats.AttachedMobiles != 2 {
		t.Fatalf("stats before close = %+v", stats)
	}

	_ = m1.Close()
	_ = m2.Close()
	_ = desktop.Close()

	waitForStats(t, srv, func(s relay.TableStats) bool {
		return s.Conns == 0 && s.LiveDesktops == 0 && s.PassphraseBindings == 0 &&
			s.TokenBindings == 0 && s.AttachedMobiles == 0
	})
}

func TestDesktopReconnectRestoresRouting(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	pairMobile(t, mobile, "m1")

	_ = desktop.Close()
	recvType(t, mobile, protocol.TypeStatusUpdate)

	// Reconnecting with the same identity restores token routing; the
	// relay asks for status because a mobile is still attached.
	desktop2 := dialRelay(t, srv)
	registerDesktop(t, desktop2, "d1")
	recvType(t, desktop2, protocol.TypeRequestStatus)

	out := protocol.New(protocol.TypeTerminalOutput)
	out.TerminalID = "t1"
	out.Data = "restored\r\n"
	sendFrame(t, desktop2, out)
	recvType(t, mobile, protocol.TypeTerminalOutput)
}

func TestStopIsIdempotent(t *testing.T) {
	srv, err := relay.New(relay.Config{
		ListenAddr:   "127.0.0.1:0",
		SnapshotsDir: t.TempDir(),
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Cancelling the context triggers Stop from the watcher goroutine;
	// the explicit calls below must not panic on the already-stopped
	// server.
	cancel()
	srv.Stop()
	srv.Stop()
}

func TestReauthenticationReplacesMembership(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	ws := dialRelay(t, srv)
	pairMobile(t, ws, "m1")

	// Mint a second valid token on a throwaway connection, then close
	// it.
	other := dialRelay(t, srv)
	tokenB := pairMobile(t, other, "m2")
	_ = other.Close()
	waitForStats(t, srv, func(s relay.TableStats) bool { return s.Conns == 2 })

	// The first socket resumes under the second token; its old
	// membership must be dropped, not accumulated.
	f := protocol.New(protocol.TypeResumeSession)
	f.SessionToken = tokenB
	sendFrame(t, ws, f)
	resp := recvType(t, ws, protocol.TypePairResponse)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("resume failed: %+v", resp)
	}
	recvType(t, desktop, protocol.TypeRequestStatus)
	waitForStats(t, srv, func(s relay.TableStats) bool { return s.AttachedMobiles == 1 })

	// A broadcast arrives exactly once on the re-authenticated socket.
	out := protocol.New(protocol.TypeTerminalOutput)
	out.TerminalID = "t1"
	out.Data = "once\r\n"
	sendFrame(t, desktop, out)
	recvType(t, ws, protocol.TypeTerminalOutput)
	_ = ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("broadcast delivered twice after re-authentication")
	}

	_ = ws.Close()
	waitForStats(t, srv, func(s relay.TableStats) bool {
		return s.AttachedMobiles == 0 && s.Conns == 1
	})
}

func TestPassphraseRotationUnpairsMobiles(t *testing.T) {
	srv := startRelay(t)
	desktop := dialRelay(t, srv)
	registerDesktop(t, desktop, "d1")

	mobile := dialRelay(t, srv)
	token := pairMobile(t, mobile, "m1")

	// The desktop re-registers with rotated secrets, cutting off every
	// previously paired mobile.
	reg := protocol.New(protocol.TypeRegisterDesktop)
	reg.DeviceID = "d1"
	reg.DeviceName = "workstation"
	reg.PairingCode = "654321"
	reg.PairingPassphrase = "ocean-palace-quartz-river-sunset-temple"
	sendFrame(t, desktop, reg)

	errFrame := recvType(t, mobile, protocol.TypeError)
	if errFrame.Code != protocol.CodeUnpaired {
		t.Fatalf("code = %q", errFrame.Code)
	}

	// The revoked token no longer resumes.
	again := dialRelay(t, srv)
	r := protocol.New(protocol.TypeResumeSession)
	r.SessionToken = token
	sendFrame(t, again, r)
	resp := recvType(t, again, protocol.TypeError)
	if resp.Code != protocol.CodeSessionNotFound {
		t.Fatalf("code = %q", resp.Code)
	}

	// The old passphrase is gone; the rotated one pairs.
	f := protocol.New(protocol.TypeRegisterMobile)
	f.DeviceID = "m3"
	f.Passphrase = testPassphrase
	sendFrame(t, again, f)
	rej := recvType(t, again, protocol.TypePairResponse)
	if rej.Success == nil || *rej.Success {
		t.Fatalf("stale passphrase accepted: %+v", rej)
	}
	f2 := protocol.New(protocol.TypeRegisterMobile)
	f2.DeviceID = "m3"
	f2.Passphrase = "ocean-palace-quartz-river-sunset-temple"
	sendFrame(t, again, f2)
	acc := recvType(t, again, protocol.TypePairResponse)
	if acc.Success == nil || !*acc.Success {
		t.Fatalf("rotated passphrase rejected: %+v", acc)
	}
}

func waitForStats(t *testing.T, srv *relay.Server, ok func(relay.TableStats) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if ok(srv.Stats()) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for table state, last = %+v", srv.Stats())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
