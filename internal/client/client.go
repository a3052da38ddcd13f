// Package client is the mobile-side library: it pairs with or resumes
// a session through the relay, correlates command responses by
// requestId, and surfaces broadcast terminal and status traffic on
// channels.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chellapp/portal/internal/envelope"
	"github.com/chellapp/portal/internal/protocol"
)

// DefaultCommandTimeout bounds how long Command waits for the desktop
// to answer before giving up on the requestId.
const DefaultCommandTimeout = 30 * time.Second

var (
	ErrPairingRejected = errors.New("client: pairing passphrase rejected")
	ErrClosed          = errors.New("client: connection closed")
	ErrCommandTimeout  = errors.New("client: timed out waiting for command response")
)

type Config struct {
	// RelayURL is the relay's WebSocket endpoint, e.g.
	// ws://relay.example.com:8787/ws.
	RelayURL   string
	DeviceID   string
	DeviceName string

	CommandTimeout time.Duration
	Logger         *slog.Logger

	// Buffer for the broadcast channels; overflow is dropped.
	EventBuffer int
}

// Client is one mobile connection to the relay. All exported methods
// are safe for concurrent use.
type Client struct {
	cfg Config
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu              sync.Mutex
	pending         map[string]chan *protocol.Frame
	sessionToken    string
	desktopDeviceID string
	desktopName     string
	key             []byte

	terminalOutput chan *protocol.Frame
	statusUpdates  chan *protocol.Frame

	done chan struct{}
	once sync.Once
}

// Dial connects to the relay. The connection is Open until Pair or
// Resume succeeds.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.RelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", cfg.RelayURL, err)
	}
	c := &Client{
		cfg:            cfg,
		ws:             ws,
		pending:        make(map[string]chan *protocol.Frame),
		terminalOutput: make(chan *protocol.Frame, cfg.EventBuffer),
		statusUpdates:  make(chan *protocol.Frame, cfg.EventBuffer),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Pair redeems a pairing passphrase for a session token and derives
// the end-to-end envelope key from the passphrase and the desktop's
// identity.
func (c *Client) Pair(ctx context.Context, passphrase string) error {
	f := protocol.New(protocol.TypeRegisterMobile)
	f.DeviceID = c.cfg.DeviceID
	f.DeviceName = c.cfg.DeviceName
	f.Passphrase = passphrase

	resp, err := c.roundTrip(ctx, f, protocol.TypePairResponse)
	if err != nil {
		return err
	}
	if resp.Success == nil || !*resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrPairingRejected, resp.Error)
		}
		return ErrPairingRejected
	}

	c.mu.Lock()
	c.sessionToken = resp.SessionToken
	c.desktopDeviceID = resp.DesktopDeviceID
	c.desktopName = resp.DesktopName
	c.key = envelope.DeriveKey(passphrase, resp.DesktopDeviceID)
	c.mu.Unlock()
	return nil
}

// Resume re-authenticates with a previously issued session token. The
// envelope key, if the caller persisted one, is restored separately
// with SetKey.
func (c *Client) Resume(ctx context.Context, sessionToken string) error {
	f := protocol.New(protocol.TypeResumeSession)
	f.SessionToken = sessionToken
	f.DeviceID = c.cfg.DeviceID

	resp, err := c.roundTrip(ctx, f, protocol.TypePairResponse)
	if err != nil {
		return err
	}
	if resp.Success == nil || !*resp.Success {
		return protocol.ErrSessionNotFound
	}

	c.mu.Lock()
	c.sessionToken = sessionToken
	c.desktopDeviceID = resp.DesktopDeviceID
	c.desktopName = resp.DesktopName
	c.mu.Unlock()
	return nil
}

// SessionToken returns the token issued at pairing, for persistence.
func (c *Client) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// DesktopDeviceID returns the paired desktop's identity.
func (c *Client) DesktopDeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desktopDeviceID
}

// DesktopName returns the paired desktop's display name.
func (c *Client) DesktopName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desktopName
}

// Key returns the derived envelope key, for persistence alongside the
// session token.
func (c *Client) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// SetKey restores a persisted envelope key after Resume.
func (c *Client) SetKey(key []byte) {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

// TerminalOutput streams broadcast terminal_output frames. The relay
// fans these out to every attached mobile; the caller filters by
// terminalId.
func (c *Client) TerminalOutput() <-chan *protocol.Frame { return c.terminalOutput }

// StatusUpdates streams status_update frames, including the relay's
// synthetic disconnect notices.
func (c *Client) StatusUpdates() <-chan *protocol.Frame { return c.statusUpdates }

// Command sends a command to the desktop and waits for the response
// carrying the same requestId. Responses fan out to every mobile, so
// frames with foreign requestIds are ignored here, not errors.
func (c *Client) Command(ctx context.Context, command string, params any) (json.RawMessage, error) {
	f := protocol.New(protocol.TypeCommand)
	f.Command = command
	f.RequestID = uuid.NewString()
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		f.Params = raw
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	resp, err := c.request(ctx, f)
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeError {
		return nil, fmt.Errorf("relay: %s: %s", resp.Code, resp.Message)
	}
	if resp.Success != nil && !*resp.Success {
		return nil, fmt.Errorf("command %s failed: %s", command, resp.Error)
	}
	return resp.Result, nil
}

// AttachTerminal subscribes to a terminal's output on the desktop and
// returns the attach response, which carries scrollback in its data.
func (c *Client) AttachTerminal(ctx context.Context, terminalID string) (*protocol.Frame, error) {
	f := protocol.New(protocol.TypeAttachTerminal)
	f.TerminalID = terminalID
	f.RequestID = uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	return c.request(ctx, f)
}

// DetachTerminal stops the desktop from streaming a terminal to this
// device. Fire and forget.
func (c *Client) DetachTerminal(terminalID string) error {
	f := protocol.New(protocol.TypeDetachTerminal)
	f.TerminalID = terminalID
	return c.send(f)
}

// KillTerminal asks the desktop to terminate a terminal.
func (c *Client) KillTerminal(terminalID string) error {
	f := protocol.New(protocol.TypeKillTerminal)
	f.TerminalID = terminalID
	return c.send(f)
}

// SendInput forwards keystrokes to a desktop terminal.
func (c *Client) SendInput(terminalID, data string) error {
	f := protocol.New(protocol.TypeTerminalInput)
	f.TerminalID = terminalID
	f.Data = data
	return c.send(f)
}

// RequestStatus asks the desktop for a full status snapshot; the
// answer arrives on StatusUpdates.
func (c *Client) RequestStatus() error {
	return c.send(protocol.New(protocol.TypeRequestStatus))
}

// Unpair revokes this device's session on the relay. The relay closes
// the connection afterwards.
func (c *Client) Unpair() error {
	return c.send(protocol.New(protocol.TypeUnpair))
}

// Close tears down the connection. Pending commands fail with
// ErrClosed.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *Client) send(f *protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// request sends a frame and waits for the reply carrying its
// requestId.
func (c *Client) request(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	c.pending[f.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCommandTimeout
		}
		return nil, ctx.Err()
	}
}

// roundTrip sends a frame and waits for the next frame of the given
// type, used for the pairing handshake before any requestId exists.
func (c *Client) roundTrip(ctx context.Context, f *protocol.Frame, wantType string) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	c.pending["type:"+wantType] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, "type:"+wantType)
		c.mu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		f := &protocol.Frame{}
		if err := c.ws.ReadJSON(f); err != nil {
			select {
			case <-c.done:
			default:
				c.cfg.Logger.Debug("relay read failed", "err", err)
			}
			return
		}
		c.route(f)
	}
}

func (c *Client) route(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeCommandResponse, protocol.TypeAttachTerminalResponse:
		c.resolve(f.RequestID, f)
	case protocol.TypePairResponse:
		c.resolve("type:"+protocol.TypePairResponse, f)
	case protocol.TypeTerminalOutput:
		c.deliver(c.terminalOutput, f)
	case protocol.TypeStatusUpdate, protocol.TypeProjectChanged, protocol.TypeGitFilesChanged:
		c.deliver(c.statusUpdates, f)
	case protocol.TypeError:
		// Errors tagged with a requestId fail that request; others are
		// session-level.
		if f.RequestID != "" && c.resolve(f.RequestID, f) {
			return
		}
		if c.resolve("type:"+protocol.TypePairResponse, f) {
			return
		}
		c.cfg.Logger.Warn("relay error", "code", f.Code, "message", f.Message)
	default:
		c.cfg.Logger.Debug("unhandled frame", "type", f.Type)
	}
}

func (c *Client) resolve(key string, f *protocol.Frame) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- f
	return true
}

func (c *Client) deliver(ch chan *protocol.Frame, f *protocol.Frame) {
	select {
	case ch <- f:
	default:
		c.cfg.Logger.Warn("event buffer full, dropping frame", "type", f.Type)
	}
}
