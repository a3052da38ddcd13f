// Package protocol defines the wire format shared by the relay, the
// desktop agent, and mobile clients. Every WebSocket frame is a JSON
// Frame; routing fields (type, sessionToken, passphrase, requestId,
// terminalId) always travel in plaintext so the relay can dispatch
// without holding any key, while non-allowlisted payloads ride inside
// the Encrypted envelope end-to-end.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types understood by the relay and its endpoints.
const (
	TypeRegisterDesktop         = "register_desktop"
	TypeRegisterMobile          = "register_mobile"
	TypePairResponse            = "pair_response"
	TypeResumeSession           = "resume_session"
	TypeUnpair                  = "unpair"
	TypeCommand                 = "command"
	TypeCommandResponse         = "command_response"
	TypeTerminalInput           = "terminal_input"
	TypeTerminalOutput          = "terminal_output"
	TypeAttachTerminal          = "attach_terminal"
	TypeAttachTerminalResponse  = "attach_terminal_response"
	TypeDetachTerminal          = "detach_terminal"
	TypeKillTerminal            = "kill_terminal"
	TypeStatusUpdate            = "status_update"
	TypeRequestStatus           = "request_status"
	TypeDeviceList              = "device_list"
	TypeSelectProject           = "select_project"
	TypeProjectChanged          = "project_changed"
	TypeGitFilesChanged         = "git_files_changed"
	TypeError                   = "error"
)

// plaintextTypes are the frames the relay must be able to inspect and
// route; their payloads never travel inside the encrypted envelope.
var plaintextTypes = map[string]bool{
	TypeRegisterDesktop:        true,
	TypeRegisterMobile:         true,
	TypePairResponse:           true,
	TypeResumeSession:          true,
	TypeUnpair:                 true,
	TypeCommand:                true,
	TypeCommandResponse:        true,
	TypeTerminalInput:          true,
	TypeTerminalOutput:         true,
	TypeAttachTerminal:         true,
	TypeAttachTerminalResponse: true,
	TypeDetachTerminal:         true,
	TypeKillTerminal:           true,
	TypeStatusUpdate:           true,
	TypeRequestStatus:          true,
	TypeDeviceList:             true,
	TypeSelectProject:          true,
	TypeProjectChanged:         true,
	TypeGitFilesChanged:        true,
	TypeError:                  true,
}

// RequiresEncryption reports whether payloads of the given message type
// must travel inside the end-to-end encrypted envelope. Types the relay
// routes on are exempt; everything else is expected to be sealed.
func RequiresEncryption(msgType string) bool {
	return !plaintextTypes[msgType]
}

// Encrypted is the end-to-end envelope carried by frames whose payload
// is confidential. The relay forwards it without being able to open it.
type Encrypted struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Frame is the single wire envelope. Fields are a union over all
// message types; unused fields are omitted from the JSON encoding.
type Frame struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Encrypted *Encrypted `json:"encrypted,omitempty"`

	// Identity and pairing.
	DeviceID          string `json:"deviceId,omitempty"`
	DeviceName        string `json:"deviceName,omitempty"`
	PairingCode       string `json:"pairingCode,omitempty"`
	PairingPassphrase string `json:"pairingPassphrase,omitempty"`

	// Routing.
	Passphrase     string `json:"passphrase,omitempty"`
	SessionToken   string `json:"sessionToken,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	TerminalID     string `json:"terminalId,omitempty"`
	SourceDeviceID string `json:"sourceDeviceId,omitempty"`

	// Pairing / command results.
	Success         *bool           `json:"success,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	DesktopDeviceID string          `json:"desktopDeviceId,omitempty"`
	DesktopName     string          `json:"desktopName,omitempty"`

	// Commands.
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	// Terminal traffic.
	Data string `json:"data,omitempty"`

	// Status updates.
	ConnectionStatus string         `json:"connectionStatus,omitempty"`
	Projects         []ProjectInfo  `json:"projects,omitempty"`
	ActiveProjectID  string         `json:"activeProjectId,omitempty"`
	Terminals        []TerminalInfo `json:"terminals,omitempty"`
	Theme            string         `json:"theme,omitempty"`

	// Device list snapshots.
	Devices []LinkedDevice `json:"devices,omitempty"`

	// Project events.
	ProjectID string `json:"projectId,omitempty"`
	RepoPath  string `json:"repoPath,omitempty"`

	// Errors from the relay.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProjectInfo describes an open project in a status_update.
type ProjectInfo struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Path       string              `json:"path"`
	LastOpened string              `json:"lastOpened"`
	Folders    []ProjectFolderInfo `json:"folders,omitempty"`
}

// ProjectFolderInfo is a folder within a multi-root project.
type ProjectFolderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// TerminalInfo describes a live terminal in a status_update.
type TerminalInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cwd   string `json:"cwd"`
	Type  string `json:"type"`
}

// LinkedDevice is the wire shape of a paired mobile device as sent to
// the desktop in device_list frames. The session token is deliberately
// absent: it is a credential, not display data.
type LinkedDevice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DeviceType string `json:"deviceType,omitempty"`
	PairedAt   string `json:"pairedAt"`
	LastSeen   string `json:"lastSeen,omitempty"`
}

// New constructs a frame of the given type with a fresh id and the
// current timestamp in milliseconds.
func New(msgType string) *Frame {
	return &Frame{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Bool returns a pointer for the Success field.
func Bool(v bool) *bool { return &v }
