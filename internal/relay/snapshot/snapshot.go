// Package snapshot persists relay session state best-effort. The
// in-memory registry remains the source of truth for live routing; a
// write failure here is logged, never propagated, and never rolls back
// registry state. Snapshots exist so that mobiles holding a session
// token can resume after a relay restart once their desktop
// re-registers.
package snapshot

import (
	"time"
)

// Session is the durable root entity, one per registered desktop.
type Session struct {
	DesktopDeviceID   string         `json:"desktopDeviceId"`
	DesktopDeviceName string         `json:"desktopDeviceName"`
	PairingCode       string         `json:"pairingCode"`
	PairingPassphrase string         `json:"pairingPassphrase"`
	LinkedMobiles     []LinkedDevice `json:"linkedMobiles"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastActivity      time.Time      `json:"lastActivity"`
}

// LinkedDevice is a mobile that has successfully paired. SessionToken
// is the sole authorization artifact for the mobile and maps back to
// exactly one Session and one LinkedDevice.
type LinkedDevice struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DeviceType   string    `json:"deviceType,omitempty"`
	PairedAt     time.Time `json:"pairedAt"`
	LastSeen     time.Time `json:"lastSeen"`
	SessionToken string    `json:"sessionToken"`
}

// Clone deep-copies a session so the registry and the async writer
// never share a LinkedMobiles slice.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.LinkedMobiles = append([]LinkedDevice(nil), s.LinkedMobiles...)
	return &cp
}
