package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chellapp/portal/internal/pairing"
	"github.com/chellapp/portal/internal/protocol"
	"github.com/chellapp/portal/internal/relay/snapshot"
)

// tokenRef resolves a session token back to exactly one Session and
// one LinkedDevice.
type tokenRef struct {
	desktopDeviceID string
	mobileDeviceID  string
}

// Registry owns the durable mapping from desktop identity to pairing
// secret and linked mobiles, and arbitrates pairing. It is touched
// only from the hub's event loop (single-writer discipline), so it
// carries no locks; persistence is fire-and-forget through the
// snapshot store and never rolls back in-memory state.
type Registry struct {
	store  *snapshot.Store
	logger *slog.Logger

	sessions map[string]*snapshot.Session
	tokens   map[string]tokenRef
}

// NewRegistry builds a registry, rebuilding state from the snapshot
// store when one is provided.
func NewRegistry(store *snapshot.Store, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:    store,
		logger:   logger,
		sessions: make(map[string]*snapshot.Session),
		tokens:   make(map[string]tokenRef),
	}
	if store == nil {
		return r, nil
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("registry: load snapshots: %w", err)
	}
	for _, sess := range loaded {
		r.sessions[sess.DesktopDeviceID] = sess
		for _, m := range sess.LinkedMobiles {
			r.tokens[m.SessionToken] = tokenRef{
				desktopDeviceID: sess.DesktopDeviceID,
				mobileDeviceID:  m.ID,
			}
		}
	}
	if len(loaded) > 0 {
		logger.Info("registry restored from snapshots", "sessions", len(loaded))
	}
	return r, nil
}

// RegisterDesktop creates a Session for a new desktop identity or
// rebinds the existing one. Repeated calls from the same identity are
// idempotent: they never create a duplicate Session. A changed
// passphrase means the desktop rotated its pairing secret, which
// revokes every previously linked mobile; the revoked tokens are
// returned so the router can close their live connections.
func (r *Registry) RegisterDesktop(deviceID, deviceName, pairingCode, passphrase string) (*snapshot.Session, []string) {
	now := time.Now().UTC()
	sess := r.sessions[deviceID]
	if sess == nil {
		sess = &snapshot.Session{
			DesktopDeviceID: deviceID,
			CreatedAt:       now,
		}
		r.sessions[deviceID] = sess
	}
	var revoked []string
	if sess.PairingPassphrase != "" && sess.PairingPassphrase != passphrase {
		for _, m := range sess.LinkedMobiles {
			delete(r.tokens, m.SessionToken)
			revoked = append(revoked, m.SessionToken)
		}
		sess.LinkedMobiles = nil
	}
	sess.DesktopDeviceName = deviceName
	sess.PairingCode = pairingCode
	sess.PairingPassphrase = passphrase
	sess.LastActivity = now
	r.persist(sess)
	return sess, revoked
}

// AddMobile mints a session token and appends a LinkedDevice to the
// desktop's session. Pairing the same mobile id again replaces its
// record and invalidates the previous token.
func (r *Registry) AddMobile(desktopDeviceID, mobileDeviceID, name, deviceType string) (string, *snapshot.Session, error) {
	sess := r.sessions[desktopDeviceID]
	if sess == nil {
		return "", nil, protocol.ErrSessionNotFound
	}
	now := time.Now().UTC()
	token := pairing.NewSessionToken()
	device := snapshot.LinkedDevice{
		ID:           mobileDeviceID,
		Name:         name,
		DeviceType:   deviceType,
		PairedAt:     now,
		LastSeen:     now,
		SessionToken: token,
	}
	replaced := false
	for i := range sess.LinkedMobiles {
		if sess.LinkedMobiles[i].ID == mobileDeviceID {
			delete(r.tokens, sess.LinkedMobiles[i].SessionToken)
			device.PairedAt = sess.LinkedMobiles[i].PairedAt
			sess.LinkedMobiles[i] = device
			replaced = true
			break
		}
	}
	if !replaced {
		sess.LinkedMobiles = append(sess.LinkedMobiles, device)
	}
	sess.LastActivity = now
	r.tokens[token] = tokenRef{desktopDeviceID: desktopDeviceID, mobileDeviceID: mobileDeviceID}
	r.persist(sess)
	return token, sess, nil
}

// ResolveToken maps a session token back to its session and linked
// device ids.
func (r *Registry) ResolveToken(token string) (tokenRef, error) {
	ref, ok := r.tokens[token]
	if !ok {
		return tokenRef{}, protocol.ErrSessionNotFound
	}
	return ref, nil
}

// TouchMobile records activity for the mobile holding the token.
func (r *Registry) TouchMobile(token string) {
	ref, ok := r.tokens[token]
	if !ok {
		return
	}
	sess := r.sessions[ref.desktopDeviceID]
	if sess == nil {
		return
	}
	now := time.Now().UTC()
	sess.LastActivity = now
	for i := range sess.LinkedMobiles {
		if sess.LinkedMobiles[i].ID == ref.mobileDeviceID {
			sess.LinkedMobiles[i].LastSeen = now
			break
		}
	}
	r.persist(sess)
}

// Unpair removes the LinkedDevice from the session and revokes its
// token. It returns the revoked token so the hub can close live
// connections.
func (r *Registry) Unpair(desktopDeviceID, mobileDeviceID string) (string, *snapshot.Session, error) {
	sess := r.sessions[desktopDeviceID]
	if sess == nil {
		return "", nil, protocol.ErrSessionNotFound
	}
	var revoked string
	kept := sess.LinkedMobiles[:0]
	for _, m := range sess.LinkedMobiles {
		if m.ID == mobileDeviceID {
			revoked = m.SessionToken
			delete(r.tokens, m.SessionToken)
			continue
		}
		kept = append(kept, m)
	}
	if revoked == "" {
		return "", nil, protocol.ErrSessionNotFound
	}
	sess.LinkedMobiles = kept
	sess.LastActivity = time.Now().UTC()
	r.persist(sess)
	return revoked, sess, nil
}

// Session returns the session for a desktop identity, or nil.
func (r *Registry) Session(desktopDeviceID string) *snapshot.Session {
	return r.sessions[desktopDeviceID]
}

// Tokens returns every live token issued for the desktop's linked
// mobiles, used to restore routing when a desktop reconnects.
func (r *Registry) Tokens(desktopDeviceID string) []string {
	sess := r.sessions[desktopDeviceID]
	if sess == nil {
		return nil
	}
	out := make([]string, 0, len(sess.LinkedMobiles))
	for _, m := range sess.LinkedMobiles {
		out = append(out, m.SessionToken)
	}
	return out
}

// DeviceList builds the wire snapshot of a desktop's linked mobiles.
func (r *Registry) DeviceList(desktopDeviceID string) []protocol.LinkedDevice {
	sess := r.sessions[desktopDeviceID]
	if sess == nil {
		return nil
	}
	out := make([]protocol.LinkedDevice, 0, len(sess.LinkedMobiles))
	for _, m := range sess.LinkedMobiles {
		out = append(out, protocol.LinkedDevice{
			ID:         m.ID,
			Name:       m.Name,
			DeviceType: m.DeviceType,
			PairedAt:   m.PairedAt.Format(time.RFC3339),
			LastSeen:   m.LastSeen.Format(time.RFC3339),
		})
	}
	return out
}

func (r *Registry) persist(sess *snapshot.Session) {
	if r.store == nil {
		return
	}
	r.store.SaveAsync(sess)
}
