package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chellapp/portal/internal/protocol"
)

// hub is the per-process coordinator. Every routing table is an owned
// field and every mutation happens inside run's event loop, so the
// tables need no locks: message handling is atomic with respect to
// other messages, and messages from one connection are processed in
// arrival order. Connection goroutines talk to the hub only through
// the events channel.
type hub struct {
	logger   *slog.Logger
	registry *Registry

	events   chan hubEvent
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Routing tables, mirrors of currently-open connections only.
	conns          map[string]*conn            // handle -> conn
	desktops       map[string]*conn            // desktop device id -> live conn
	byPassphrase   map[string]*conn            // pairing passphrase -> live desktop conn
	desktopByToken map[string]*conn            // session token -> live desktop conn
	mobilesByToken map[string]map[string]*conn // session token -> handle -> mobile conn
}

type hubEvent struct {
	kind  eventKind
	c     *conn
	frame *protocol.Frame
	raw   []byte
	query *tableQuery
}

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evClose
	evQuery
)

// TableStats is a point-in-time view of the routing tables, used by
// tests and the health endpoint to verify cleanup invariants.
type TableStats struct {
	Conns              int
	LiveDesktops       int
	PassphraseBindings int
	TokenBindings      int
	AttachedMobiles    int
}

type tableQuery struct {
	handle string
	reply  chan tableAnswer
}

type tableAnswer struct {
	stats   TableStats
	present bool
}

func newHub(registry *Registry, logger *slog.Logger) *hub {
	return &hub{
		logger:         logger,
		registry:       registry,
		events:         make(chan hubEvent, 512),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		conns:          make(map[string]*conn),
		desktops:       make(map[string]*conn),
		byPassphrase:   make(map[string]*conn),
		desktopByToken: make(map[string]*conn),
		mobilesByToken: make(map[string]map[string]*conn),
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			for _, c := range h.conns {
				c.close()
			}
			return
		case ev := <-h.events:
			switch ev.kind {
			case evConnect:
				h.conns[ev.c.handle] = ev.c
			case evFrame:
				h.dispatch(ev.c, ev.frame, ev.raw)
			case evClose:
				h.removeConn(ev.c)
			case evQuery:
				ev.query.reply <- h.answer(ev.query.handle)
			}
		}
	}
}

// shutdown is idempotent: Stop is reached both by the ctx watcher and
// by direct callers.
func (h *hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *hub) connected(c *conn) {
	h.post(hubEvent{kind: evConnect, c: c})
}

func (h *hub) disconnected(c *conn) {
	h.post(hubEvent{kind: evClose, c: c})
}

// received posts a frame; false means the hub has stopped and the
// reader should give up.
func (h *hub) received(c *conn, frame *protocol.Frame, raw []byte) bool {
	select {
	case h.events <- hubEvent{kind: evFrame, c: c, frame: frame, raw: raw}:
		return true
	case <-h.stop:
		return false
	}
}

func (h *hub) post(ev hubEvent) {
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}

// tables answers a snapshot query; present reports whether any table
// still references the handle.
func (h *hub) tables(handle string) (TableStats, bool) {
	q := &tableQuery{handle: handle, reply: make(chan tableAnswer, 1)}
	select {
	case h.events <- hubEvent{kind: evQuery, query: q}:
		ans := <-q.reply
		return ans.stats, ans.present
	case <-h.stop:
		return TableStats{}, false
	}
}

func (h *hub) answer(handle string) tableAnswer {
	stats := TableStats{
		Conns:              len(h.conns),
		LiveDesktops:       len(h.desktops),
		PassphraseBindings: len(h.byPassphrase),
		TokenBindings:      len(h.desktopByToken),
	}
	present := false
	if _, ok := h.conns[handle]; ok {
		present = true
	}
	check := func(c *conn) {
		if c != nil && c.handle == handle {
			present = true
		}
	}
	for _, c := range h.desktops {
		check(c)
	}
	for _, c := range h.byPassphrase {
		check(c)
	}
	for _, c := range h.desktopByToken {
		check(c)
	}
	for _, set := range h.mobilesByToken {
		stats.AttachedMobiles += len(set)
		for _, c := range set {
			check(c)
		}
	}
	return tableAnswer{stats: stats, present: present}
}

// dispatch is the router state machine: Open connections may only
// register or resume; everything else requires an authenticated role.
// Beyond type and routing fields the payload is opaque.
func (h *hub) dispatch(c *conn, f *protocol.Frame, raw []byte) {
	switch f.Type {
	case protocol.TypeRegisterDesktop:
		h.registerDesktop(c, f)
		return
	case protocol.TypeRegisterMobile:
		h.registerMobile(c, f)
		return
	case protocol.TypeResumeSession:
		h.resumeSession(c, f)
		return
	}

	if c.role == roleNone {
		c.sendError(protocol.CodeUnauthenticated, "register or resume before sending "+f.Type)
		return
	}

	switch f.Type {
	case protocol.TypeUnpair:
		h.unpair(c, f)
	case protocol.TypeCommand:
		h.forwardCommand(c, f)
	case protocol.TypeTerminalInput:
		if !c.inputLimiter.Allow() {
			h.logger.Warn("terminal input rate limited", "conn", c.handle)
			return
		}
		h.forwardToDesktop(c, f, raw)
	default:
		switch c.role {
		case roleMobile:
			h.forwardToDesktop(c, f, raw)
		case roleDesktop:
			h.fanOutFromDesktop(c, raw)
		}
	}
}

// registerDesktop creates or rebinds the desktop's Session, publishes
// its passphrase, and restores token routing for every already-linked
// mobile so reconnecting mobiles resolve without re-pairing.
func (h *hub) registerDesktop(c *conn, f *protocol.Frame) {
	if f.DeviceID == "" || f.PairingPassphrase == "" {
		c.sendError(protocol.CodeMalformedFrame, "register_desktop requires deviceId and pairingPassphrase")
		return
	}

	if c.role == roleMobile {
		h.detachExisting(c)
	}

	// A reconnecting desktop replaces any stale connection for the
	// same identity.
	if prev := h.desktops[f.DeviceID]; prev != nil && prev != c {
		h.logger.Info("desktop reconnected, replacing stale connection",
			"desktop", f.DeviceID, "stale", prev.handle, "conn", c.handle)
		h.unbindDesktop(prev, false)
		prev.close()
	}
	// Same connection re-registering with a rotated passphrase.
	if c.passphrase != "" && c.passphrase != f.PairingPassphrase {
		delete(h.byPassphrase, c.passphrase)
	}

	sess, revoked := h.registry.RegisterDesktop(f.DeviceID, f.DeviceName, f.PairingCode, f.PairingPassphrase)
	for _, token := range revoked {
		delete(h.desktopByToken, token)
		for _, mc := range h.mobilesByToken[token] {
			mc.sendError(protocol.CodeUnpaired, "this device has been unpaired")
			mc.close()
		}
		delete(h.mobilesByToken, token)
	}

	c.role = roleDesktop
	c.deviceID = f.DeviceID
	c.deviceName = f.DeviceName
	c.passphrase = f.PairingPassphrase
	h.desktops[f.DeviceID] = c
	h.byPassphrase[f.PairingPassphrase] = c
	attached := 0
	for _, token := range h.registry.Tokens(f.DeviceID) {
		h.desktopByToken[token] = c
		attached += len(h.mobilesByToken[token])
	}

	h.logger.Info("desktop registered",
		"desktop", f.DeviceID, "name", f.DeviceName, "linked", len(sess.LinkedMobiles))

	h.pushDeviceList(c)
	if attached > 0 {
		// Mobiles were already waiting on this session; ask the
		// desktop for a snapshot on their behalf.
		c.sendFrame(protocol.New(protocol.TypeRequestStatus))
	}
}

// registerMobile consumes a published passphrase. The passphrase is
// only valid while its owning desktop connection is live; stale
// secrets are rejected.
func (h *hub) registerMobile(c *conn, f *protocol.Frame) {
	passphrase := f.Passphrase
	if passphrase == "" {
		passphrase = f.PairingPassphrase
	}
	dc := h.byPassphrase[passphrase]
	if passphrase == "" || dc == nil {
		h.logger.Info("pairing rejected", "conn", c.handle)
		resp := protocol.New(protocol.TypePairResponse)
		resp.Success = protocol.Bool(false)
		resp.Error = "Invalid pairing passphrase"
		c.sendFrame(resp)
		return
	}

	mobileID := f.DeviceID
	if mobileID == "" {
		mobileID = uuid.NewString()
	}
	token, sess, err := h.registry.AddMobile(dc.deviceID, mobileID, f.DeviceName, "mobile")
	if err != nil {
		c.sendFrame(protocol.NewError(err))
		return
	}

	h.detachExisting(c)
	c.role = roleMobile
	c.deviceID = mobileID
	c.deviceName = f.DeviceName
	c.sessionToken = token
	h.attachMobile(token, c)
	h.desktopByToken[token] = dc

	h.logger.Info("mobile paired",
		"desktop", dc.deviceID, "mobile", mobileID, "conn", c.handle)

	resp := protocol.New(protocol.TypePairResponse)
	resp.Success = protocol.Bool(true)
	resp.SessionToken = token
	resp.DesktopDeviceID = sess.DesktopDeviceID
	resp.DesktopName = sess.DesktopDeviceName
	c.sendFrame(resp)

	h.pushDeviceList(dc)
}

// resumeSession re-authenticates a mobile by token alone. When the
// desktop is live the relay requests a status snapshot on the mobile's
// behalf so its UI is current after the reconnect; otherwise the
// mobile immediately learns the desktop is disconnected.
func (h *hub) resumeSession(c *conn, f *protocol.Frame) {
	ref, err := h.registry.ResolveToken(f.SessionToken)
	if err != nil {
		c.sendError(protocol.ErrorCode(err), "session token is not recognized")
		return
	}
	h.registry.TouchMobile(f.SessionToken)

	h.detachExisting(c)
	c.role = roleMobile
	c.deviceID = ref.mobileDeviceID
	if f.DeviceID != "" {
		c.deviceID = f.DeviceID
	}
	c.sessionToken = f.SessionToken
	h.attachMobile(f.SessionToken, c)

	sess := h.registry.Session(ref.desktopDeviceID)
	resp := protocol.New(protocol.TypePairResponse)
	resp.Success = protocol.Bool(true)
	resp.SessionToken = f.SessionToken
	resp.DesktopDeviceID = ref.desktopDeviceID
	if sess != nil {
		resp.DesktopName = sess.DesktopDeviceName
	}
	c.sendFrame(resp)

	if dc := h.desktopByToken[f.SessionToken]; dc != nil {
		dc.sendFrame(protocol.New(protocol.TypeRequestStatus))
	} else {
		offline := protocol.New(protocol.TypeStatusUpdate)
		offline.ConnectionStatus = "disconnected"
		c.sendFrame(offline)
	}

	h.logger.Info("mobile resumed",
		"desktop", ref.desktopDeviceID, "mobile", c.deviceID, "conn", c.handle)
}

// unpair revokes a LinkedDevice, closes its live connections with an
// UNPAIRED reason, and refreshes the desktop's device list.
func (h *hub) unpair(c *conn, f *protocol.Frame) {
	var desktopID, mobileID string
	switch c.role {
	case roleDesktop:
		desktopID = c.deviceID
		mobileID = f.DeviceID
	case roleMobile:
		ref, err := h.registry.ResolveToken(c.sessionToken)
		if err != nil {
			c.sendError(protocol.ErrorCode(err), "session token is not recognized")
			return
		}
		desktopID = ref.desktopDeviceID
		mobileID = ref.mobileDeviceID
		if f.DeviceID != "" {
			mobileID = f.DeviceID
		}
	}
	revoked, _, err := h.registry.Unpair(desktopID, mobileID)
	if err != nil {
		c.sendError(protocol.ErrorCode(err), "no such linked device")
		return
	}

	delete(h.desktopByToken, revoked)
	for _, mc := range h.mobilesByToken[revoked] {
		mc.sendError(protocol.CodeUnpaired, "this device has been unpaired")
		mc.close()
	}
	delete(h.mobilesByToken, revoked)

	h.logger.Info("device unpaired", "desktop", desktopID, "mobile", mobileID)
	if dc := h.desktops[desktopID]; dc != nil {
		h.pushDeviceList(dc)
	}
}

// forwardCommand relays a mobile command to its desktop, tagging the
// forwarded copy with the originating connection's identity so the
// response path needs no per-request routing state.
func (h *hub) forwardCommand(c *conn, f *protocol.Frame) {
	if c.role != roleMobile {
		c.sendError(protocol.CodeUnauthenticated, "command frames originate from mobiles")
		return
	}
	dc := h.desktopByToken[c.sessionToken]
	if dc == nil {
		h.sendDesktopOffline(c, f.RequestID)
		return
	}
	f.SourceDeviceID = c.deviceID
	data, err := json.Marshal(f)
	if err != nil {
		c.sendError(protocol.CodeMalformedFrame, "command could not be re-encoded")
		return
	}
	dc.sendRaw(data)
}

// forwardToDesktop relays any other mobile-originated frame verbatim.
func (h *hub) forwardToDesktop(c *conn, f *protocol.Frame, raw []byte) {
	if c.role != roleMobile {
		// Desktop-originated traffic of these types fans out instead.
		h.fanOutFromDesktop(c, raw)
		return
	}
	dc := h.desktopByToken[c.sessionToken]
	if dc == nil {
		h.sendDesktopOffline(c, f.RequestID)
		return
	}
	dc.sendRaw(raw)
}

// fanOutFromDesktop delivers a desktop-originated frame to every
// mobile currently attached to any of the desktop's session tokens.
// Delivery is unconditional: command responses included, so clients
// filter by requestId.
func (h *hub) fanOutFromDesktop(c *conn, raw []byte) {
	for token, dc := range h.desktopByToken {
		if dc != c {
			continue
		}
		for _, mc := range h.mobilesByToken[token] {
			mc.sendRaw(raw)
		}
	}
}

func (h *hub) sendDesktopOffline(c *conn, requestID string) {
	f := protocol.New(protocol.TypeError)
	f.Code = protocol.CodeDesktopOffline
	f.Message = "no desktop is connected for this session"
	f.RequestID = requestID
	c.sendFrame(f)
}

func (h *hub) pushDeviceList(dc *conn) {
	f := protocol.New(protocol.TypeDeviceList)
	f.Devices = h.registry.DeviceList(dc.deviceID)
	if f.Devices == nil {
		f.Devices = []protocol.LinkedDevice{}
	}
	dc.sendFrame(f)
}

// detachExisting erases a connection's current table membership so
// re-authenticating under a new role or token never leaves a stale
// entry behind. The tables must exactly mirror open connections.
func (h *hub) detachExisting(c *conn) {
	switch c.role {
	case roleDesktop:
		h.unbindDesktop(c, true)
	case roleMobile:
		if set := h.mobilesByToken[c.sessionToken]; set != nil {
			delete(set, c.handle)
			if len(set) == 0 {
				delete(h.mobilesByToken, c.sessionToken)
			}
		}
	}
	c.role = roleNone
	c.sessionToken = ""
	c.passphrase = ""
}

func (h *hub) attachMobile(token string, c *conn) {
	set := h.mobilesByToken[token]
	if set == nil {
		set = make(map[string]*conn)
		h.mobilesByToken[token] = set
	}
	set[c.handle] = c
}

// removeConn erases every table entry for a closed connection. A
// desktop close also tells its mobiles the session went dark; a mobile
// close touches nothing but its own membership.
func (h *hub) removeConn(c *conn) {
	delete(h.conns, c.handle)
	role := c.role
	h.detachExisting(c)
	h.logger.Debug("connection closed", "conn", c.handle, "role", role.String(), "open", len(h.conns))
}

func (h *hub) unbindDesktop(c *conn, notify bool) {
	if h.desktops[c.deviceID] == c {
		delete(h.desktops, c.deviceID)
	}
	if h.byPassphrase[c.passphrase] == c {
		delete(h.byPassphrase, c.passphrase)
	}
	for token, dc := range h.desktopByToken {
		if dc != c {
			continue
		}
		delete(h.desktopByToken, token)
		if !notify {
			continue
		}
		offline := protocol.New(protocol.TypeStatusUpdate)
		offline.ConnectionStatus = "disconnected"
		data, err := json.Marshal(offline)
		if err != nil {
			continue
		}
		for _, mc := range h.mobilesByToken[token] {
			mc.sendRaw(data)
		}
	}
}
