package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamOptions describe how to mirror snapshots into NATS
// JetStream. The stream keeps only the latest snapshot per desktop.
type JetStreamOptions struct {
	URL      string
	User     string
	Password string
	Stream   string
	Subject  string
	MaxBytes int64
}

func (o *JetStreamOptions) setDefaults() {
	if o.Stream == "" {
		o.Stream = "portal_sessions"
	}
	if o.Subject == "" {
		o.Subject = "portal.sessions"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 * 1024 * 1024 * 1024 // 1GB
	}
}

// mirrorEvent is the JetStream payload: a full session snapshot, or a
// tombstone when Session is nil.
type mirrorEvent struct {
	DesktopDeviceID string    `json:"desktopDeviceId"`
	Session         *Session  `json:"session,omitempty"`
	Version         uint64    `json:"version"`
	EmittedAt       time.Time `json:"emittedAt"`
}

type jetStreamMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *JetStreamOptions
	logger *slog.Logger
}

func newJetStreamMirror(opts *JetStreamOptions, logger *slog.Logger) (*jetStreamMirror, error) {
	cfg := *opts
	cfg.setDefaults()
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("portal-relay")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &jetStreamMirror{conn: conn, js: js, opts: &cfg, logger: logger}
	if err := m.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *jetStreamMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
}

func (m *jetStreamMirror) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:              m.opts.Stream,
		Subjects:          []string{m.wildcard()},
		Storage:           nats.FileStorage,
		Retention:         nats.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxBytes:          m.opts.MaxBytes,
		Discard:           nats.DiscardOld,
	}
	if _, err := m.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg)
	return err
}

// hydrate replays the latest snapshot per desktop into the local store
// before the registry loads from disk.
func (m *jetStreamMirror) hydrate(st *Store) error {
	sub, err := m.js.PullSubscribe(
		m.wildcard(),
		"",
		nats.BindStream(m.opts.Stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	for {
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			var evt mirrorEvent
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				m.logger.Error("snapshot replay decode", "err", err)
				_ = msg.Ack()
				continue
			}
			st.applyMirrored(evt.DesktopDeviceID, evt.Session, evt.Version)
			_ = msg.Ack()
		}
		if len(msgs) == 0 {
			return nil
		}
	}
}

func (m *jetStreamMirror) publish(deviceID string, sess *Session, version uint64) error {
	payload, err := json.Marshal(mirrorEvent{
		DesktopDeviceID: deviceID,
		Session:         sess,
		Version:         version,
		EmittedAt:       time.Now(),
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", m.opts.Subject, deviceID)
	msgID := fmt.Sprintf("session:%s:%d", deviceID, version)
	_, err = m.js.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) wildcard() string {
	return m.opts.Subject + ".*"
}
