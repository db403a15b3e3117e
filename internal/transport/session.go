// Package transport implements design §4.3: admits an externally
// authenticated connection and produces a managed Session that rides a
// reliable-message transport (gorilla/websocket) with an optional upgrade
// to a lower-latency peer media transport (quic-go/webtransport-go) for
// audio datagrams. It is grounded on the teacher's dual-transport split in
// rustyguts-bken/server/client.go (control stream over one transport,
// datagrams over another) and the session bookkeeping in
// rustyguts-bken/server/room.go.
package transport

import (
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// MediaSender is implemented by whatever carries low-latency audio once a
// session has upgraded to hybrid. quicMediaSender (quic_media.go) is the
// production implementation over a webtransport-go session.
type MediaSender interface {
	SendDatagram(payload []byte) error
	Close() error
}

// ReliableSender is implemented by whatever carries framed control/text
// messages. wsReliableSender (ws_reliable.go) is the production
// implementation over a gorilla/websocket connection.
type ReliableSender interface {
	SendFrame(payload []byte) error
	Close() error
}

// TransferEvent is delivered to a session's cross-instance subscription per
// design §4.3; the session translates it into a protocol message toward
// the peer and a state transition.
type TransferEvent struct {
	Kind   TransferKind
	CallID string
	Reason string
}

type TransferKind string

const (
	TransferCall    TransferKind = "callTransfer"
	TerminateCall   TransferKind = "callTerminate"
)

// Subscriber is the cross-instance channel a Session listens on for
// callTransfer/callTerminate events injected by external systems (e.g. a
// carrier signaling bridge or an operator console), kept abstract here
// since pub/sub transport is out of scope.
type Subscriber interface {
	Subscribe(callID string) (events <-chan TransferEvent, unsubscribe func())
}

// Config bounds session behavior.
type Config struct {
	IdleTimeout     time.Duration
	PreferMedia     bool // attempt hybrid upgrade when the peer negotiates media
	FallbackOnError bool // revert to reliable-only if media fails mid-session
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:     60 * time.Second,
		PreferMedia:     true,
		FallbackOnError: true,
	}
}

// Session is one admitted connection's managed lifecycle, per design §3/§4.3.
type Session struct {
	mu sync.Mutex

	model.Session

	cfg      Config
	reliable ReliableSender
	media    MediaSender // nil until/unless upgraded to hybrid

	unsubscribe func()
	onStateChange func(model.Session)
}

// New creates a Session in state "new" bound to a reliable transport.
// kind reflects the session's starting transport; it becomes "hybrid" once
// UpgradeToMedia succeeds.
func New(sess model.Session, cfg Config, reliable ReliableSender, onStateChange func(model.Session)) *Session {
	sess.State = model.SessionNew
	sess.TransportKind = model.TransportReliable
	return &Session{
		Session:       sess,
		cfg:           cfg,
		reliable:      reliable,
		onStateChange: onStateChange,
	}
}

// Connected transitions new -> connected, marking the session live.
func (s *Session) Connected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = model.SessionConnected
	s.LastActivityAt = now
	s.notifyLocked()
}

// UpgradeToMedia attempts the hybrid upgrade described in design §4.3: if
// cfg.PreferMedia is set and media negotiation succeeded (the caller
// already completed the WebTransport handshake and hands us the sender),
// the session becomes hybrid. Audio is expected to flow over media from
// this point; control/text keep using the reliable transport.
func (s *Session) UpgradeToMedia(media MediaSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.PreferMedia {
		media.Close()
		return
	}
	s.media = media
	s.TransportKind = model.TransportHybrid
	s.notifyLocked()
}

// SendAudio routes an audio payload over the media transport when hybrid,
// falling back to the reliable transport otherwise (or on media failure,
// when fallback is enabled).
func (s *Session) SendAudio(payload []byte) error {
	s.mu.Lock()
	media := s.media
	fallback := s.cfg.FallbackOnError
	s.mu.Unlock()

	if media != nil {
		if err := media.SendDatagram(payload); err != nil {
			if !fallback {
				return model.ErrTransportFailedf(err)
			}
			s.demoteFromHybrid()
			return s.reliable.SendFrame(payload)
		}
		return nil
	}
	return s.reliable.SendFrame(payload)
}

// SendControl always rides the reliable transport.
func (s *Session) SendControl(frame []byte) error {
	return s.reliable.SendFrame(frame)
}

func (s *Session) demoteFromHybrid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media != nil {
		_ = s.media.Close()
		s.media = nil
	}
	s.TransportKind = model.TransportReliable
	s.notifyLocked()
}

// Touch records inbound activity, reviving an idle session to connected.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = now
	if s.State == model.SessionIdle {
		s.State = model.SessionConnected
	}
	s.notifyLocked()
}

// CheckIdle transitions connected -> idle once IdleTimeout has elapsed
// since the last activity. Call periodically from a sweeper.
func (s *Session) CheckIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == model.SessionConnected && now.Sub(s.LastActivityAt) >= s.cfg.IdleTimeout {
		s.State = model.SessionIdle
		s.notifyLocked()
	}
}

// HandleTransferEvent translates a cross-instance TransferEvent into a
// state transition, per design §4.3.
func (s *Session) HandleTransferEvent(ev TransferEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case TransferCall:
		s.State = model.SessionTransferring
	case TerminateCall:
		s.State = model.SessionTerminated
	}
	s.notifyLocked()
}

// BindSubscription attaches the cross-instance subscription; events are
// consumed on a background goroutine until a callTerminate event arrives
// or the event channel is closed. Terminate calls the subscription's
// unsubscribe function.
func (s *Session) BindSubscription(sub Subscriber) {
	events, unsubscribe := sub.Subscribe(s.CallID)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	go func() {
		for ev := range events {
			s.HandleTransferEvent(ev)
			if ev.Kind == TerminateCall {
				return
			}
		}
	}()
}

// Terminate closes both transports, clears the subscription, and marks the
// session terminated. Safe to call multiple times.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	media := s.media
	unsubscribe := s.unsubscribe
	alreadyTerminated := s.State == model.SessionTerminated
	s.State = model.SessionTerminated
	s.media = nil
	s.unsubscribe = nil
	s.mu.Unlock()

	if alreadyTerminated {
		return
	}
	if media != nil {
		_ = media.Close()
	}
	if s.reliable != nil {
		_ = s.reliable.Close()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.mu.Lock()
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Session) notifyLocked() {
	if s.onStateChange != nil {
		s.onStateChange(s.Session)
	}
}

// Snapshot returns a copy of the underlying model.Session for callers that
// need to read state without holding the Session's lock.
func (s *Session) Snapshot() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Session
}
