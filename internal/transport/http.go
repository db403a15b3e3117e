package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ninjacall/voicecore/internal/model"
)

// MuxConfig wires the /ws admission endpoint for the always-present
// reliable-message transport. It has no WebTransport (/wt) endpoint; a
// hybrid session needs a MediaSender handed to UpgradeToMedia. Grounded
// on the echo router setup in rustyguts-bken/server/internal/ws/handler.go
// combined with the plain net/http mux in rustyguts-bken/server/server.go.
type MuxConfig struct {
	Manager   *Manager
	Admission func(r *http.Request) (userID, callID, sessionID string, err error)
	OnSession func(sess *Session)
	// OnFrame, if set, is called for every inbound reliable-transport
	// frame once a session is admitted. The handler goroutine blocks
	// pumping frames to it until the connection closes, mirroring the
	// teacher's one-goroutine-per-client read loop.
	OnFrame func(sess *Session, frame []byte)
	// OnClose, if set, runs once the read loop exits, immediately before
	// the session is terminated, so a caller can release any per-session
	// state it built up in OnFrame.
	OnClose func(sess *Session)
}

// NewMux builds an Echo router exposing /ws only. No WebTransport (/wt)
// route is registered here or by cmd/voicecore; NewQUICMediaSender wraps a
// WebTransport session that is already established by other means.
func NewMux(cfg MuxConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", func(c echo.Context) error {
		return handleWSUpgrade(c, cfg)
	})
	return e
}

func handleWSUpgrade(c echo.Context, cfg MuxConfig) error {
	userID, callID, sessionID, err := cfg.Admission(c.Request())
	if err != nil {
		slog.Warn("transport admission rejected", "err", err)
		return c.String(http.StatusUnauthorized, "admission rejected")
	}

	conn, err := Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return err
	}

	sender := newWSReliableSender(conn)
	sess, err := cfg.Manager.Admit(userID, callID, sessionID, sender, func(s model.Session) {
		slog.Debug("session state change", "session", s.SessionID, "state", s.State)
	})
	if err != nil {
		slog.Warn("session admission rejected", "user_id", userID, "call_id", callID, "err", err)
		_ = conn.Close()
		return nil
	}
	sess.Connected(time.Now())
	slog.Info("session connected", "session", sess.SessionID, "user_id", userID, "call_id", callID)

	if cfg.OnSession != nil {
		cfg.OnSession(sess)
	}

	if cfg.OnFrame != nil {
		ReadLoop(conn, func(frame []byte) bool {
			cfg.OnFrame(sess, frame)
			return true
		})
	}
	if cfg.OnClose != nil {
		cfg.OnClose(sess)
	}
	sess.Terminate("connection closed")
	return nil
}
