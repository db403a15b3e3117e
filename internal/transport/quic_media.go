package transport

import (
	"context"

	"github.com/quic-go/webtransport-go"
)

// quicMediaSender adapts a webtransport-go session to MediaSender, the
// hybrid-upgrade path's audio datagram channel. Grounded on
// rustyguts-bken/server/client.go's sessionCloser/SendDatagram usage.
type quicMediaSender struct {
	sess *webtransport.Session
}

// NewQUICMediaSender wraps an already-established WebTransport session.
// The caller is responsible for completing the WebTransport handshake
// (typically via an http3 server's upgrade path) before constructing this.
func NewQUICMediaSender(sess *webtransport.Session) MediaSender {
	return &quicMediaSender{sess: sess}
}

func (q *quicMediaSender) SendDatagram(payload []byte) error {
	return q.sess.SendDatagram(payload)
}

func (q *quicMediaSender) Close() error {
	return q.sess.CloseWithError(0, "session closed")
}

// ReadDatagrams pumps inbound audio datagrams from sess to onDatagram until
// the session closes or ctx is canceled, mirroring the teacher's
// readDatagrams relay goroutine in rustyguts-bken/server/client.go.
func ReadDatagrams(ctx context.Context, sess *webtransport.Session, onDatagram func(payload []byte)) {
	for {
		dgram, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		onDatagram(dgram)
	}
}
