package envelope

import (
	"time"
)

// Conn binds the envelope pipeline to one connection: parsing, dedup,
// immediate-ack emission, and dispatch, in the order design §4.1
// specifies ("parse; reject ...; dedup; emit ack; dispatch").
type Conn struct {
	id       string
	registry *Registry
	dedup    *DedupTracker
	rel      *Reliability
	send     func(frame []byte) error
	clock    func() time.Time
}

// NewConn creates a Conn for connectionID. send is used both to emit
// immediate acks and to carry reliability retransmits.
func NewConn(connectionID string, registry *Registry, dedup *DedupTracker, rel *Reliability, send func(frame []byte) error) *Conn {
	return &Conn{id: connectionID, registry: registry, dedup: dedup, rel: rel, send: send, clock: time.Now}
}

// Receive processes one inbound frame: parse, dedup, ack, dispatch. It
// returns the dispatch result; a nil result with a non-nil error means the
// frame was rejected before dispatch (parse/checksum/ttl), and a nil result
// with a nil error means it was dropped as a duplicate.
func (c *Conn) Receive(frame []byte) (*HandlerResult, error) {
	env, err := Parse(frame, c.clock())
	if err != nil {
		return nil, err
	}

	if env.Type == TypeAck {
		c.rel.Ack(env.Metadata.CorrelationID)
		return &HandlerResult{Handled: true}, nil
	}

	if c.dedup.Seen(c.id, env.ID) {
		return nil, nil
	}

	if env.AckRequired {
		ack, err := NewAck(env.ID, "core", c.clock())
		if err == nil {
			if frame, merr := ack.Marshal(); merr == nil {
				_ = c.send(frame)
			}
		}
	}

	result, err := c.registry.Dispatch(env, c.id)
	return &result, err
}

// Send builds and transmits an envelope of typ carrying payload, tracking
// it for acknowledgement when ackRequired.
func (c *Conn) Send(typ MessageType, payload any, opts BuildOptions) (*Envelope, error) {
	env, err := New(typ, payload, opts)
	if err != nil {
		return nil, err
	}
	frame, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if err := c.send(frame); err != nil {
		return nil, err
	}
	c.rel.Track(env, c.id, c.send)
	return env, nil
}

// Close releases dedup state held for this connection.
func (c *Conn) Close() {
	c.dedup.Forget(c.id)
}
