package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// Parse decodes and validates a received frame, per design §4.1's
// On-receive rules: reject on version mismatch, unsupported type, missing
// required fields, failed checksum, or exceeded ttl.
func Parse(frame []byte, now time.Time) (*Envelope, error) {
	if len(frame) > MaxFrameSize {
		return nil, model.ErrProtocolInvalidf(fmt.Errorf("frame exceeds max size"))
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, model.ErrProtocolInvalidf(fmt.Errorf("decode envelope: %w", err))
	}

	if env.Version != ProtocolVersion {
		return nil, model.ErrProtocolInvalidf(fmt.Errorf("unsupported version %q", env.Version))
	}
	if env.ID == "" || env.Timestamp == 0 {
		return nil, model.ErrProtocolInvalidf(fmt.Errorf("missing required field"))
	}
	if !knownTypes[env.Type] {
		return nil, model.ErrProtocolInvalidf(fmt.Errorf("unsupported type %q", env.Type))
	}
	if env.Checksum == "" {
		return nil, model.ErrProtocolInvalidf(fmt.Errorf("missing checksum"))
	}

	want := checksum(env.Type, env.ID, env.Timestamp, env.Payload)
	if want != env.Checksum {
		return nil, model.ErrProtocolIntegrityf(fmt.Errorf("checksum mismatch for %s", env.ID))
	}

	if env.Metadata.TTLMs > 0 {
		deadline := time.UnixMilli(env.Timestamp).Add(time.Duration(env.Metadata.TTLMs) * time.Millisecond)
		if now.After(deadline) {
			return nil, model.ErrProtocolExpiredf(fmt.Errorf("envelope %s expired at %s", env.ID, deadline))
		}
	}

	return &env, nil
}
