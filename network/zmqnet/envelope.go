package zmqnet

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/network/wire"
)

// Message type tags carried in the envelope.
const (
	typePropose      = "propose"
	typeVote         = "vote"
	typeViewChange   = "view_change"
	typeNewView      = "new_view"
	typeCheckpoint   = "checkpoint"
	typeFetchEntries = "fetch_entries"
	typeEntries      = "entries"
)

// Envelope frames every message on the wire. The nonce and timestamp feed the
// receiver's replay cache; authentication is carried by the signatures inside
// the payload, not by the envelope.
type Envelope struct {
	Type      string          `json:"type"`
	From      uint32          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce"`
}

// nonceSeq disambiguates envelopes sent within the same nanosecond.
var nonceSeq atomic.Uint64

func encodeEnvelope(from nbft.ID, msg any) ([]byte, error) {
	var (
		typ     string
		payload any
	)
	switch m := msg.(type) {
	case nbft.ProposeMsg:
		typ, payload = typePropose, wire.ProposalToWire(m)
	case nbft.VoteMsg:
		typ, payload = typeVote, wire.VoteMsgToWire(m)
	case nbft.ViewChangeMsg:
		typ, payload = typeViewChange, wire.ViewChangeToWire(m)
	case nbft.NewViewMsg:
		typ, payload = typeNewView, wire.NewViewToWire(m)
	case nbft.CheckpointMsg:
		typ, payload = typeCheckpoint, wire.CheckpointMsgToWire(m)
	case nbft.FetchEntriesMsg:
		typ, payload = typeFetchEntries, wire.FetchEntriesToWire(m)
	case nbft.EntriesMsg:
		typ, payload = typeEntries, wire.EntriesToWire(m)
	default:
		return nil, fmt.Errorf("zmqnet: cannot send message of type %T", msg)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return json.Marshal(Envelope{
		Type:      typ,
		From:      uint32(from),
		Payload:   raw,
		Timestamp: now,
		Nonce:     fmt.Sprintf("%d-%d-%d", now.UnixNano(), from, nonceSeq.Add(1)),
	})
}

// decodeEnvelope parses an envelope and restores the protocol message it
// carries.
func decodeEnvelope(data []byte) (env Envelope, event any, err error) {
	if err = json.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("zmqnet: bad envelope: %w", err)
	}
	switch env.Type {
	case typePropose:
		var msg wire.Proposal
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event, err = wire.ProposalFromWire(msg)
		}
	case typeVote:
		var msg wire.VoteMsg
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event, err = wire.VoteMsgFromWire(msg)
		}
	case typeViewChange:
		var msg wire.ViewChange
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event, err = wire.ViewChangeFromWire(msg)
		}
	case typeNewView:
		var msg wire.NewView
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event, err = wire.NewViewFromWire(msg)
		}
	case typeCheckpoint:
		var msg wire.CheckpointMsg
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event, err = wire.CheckpointMsgFromWire(msg)
		}
	case typeFetchEntries:
		var msg wire.FetchEntries
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event = wire.FetchEntriesFromWire(msg)
		}
	case typeEntries:
		var msg wire.Entries
		if err = json.Unmarshal(env.Payload, &msg); err == nil {
			event, err = wire.EntriesFromWire(msg)
		}
	default:
		err = fmt.Errorf("zmqnet: unknown message type %q", env.Type)
	}
	if err != nil {
		return env, nil, err
	}
	return env, event, nil
}

// replayCache remembers message nonces for a tolerance window. Messages with
// a seen nonce, or ones older than the window, are rejected.
type replayCache struct {
	mut       sync.Mutex
	tolerance time.Duration
	seen      map[string]time.Time
}

func newReplayCache(tolerance time.Duration) *replayCache {
	return &replayCache{
		tolerance: tolerance,
		seen:      make(map[string]time.Time),
	}
}

// admit returns true the first time a nonce is seen within the tolerance
// window. Messages without a nonce are rejected.
func (c *replayCache) admit(nonce string, sent time.Time) bool {
	if nonce == "" {
		return false
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if _, ok := c.seen[nonce]; ok {
		return false
	}
	if time.Since(sent) > c.tolerance {
		return false
	}
	c.seen[nonce] = time.Now()
	return true
}

// clean drops cache entries older than the tolerance window.
func (c *replayCache) clean(now time.Time) {
	c.mut.Lock()
	defer c.mut.Unlock()
	cutoff := now.Add(-c.tolerance)
	for nonce, seen := range c.seen {
		if seen.Before(cutoff) {
			delete(c.seen, nonce)
		}
	}
}
