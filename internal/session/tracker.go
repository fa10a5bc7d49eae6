// Package session tracks per-connection protocol state: inbound sequencing,
// msgId deduplication and the outbound push counter.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/ttlcache"
)

// Discipline selects how inbound seq values are enforced.
type Discipline string

const (
	// DisciplineExact requires seq == expectedSeq and detects gaps.
	DisciplineExact Discipline = "exact"
	// DisciplineMonotonic accepts any seq greater than the last accepted one
	// and rejects the rest as replays.
	DisciplineMonotonic Discipline = "monotonic"
)

func ParseDiscipline(raw string) (Discipline, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(DisciplineExact):
		return DisciplineExact, nil
	case string(DisciplineMonotonic):
		return DisciplineMonotonic, nil
	default:
		return "", fmt.Errorf("invalid seq discipline %q (expected exact or monotonic)", raw)
	}
}

type Verdict int

const (
	// VerdictAccept means the frame should be dispatched.
	VerdictAccept Verdict = iota
	// VerdictDuplicate means the msgId was already processed; the caller
	// answers ACK{ok:true} and does nothing else.
	VerdictDuplicate
)

type Config struct {
	Discipline Discipline
	DedupTTL   time.Duration
	// DedupMaxEntries bounds the per-connection seen set.
	DedupMaxEntries int
	Now             func() time.Time
}

// Tracker holds sequencing state for one connection. Frames for a connection
// are processed by a single goroutine, but pushes to the connection come from
// other connections' goroutines, so the outbound counter is locked.
type Tracker struct {
	discipline  Discipline
	seen        *ttlcache.Cache
	expectedSeq int64

	outMu  sync.Mutex
	outSeq int64
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Discipline == "" {
		cfg.Discipline = DisciplineExact
	}
	return &Tracker{
		discipline:  cfg.Discipline,
		seen:        ttlcache.NewWithClock(cfg.DedupTTL, cfg.DedupMaxEntries, cfg.Now),
		expectedSeq: 1,
		outSeq:      1,
	}
}

// Seen exposes the dedup set so a process-wide sweeper can prune it.
func (t *Tracker) Seen() *ttlcache.Cache { return t.seen }

// ExpectedSeq is the next inbound seq the exact discipline will accept.
func (t *Tracker) ExpectedSeq() int64 { return t.expectedSeq }

// Check runs dedup then sequencing for env without mutating any state.
// Frames carrying an ack, or no seq, are exempt from sequencing.
func (t *Tracker) Check(env protocol.Envelope) (Verdict, error) {
	if t.seen.Contains(env.MsgID) {
		return VerdictDuplicate, nil
	}
	if env.Ack != nil || env.Seq == nil {
		return VerdictAccept, nil
	}
	seq := *env.Seq
	switch t.discipline {
	case DisciplineMonotonic:
		if seq < t.expectedSeq {
			return VerdictAccept, protocol.NewError(protocol.CodeReplayDetected, "seq is not monotonic").
				With("lastAccepted", t.expectedSeq-1).
				With("got", seq)
		}
	default:
		if seq != t.expectedSeq {
			return VerdictAccept, protocol.NewError(protocol.CodeSeqOutOfOrder, "unexpected seq").
				With("expected", t.expectedSeq).
				With("got", seq)
		}
	}
	return VerdictAccept, nil
}

// Advance consumes env's seq. Call only for frames that passed Check; the
// seq is spent whether or not the handler succeeds.
func (t *Tracker) Advance(env protocol.Envelope) {
	if env.Ack != nil || env.Seq == nil {
		return
	}
	t.expectedSeq = *env.Seq + 1
}

// Remember adds msgID to the dedup window. Only successfully handled frames
// are remembered so a retransmit of a rejected frame is processed again.
func (t *Tracker) Remember(msgID string) {
	t.seen.Set(msgID, nil)
}

// NextOutboundSeq returns the seq for the next server push.
func (t *Tracker) NextOutboundSeq() int64 {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	seq := t.outSeq
	t.outSeq++
	return seq
}

// ResumeFrom carries inbound sequencing over from a previous connection of
// the same device so retransmits after a reconnect keep their seq.
func (t *Tracker) ResumeFrom(prev *Tracker) {
	t.expectedSeq = prev.expectedSeq
	for _, id := range prev.seen.Keys() {
		t.seen.Set(id, nil)
	}
}
