// Package commitlog implements the durable, gap-free log of committed
// requests and the checkpoint state derived from it.
package commitlog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core/logging"
)

var (
	// ErrDuplicate is returned when the appended entry is already committed.
	ErrDuplicate = errors.New("entry already committed")
	// ErrDigestMismatch is returned when an append conflicts with the digest
	// already committed at the same sequence number.
	ErrDigestMismatch = errors.New("conflicting digest for committed sequence")
	// ErrRequestMismatch is returned when the appended request does not hash
	// to the certified digest.
	ErrRequestMismatch = errors.New("request does not match the certified digest")
	// ErrStateDivergence is returned when a checkpoint certificate disagrees
	// with the local state digest. The local log cannot be reconciled with the
	// quorum and the replica must halt.
	ErrStateDivergence = errors.New("checkpoint state digest conflicts with the local log")
)

// SequenceGapError is returned when an append would leave a gap in the log.
type SequenceGapError struct {
	Want nbft.Sequence
	Got  nbft.Sequence
}

func (err *SequenceGapError) Error() string {
	return fmt.Sprintf("append out of order: want seq %d, got %d", err.Want, err.Got)
}

// Log is the replicated log of committed requests. Entries are appended
// strictly in sequence order, and each append extends the state digest chain
// over the committed prefix.
type Log struct {
	mut    sync.Mutex
	logger logging.Logger
	store  *Store

	committed   nbft.Sequence
	stateDigest nbft.Hash
	stable      nbft.CheckpointCert
}

// New returns a log backed by the given store, restoring the committed
// sequence and checkpoint state from it.
func New(store *Store, logger logging.Logger) (*Log, error) {
	l := &Log{
		logger: logger,
		store:  store,
	}
	last, ok, err := store.LastEntry()
	if err != nil {
		return nil, fmt.Errorf("failed to restore log: %w", err)
	}
	if ok {
		l.committed = last.Seq
		l.stateDigest = last.StateDigest
	}
	stable, ok, err := store.Checkpoint()
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	if ok {
		l.stable = stable
	}
	return l, nil
}

// Append commits the request at the certificate's sequence number and returns
// the stored entry. Append is idempotent: committing the digest already
// committed at a sequence returns the stored entry and ErrDuplicate. An
// append that would skip a sequence returns a SequenceGapError, and an append
// that conflicts with a committed digest returns ErrDigestMismatch.
func (l *Log) Append(request nbft.Request, cert nbft.CommitCert) (nbft.LogEntry, error) {
	l.mut.Lock()
	defer l.mut.Unlock()

	seq := cert.Seq()
	if seq <= l.committed {
		entry, ok, err := l.store.Entry(seq)
		if err != nil {
			return nbft.LogEntry{}, err
		}
		if !ok {
			return nbft.LogEntry{}, fmt.Errorf("no entry stored at committed sequence %d", seq)
		}
		if entry.Digest != cert.Digest() {
			return nbft.LogEntry{}, ErrDigestMismatch
		}
		return entry, ErrDuplicate
	}
	if seq != l.committed+1 {
		return nbft.LogEntry{}, &SequenceGapError{Want: l.committed + 1, Got: seq}
	}
	if request.Digest() != cert.Digest() {
		return nbft.LogEntry{}, ErrRequestMismatch
	}

	entry := nbft.LogEntry{
		Seq:         seq,
		Request:     request,
		Digest:      cert.Digest(),
		Cert:        cert,
		StateDigest: nbft.ChainHash(l.stateDigest, cert.Digest()),
	}
	if err := l.store.PutEntry(entry); err != nil {
		return nbft.LogEntry{}, fmt.Errorf("failed to persist entry %d: %w", seq, err)
	}
	l.committed = seq
	l.stateDigest = entry.StateDigest
	l.logger.Debugf("Append: %v", entry)
	return entry, nil
}

// Get returns the committed entry at the given sequence number.
func (l *Log) Get(seq nbft.Sequence) (nbft.LogEntry, bool) {
	entry, ok, err := l.store.Entry(seq)
	if err != nil {
		l.logger.Errorf("failed to read entry %d: %v", seq, err)
		return nbft.LogEntry{}, false
	}
	return entry, ok
}

// Entries returns the committed entries in [from, to].
// A zero 'to' means everything committed from 'from' onward.
func (l *Log) Entries(from, to nbft.Sequence) ([]nbft.LogEntry, error) {
	l.mut.Lock()
	if to == 0 || to > l.committed {
		to = l.committed
	}
	l.mut.Unlock()
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	return l.store.Entries(from, to)
}

// scanBatchSize bounds how many entries Scan loads at a time.
const scanBatchSize = 512

// Scan calls fn for every committed entry from 'from' onward, in sequence
// order, loading entries in batches. It stops early when fn returns an error
// and returns that error.
func (l *Log) Scan(from nbft.Sequence, fn func(nbft.LogEntry) error) error {
	if from == 0 {
		from = 1
	}
	for {
		l.mut.Lock()
		committed := l.committed
		l.mut.Unlock()
		if from > committed {
			return nil
		}
		to := from + scanBatchSize - 1
		if to > committed {
			to = committed
		}
		entries, err := l.store.Entries(from, to)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
		from = to + 1
	}
}

// Checkpoint records a stable checkpoint. The certificate's state digest must
// match the local state digest at its sequence number; a mismatch means the
// local log has diverged from the quorum. Certificates at or below the
// current stable checkpoint are ignored, and a certificate above the
// committed prefix returns a SequenceGapError so that the caller can fetch
// the missing entries first.
func (l *Log) Checkpoint(cert nbft.CheckpointCert) error {
	l.mut.Lock()
	defer l.mut.Unlock()

	if cert.Seq() <= l.stable.Seq() {
		return nil
	}
	if cert.Seq() > l.committed {
		return &SequenceGapError{Want: l.committed + 1, Got: cert.Seq()}
	}
	entry, ok, err := l.store.Entry(cert.Seq())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no entry stored at checkpoint sequence %d", cert.Seq())
	}
	if entry.StateDigest != cert.StateDigest() {
		return ErrStateDivergence
	}
	if err := l.store.PutCheckpoint(cert); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	l.stable = cert
	l.logger.Infof("Checkpoint: stable at seq %d", cert.Seq())
	return nil
}

// LastCommitted returns the sequence number of the last committed entry.
func (l *Log) LastCommitted() nbft.Sequence {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.committed
}

// StateDigest returns the chained state digest over the committed prefix.
func (l *Log) StateDigest() nbft.Hash {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.stateDigest
}

// StableCheckpoint returns the latest stable checkpoint certificate.
// It is zero valued before the first checkpoint becomes stable.
func (l *Log) StableCheckpoint() nbft.CheckpointCert {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.stable
}
