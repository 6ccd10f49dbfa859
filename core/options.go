package core

import "github.com/radman021/nbft"

// RuntimeOption sets a runtime configuration setting.
type RuntimeOption func(*RuntimeConfig)

// WithCheckpointInterval sets the number of committed sequences between
// checkpoints. Default: 100.
func WithCheckpointInterval(interval nbft.Sequence) RuntimeOption {
	return func(g *RuntimeConfig) {
		g.checkpointInterval = interval
	}
}

// WithProposalWindow sets the maximum number of sequences that may be in
// flight above the last committed sequence. Default: 200.
func WithProposalWindow(window nbft.Sequence) RuntimeOption {
	return func(g *RuntimeConfig) {
		g.proposalWindow = window
	}
}

// WithBatchSize sets the maximum number of requests in one proposal batch.
// Default: 1.
func WithBatchSize(size uint32) RuntimeOption {
	return func(g *RuntimeConfig) {
		g.batchSize = size
	}
}

// WithSharedRandomSeed adds a seed shared among replicas.
// Default: 0
func WithSharedRandomSeed(seed int64) RuntimeOption {
	return func(g *RuntimeConfig) {
		g.sharedRandomSeed = seed
	}
}

// WithSyncVoteVerification makes vote verification run on the event loop
// instead of in a background goroutine. Default: false.
func WithSyncVoteVerification() RuntimeOption {
	return func(g *RuntimeConfig) {
		g.syncVoteVerification = true
	}
}

// WithGroupCount enables grouped dissemination with the given number of groups.
// Default: 0 (disabled).
func WithGroupCount(groups int) RuntimeOption {
	return func(g *RuntimeConfig) {
		g.groupCount = groups
	}
}
