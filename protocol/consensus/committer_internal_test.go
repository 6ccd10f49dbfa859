package consensus

import (
	"io"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/core/eventloop"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/security/commitlog"
)

// A request body that does not hash to its certificate's digest is a log
// integrity violation, not a transient failure. The committer must halt
// instead of logging and carrying on.
func TestDrainHaltsOnMismatchedRequestBody(t *testing.T) {
	logger := logging.NewWithDest(io.Discard, "test")
	store, err := commitlog.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	log, err := commitlog.New(store, logger)
	if err != nil {
		t.Fatal(err)
	}

	cm := &Committer{
		eventLoop: eventloop.New(logger, 100),
		logger:    logger,
		config:    core.NewRuntimeConfig(1, nil),
		commitLog: log,
		pending:   make(map[nbft.Sequence]pendingCommit),
	}

	certified := nbft.NewRequest(1, 1, "certified command")
	cert := nbft.NewCommitCert(nil, nbft.NewPrepareCert(nil, 1, 1, certified.Digest()))
	tampered := nbft.NewRequest(1, 1, "tampered command")
	cm.pending[1] = pendingCommit{cert: cert, request: tampered, hasBody: true}

	defer func() {
		if recover() == nil {
			t.Error("expected the committer to halt on a mismatched request body")
		}
	}()
	cm.drain()
}
