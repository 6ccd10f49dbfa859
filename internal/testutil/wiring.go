package testutil

import (
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core"
	"github.com/radman021/nbft/security/cert"
	"github.com/radman021/nbft/security/commitlog"
	"github.com/radman021/nbft/security/crypto"
	"github.com/radman021/nbft/wiring"
)

// Essentials is a bundle of components essential for constructing simple data
// for a replica in basic protocol unit tests.
type Essentials struct {
	wiring.Core
	wiring.Security
	sender *MockSender
}

func WireUpEssentials(
	t *testing.T,
	id nbft.ID,
	cryptoName string,
	opts ...core.RuntimeOption,
) *Essentials {
	t.Helper()
	// NOTE: using synchronous vote verification to keep tests simple.
	opts = append([]core.RuntimeOption{core.WithSyncVoteVerification()}, opts...)
	depsCore := wiring.NewCore(id, "test", GenerateKey(t, cryptoName), opts...)
	sender := NewMockSender(id)
	base, err := crypto.New(
		depsCore.RuntimeCfg(),
		cryptoName,
	)
	if err != nil {
		t.Fatal(err)
	}
	store, err := commitlog.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	depsSecurity, err := wiring.NewSecurity(
		depsCore.Logger(),
		depsCore.RuntimeCfg(),
		store,
		base,
	)
	if err != nil {
		t.Fatal(err)
	}
	return &Essentials{
		Core:     *depsCore, // no problem dereferencing, since the deps just hold pointers
		Security: *depsSecurity,
		sender:   sender,
	}
}

func (e *Essentials) MockSender() *MockSender {
	return e.sender
}

type EssentialsSet []*Essentials

// NewEssentialsSet wires up multiple essential component bundles and adds each
// replica configuration to each other.
func NewEssentialsSet(
	t *testing.T,
	count int,
	cryptoName string,
	opts ...core.RuntimeOption,
) EssentialsSet {
	t.Helper()
	if count == 0 {
		t.Fatal("replica count cannot be zero")
	}
	bundles := make([]*Essentials, 0, count)
	replicas := make([]nbft.ReplicaInfo, 0, count)
	for i := 0; i < count; i++ {
		id := nbft.ID(i + 1)
		bundle := WireUpEssentials(t, id, cryptoName, opts...)
		replicas = append(replicas, nbft.ReplicaInfo{
			ID:     id,
			PubKey: bundle.RuntimeCfg().PrivateKey().Public(),
		})
		bundles = append(bundles, bundle)
	}
	for _, bundle := range bundles {
		for i := range replicas {
			bundle.RuntimeCfg().AddReplica(&replicas[i])
		}
	}
	return bundles
}

// Signers returns the authority of every bundle in the set.
func (s EssentialsSet) Signers() []*cert.Authority {
	signers := make([]*cert.Authority, 0, len(s))
	for _, bundle := range s {
		signers = append(signers, bundle.Authority())
	}
	return signers
}
