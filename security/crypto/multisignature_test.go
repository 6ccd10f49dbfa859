package crypto_test

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/security/crypto"
)

// newMulti returns a Multi signature with n sequential signer IDs starting from 1.
// The signature values are placeholders, only the set behavior is exercised.
func newMulti(n int) crypto.Multi[*crypto.ECDSASignature] {
	sigs := make([]*crypto.ECDSASignature, n)
	for i := 0; i < n; i++ {
		sigs[i] = crypto.RestoreECDSASignature(big.NewInt(int64(i+1)), big.NewInt(int64(i+2)), nbft.ID(i+1))
	}
	return crypto.RestoreMulti(sigs)
}

func TestMultiContains(t *testing.T) {
	tests := []struct {
		numSigners int
		id         nbft.ID
		want       bool
	}{
		{0, 1, false},
		{4, 0, false}, // IDs start from 1
		{4, 1, true},
		{4, 4, true},
		{4, 5, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d/id=%d", tt.numSigners, tt.id), func(t *testing.T) {
			s := newMulti(tt.numSigners)
			if got := s.Contains(tt.id); got != tt.want {
				t.Errorf("Contains(%d) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestMultiForEach(t *testing.T) {
	for _, n := range []int{0, 4, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := newMulti(n)
			visited := make(map[nbft.ID]bool)
			s.ForEach(func(id nbft.ID) { visited[id] = true })
			if len(visited) != n {
				t.Errorf("ForEach() visited %d elements, want %d", len(visited), n)
			}
			for i := 1; i <= n; i++ {
				if !visited[nbft.ID(i)] {
					t.Errorf("ForEach() did not visit ID %d", i)
				}
			}
		})
	}
}

func TestMultiRangeWhile(t *testing.T) {
	s := newMulti(5)
	count := 0
	s.RangeWhile(func(nbft.ID) bool {
		count++
		return count < 3
	})
	if count != 3 {
		t.Errorf("RangeWhile() visited %d elements, want 3", count)
	}
}

func TestMultiToBytesDeterministic(t *testing.T) {
	s := newMulti(10)
	b1 := s.ToBytes()
	b2 := s.ToBytes()
	if !bytes.Equal(b1, b2) {
		t.Error("ToBytes() is not deterministic")
	}
	if len(b1) == 0 {
		t.Error("ToBytes() returned empty bytes for non-empty signature")
	}
}

func TestMultiParticipants(t *testing.T) {
	participants := newMulti(4).Participants()
	if participants.Len() != 4 {
		t.Errorf("Participants().Len() = %d, want 4", participants.Len())
	}
	for i := 1; i <= 4; i++ {
		if !participants.Contains(nbft.ID(i)) {
			t.Errorf("Participants() does not contain ID %d", i)
		}
	}
}
