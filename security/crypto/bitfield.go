package crypto

import (
	"math/bits"

	"github.com/radman021/nbft"
)

// Bitfield is an IDSet implemented by a bitfield. To check if an ID 'i' is present in the set, we simply check
// if the bit at i-1 is set (because IDs start at 1). This scales poorly if IDs are not sequential.
type Bitfield struct {
	data []byte
}

func (bm *Bitfield) extend(nBytes int) {
	bm.data = append(bm.data, make([]byte, nBytes)...)
}

func (bm Bitfield) set(byteIdx, bitIdx int) {
	bm.data[byteIdx] |= 1 << bitIdx
}

func (bm Bitfield) isSet(byteIdx, bitIdx int) bool {
	return bm.data[byteIdx]&(1<<bitIdx) != 0
}

// index returns the byte index and the bit index to use based on the id.
func index(id nbft.ID) (byteIdx, bitIdx int) {
	i := int(id) - 1
	byteIdx = i / 8
	bitIdx = i % 8
	return
}

func id(byteIdx, bitIdx int) nbft.ID {
	return nbft.ID(1 + (byteIdx * 8) + bitIdx)
}

// BitfieldFromBytes creates a bitfield from the given byte slice.
func BitfieldFromBytes(b []byte) Bitfield {
	return Bitfield{data: b}
}

// Bytes returns the raw byte slice containing the data of this bitfield.
func (bm Bitfield) Bytes() []byte {
	return bm.data
}

// Add adds an ID to the set.
func (bm *Bitfield) Add(id nbft.ID) {
	byteIdx, bitIdx := index(id)
	if len(bm.data) <= byteIdx {
		bm.extend(byteIdx + 1 - len(bm.data))
	}
	bm.set(byteIdx, bitIdx)
}

// Contains returns true if the set contains the ID.
func (bm Bitfield) Contains(id nbft.ID) bool {
	byteIdx, bitIdx := index(id)
	if len(bm.data) <= byteIdx {
		return false
	}
	return bm.isSet(byteIdx, bitIdx)
}

// ForEach calls f for each ID in the set.
func (bm Bitfield) ForEach(f func(nbft.ID)) {
	bm.RangeWhile(func(i nbft.ID) bool {
		f(i)
		return true
	})
}

// RangeWhile calls f for each ID in the set until f returns false.
func (bm Bitfield) RangeWhile(f func(nbft.ID) bool) {
	for byteIdx := range bm.data {
		for bitIdx := 0; bitIdx < 8; bitIdx++ {
			if bm.isSet(byteIdx, bitIdx) {
				if !f(id(byteIdx, bitIdx)) {
					return
				}
			}
		}
	}
}

// Len returns the number of entries in the set.
func (bm Bitfield) Len() int {
	count := 0
	for _, b := range bm.data {
		count += bits.OnesCount8(b)
	}
	return count
}
