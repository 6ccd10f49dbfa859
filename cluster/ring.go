package cluster

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"

	"github.com/radman021/nbft"
)

// Ring places replicas on a 32 bit consistent hash ring. Lookups walk the
// ring clockwise from the position of the key.
type Ring struct {
	points []point
}

type point struct {
	hash uint32
	id   nbft.ID
}

// NewRing returns a ring over the given replicas. The ring only depends on
// the set of ids, so every replica that builds a ring from the same
// membership gets the same ring.
func NewRing(ids []nbft.ID) *Ring {
	points := make([]point, 0, len(ids))
	for _, id := range ids {
		points = append(points, point{hash: hashKey(strconv.FormatUint(uint64(id), 10)), id: id})
	}
	slices.SortFunc(points, func(a, b point) int {
		if a.hash != b.hash {
			if a.hash < b.hash {
				return -1
			}
			return 1
		}
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	return &Ring{points: points}
}

func hashKey(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

// after returns the index of the first point clockwise of the given hash.
func (r *Ring) after(hash uint32) int {
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash > hash })
	if i == len(r.points) {
		i = 0
	}
	return i
}

// Next returns the replica clockwise of the key.
func (r *Ring) Next(key string) nbft.ID {
	return r.points[r.after(hashKey(key))].id
}

// Walk returns an iterator yielding replicas in clockwise order starting from
// the key. The iterator wraps around the ring and never stops, so replicas
// repeat after len(ids) calls.
func (r *Ring) Walk(key string) func() nbft.ID {
	i := r.after(hashKey(key))
	return func() nbft.ID {
		if i == len(r.points) {
			i = 0
		}
		id := r.points[i].id
		i++
		return id
	}
}

// Ordered returns up to n distinct replicas in clockwise order from the key.
func (r *Ring) Ordered(key string, n int) []nbft.ID {
	if n > len(r.points) {
		n = len(r.points)
	}
	next := r.Walk(key)
	ids := make([]nbft.ID, 0, n)
	for len(ids) < n {
		ids = append(ids, next())
	}
	return ids
}

// Len returns the number of replicas on the ring.
func (r *Ring) Len() int {
	return len(r.points)
}
