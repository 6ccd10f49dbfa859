package cert

import (
	"bytes"
	"container/list"
	"sort"
	"strings"
	"sync"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/security/crypto"
)

// Cache wraps a crypto implementation and caches the results of successful
// verifications, keyed by message hash and signature bytes.
type Cache struct {
	impl        crypto.Base
	mut         sync.Mutex
	capacity    int
	entries     map[string]*list.Element
	accessOrder list.List
}

func (cache *Cache) insert(key string) {
	cache.mut.Lock()
	defer cache.mut.Unlock()
	elem, ok := cache.entries[key]
	if ok {
		cache.accessOrder.MoveToFront(elem)
		return
	}
	cache.evict()
	elem = cache.accessOrder.PushFront(key)
	cache.entries[key] = elem
}

func (cache *Cache) check(key string) bool {
	cache.mut.Lock()
	defer cache.mut.Unlock()
	elem, ok := cache.entries[key]
	if !ok {
		return false
	}
	cache.accessOrder.MoveToFront(elem)
	return true
}

func (cache *Cache) evict() {
	if len(cache.entries) < cache.capacity {
		return
	}
	key := cache.accessOrder.Remove(cache.accessOrder.Back()).(string)
	delete(cache.entries, key)
}

// Sign signs a message and adds it to the cache for use during verification.
func (cache *Cache) Sign(message []byte) (sig nbft.QuorumSignature, err error) {
	sig, err = cache.impl.Sign(message)
	if err != nil {
		return nil, err
	}
	var key strings.Builder
	hash := nbft.HashBytes(message)
	_, _ = key.Write(hash[:])
	_, _ = key.Write(sig.ToBytes())
	cache.insert(key.String())
	return sig, nil
}

// Verify verifies the given quorum signature against the message.
func (cache *Cache) Verify(signature nbft.QuorumSignature, message []byte) error {
	var key strings.Builder
	hash := nbft.HashBytes(message)
	_, _ = key.Write(hash[:])
	_, _ = key.Write(signature.ToBytes())

	if cache.check(key.String()) {
		return nil
	}

	if err := cache.impl.Verify(signature, message); err != nil {
		return err
	}
	cache.insert(key.String())

	return nil
}

// BatchVerify verifies the given quorum signature against the batch of messages.
func (cache *Cache) BatchVerify(signature nbft.QuorumSignature, batch map[nbft.ID][]byte) error {
	// hash the messages in the order of their sorted ids
	ids := make([]nbft.ID, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var buf bytes.Buffer
	for _, id := range ids {
		_, _ = buf.Write(batch[id])
	}
	hash := nbft.HashBytes(buf.Bytes())

	var key strings.Builder
	_, _ = key.Write(hash[:])
	_, _ = key.Write(signature.ToBytes())

	if cache.check(key.String()) {
		return nil
	}

	if err := cache.impl.BatchVerify(signature, batch); err != nil {
		return err
	}
	cache.insert(key.String())
	return nil
}

// Combine combines multiple signatures together into a single signature.
func (cache *Cache) Combine(signatures ...nbft.QuorumSignature) (nbft.QuorumSignature, error) {
	// we don't cache the result of this operation, because it is not guaranteed to be valid.
	return cache.impl.Combine(signatures...)
}

var _ crypto.Base = (*Cache)(nil)
