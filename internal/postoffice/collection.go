package postoffice

import "sync"

// Collection is a lock-guarded table of channelRecords keyed by identity.
// PostOffice keeps three: one for exact pub/sub channels, one for pattern
// channels (scanned linearly on publish, since a glob pattern cannot be
// hash-indexed by the name it will eventually match), and one for filter
// channels. A single RWMutex guards the map, read-locked for lookup and
// write-locked only for insert/remove.
type Collection struct {
	mu       sync.RWMutex
	byID     map[uint64][]*channelRecord // bucketed by identity hash to tolerate collisions
	pattern  bool
	scanList []*channelRecord // maintained only when pattern == true, for linear publish-time scans
}

func newCollection(pattern bool) *Collection {
	return &Collection{
		byID:    make(map[uint64][]*channelRecord),
		pattern: pattern,
	}
}

// findOrCreate returns the channelRecord for id, creating one (with match,
// which must be non-nil exactly when this is the pattern collection) if
// none exists yet. The returned bool reports whether a new record was
// created.
func (c *Collection) findOrCreate(id identity, match matchFunc) (*channelRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.byID[id.hash]
	for _, rec := range bucket {
		if rec.id.equal(id) {
			return rec, false
		}
	}

	rec := newChannelRecord(c, id, match)
	c.byID[id.hash] = append(bucket, rec)
	if c.pattern {
		c.scanList = append(c.scanList, rec)
	}
	return rec, true
}

func (c *Collection) find(id identity) *channelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.byID[id.hash] {
		if rec.id.equal(id) {
			return rec
		}
	}
	return nil
}

// unlink removes rec from the collection entirely. Called once a
// channelRecord's remove() reports it is empty. Safe to call even if
// another goroutine concurrently re-populated the record in between;
// the emptiness check is re-verified under the collection lock, and the
// return value reports whether the record was actually removed (false
// means it gained a subscriber again and stays tabled).
func (c *Collection) unlink(rec *channelRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.count() != 0 {
		return false
	}

	bucket := c.byID[rec.id.hash]
	for i, r := range bucket {
		if r == rec {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.byID, rec.id.hash)
	} else {
		c.byID[rec.id.hash] = bucket
	}

	if c.pattern {
		for i, r := range c.scanList {
			if r == rec {
				c.scanList[i] = c.scanList[len(c.scanList)-1]
				c.scanList = c.scanList[:len(c.scanList)-1]
				break
			}
		}
		c.compactScanList()
	}
	return true
}

// compactScanList shrinks the backing array once the live entry count drops
// below half its capacity and the capacity exceeds 512. Go's slice runtime
// never shrinks storage on its own after deletions, so a table that once
// held thousands of patterns would otherwise pin that memory forever.
func (c *Collection) compactScanList() {
	if cap(c.scanList) <= 512 || 2*len(c.scanList) >= cap(c.scanList) {
		return
	}
	shrunk := make([]*channelRecord, len(c.scanList))
	copy(shrunk, c.scanList)
	c.scanList = shrunk
}

// matching returns every channelRecord (pattern or exact) whose id matches
// target, snapshotting under the read lock so Publish never holds the
// collection lock during delivery.
func (c *Collection) matching(target identity) []*channelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.pattern {
		var out []*channelRecord
		for _, rec := range c.byID[target.hash] {
			if rec.id.equal(target) {
				out = append(out, rec)
			}
		}
		return out
	}

	out := make([]*channelRecord, 0, len(c.scanList))
	for _, rec := range c.scanList {
		if rec.matches(target) {
			out = append(out, rec)
		}
	}
	return out
}

// all snapshots every channelRecord currently in the collection, for engine
// attach/reattach replay.
func (c *Collection) all() []*channelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*channelRecord, 0, len(c.byID))
	for _, bucket := range c.byID {
		out = append(out, bucket...)
	}
	return out
}

func (c *Collection) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, bucket := range c.byID {
		n += len(bucket)
	}
	return n
}
