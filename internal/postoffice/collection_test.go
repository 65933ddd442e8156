package postoffice

import "testing"

func TestCollectionFindOrCreate(t *testing.T) {
	c := newCollection(false)
	id := newStringIdentity([]byte("ch.1"))

	rec1, created1 := c.findOrCreate(id, nil)
	if !created1 {
		t.Fatal("expected first findOrCreate to create a record")
	}
	rec2, created2 := c.findOrCreate(id, nil)
	if created2 {
		t.Fatal("expected second findOrCreate to reuse the existing record")
	}
	if rec1 != rec2 {
		t.Fatal("expected the same channelRecord pointer for the same identity")
	}
	if c.len() != 1 {
		t.Fatalf("expected 1 channel, got %d", c.len())
	}
}

func TestCollectionUnlinkOnEmpty(t *testing.T) {
	c := newCollection(false)
	id := newStringIdentity([]byte("ch.1"))
	rec, _ := c.findOrCreate(id, nil)

	sub := newSubscription(rec, func(*Subscription, *Message) {}, nil, nil, nil)
	rec.add(sub)

	if rec.remove(sub) != true {
		t.Fatal("expected record to report empty after removing its only subscriber")
	}
	if !c.unlink(rec) {
		t.Fatal("expected unlink to report the record removed")
	}

	if c.len() != 0 {
		t.Fatalf("expected collection to be empty after unlink, got %d entries", c.len())
	}
	if found := c.find(id); found != nil {
		t.Fatal("expected find to return nil after unlink")
	}
}

func TestCollectionUnlinkBacksOffWhenRepopulated(t *testing.T) {
	c := newCollection(false)
	id := newStringIdentity([]byte("ch.1"))
	rec, _ := c.findOrCreate(id, nil)

	sub := newSubscription(rec, func(*Subscription, *Message) {}, nil, nil, nil)
	rec.add(sub)
	rec.remove(sub)

	// A subscriber arriving between remove() and unlink() keeps the channel
	// alive; unlink must leave it tabled and say so.
	late := newSubscription(rec, func(*Subscription, *Message) {}, nil, nil, nil)
	rec.add(late)

	if c.unlink(rec) {
		t.Fatal("expected unlink to back off for a repopulated record")
	}
	if found := c.find(id); found != rec {
		t.Fatal("expected the repopulated record to remain in the collection")
	}
}

func TestCollectionPatternScanList(t *testing.T) {
	c := newCollection(true)
	id := newStringIdentity([]byte("ch.*"))
	rec, _ := c.findOrCreate(id, defaultMatch)

	matches := c.matching(newStringIdentity([]byte("ch.BTC.trade")))
	if len(matches) != 1 || matches[0] != rec {
		t.Fatalf("expected pattern scan to find the registered pattern, got %d matches", len(matches))
	}

	noMatches := c.matching(newStringIdentity([]byte("other")))
	if len(noMatches) != 0 {
		t.Fatalf("expected no matches for a non-matching target, got %d", len(noMatches))
	}
}

func TestCollectionFilterIdentity(t *testing.T) {
	c := newCollection(false)
	id := newFilterIdentity(42)
	rec, created := c.findOrCreate(id, nil)
	if !created {
		t.Fatal("expected filter identity to create a new record")
	}
	again, created2 := c.findOrCreate(newFilterIdentity(42), nil)
	if created2 || again != rec {
		t.Fatal("expected same filter identity to reuse the existing record")
	}
	other, created3 := c.findOrCreate(newFilterIdentity(43), nil)
	if !created3 || other == rec {
		t.Fatal("expected a different filter to create a distinct record")
	}
}
