package cache

import "encoding/json"

// Entry is the decoded state of one collection as last seen in the substrate.
// Raw is kept verbatim because writes compare-and-swap against it.
type Entry struct {
	Raw      string
	Present  bool
	Revision int64
	Payload  json.RawMessage
}

type CollectionCache interface {
	Get(name string) (Entry, bool)
	Set(name string, entry Entry)
	Invalidate(name string)
	Purge()
}

type NoopCollectionCache struct{}

func (NoopCollectionCache) Get(_ string) (Entry, bool) {
	return Entry{}, false
}

func (NoopCollectionCache) Set(_ string, _ Entry) {}

func (NoopCollectionCache) Invalidate(_ string) {}

func (NoopCollectionCache) Purge() {}
