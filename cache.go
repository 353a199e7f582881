package gateway

import "sync"

// MessageKey files a message under its channel.
type MessageKey struct {
	ChannelID Snowflake
	MessageID Snowflake
}

// Table is a concurrency safe id -> entity map. Writes overwrite by key.
type Table[K comparable] struct {
	mu    sync.RWMutex
	items map[K]Entity
}

func newTable[K comparable]() *Table[K] {
	return &Table[K]{items: make(map[K]Entity)}
}

func (t *Table[K]) Get(key K) (Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.items[key]
	return e, ok
}

func (t *Table[K]) Put(key K, e Entity) {
	t.mu.Lock()
	t.items[key] = e
	t.mu.Unlock()
}

// Evict removes key and returns the value it held.
func (t *Table[K]) Evict(key K) (Entity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[key]
	if ok {
		delete(t.items, key)
	}
	return e, ok
}

func (t *Table[K]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Range calls fn for every entry until fn returns false. fn must not write to
// the table.
func (t *Table[K]) Range(fn func(K, Entity) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, e := range t.items {
		if !fn(k, e) {
			return
		}
	}
}

// CacheStore holds the entities pushed by the gateway. One store is shared by
// every shard of a client.
type CacheStore struct {
	Users    *Table[Snowflake]
	Guilds   *Table[Snowflake]
	Channels *Table[Snowflake]
	Messages *Table[MessageKey]
}

func NewCacheStore() *CacheStore {
	return &CacheStore{
		Users:    newTable[Snowflake](),
		Guilds:   newTable[Snowflake](),
		Channels: newTable[Snowflake](),
		Messages: newTable[MessageKey](),
	}
}

func (c *CacheStore) User(id Snowflake) (Entity, bool)    { return c.Users.Get(id) }
func (c *CacheStore) Guild(id Snowflake) (Entity, bool)   { return c.Guilds.Get(id) }
func (c *CacheStore) Channel(id Snowflake) (Entity, bool) { return c.Channels.Get(id) }

func (c *CacheStore) Message(channelID, messageID Snowflake) (Entity, bool) {
	return c.Messages.Get(MessageKey{ChannelID: channelID, MessageID: messageID})
}
