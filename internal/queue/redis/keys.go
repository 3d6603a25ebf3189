package redis

// Keys holds the Redis keys used by one queue.
// The layout is shared with every other client of the same queue and
// must not change.
type Keys struct {
	Messages   string // LIST of ready ids, pushed at the head, taken from the tail
	Processing string // LIST of reserved ids
	Failed     string // LIST of aborted ids
	IDs        string // HASH id -> encoded envelope
	Releases   string // HASH id -> release count
}

// KeysFor returns the keys for the named queue.
// Format: queue:{name}:{role}
func KeysFor(name string) Keys {
	prefix := "queue:" + name + ":"
	return Keys{
		Messages:   prefix + "messages",
		Processing: prefix + "processing",
		Failed:     prefix + "failed",
		IDs:        prefix + "ids",
		Releases:   prefix + "releases",
	}
}
