package redisx

import "time"

const (
	// Event lock lease: lock:event:{event_id} -> holder token
	KeyEventLock = "lock:event:%s"

	// Idempotent API call: idem:call:{auth_hash}:{idempotency_key} -> cbor record
	KeyIdemCall = "idem:call:%s:%s"

	// Dedup event processing: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLDedup = 48 * time.Hour
)
