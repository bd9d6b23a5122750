package redisx

import "github.com/redis/go-redis/v9"

// CompareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
// Returns 1 when deleted, 0 otherwise.
var CompareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
