// Package cache mirrors room presence into redis so other instances and
// operators can observe who is editing which room.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	redis "github.com/redis/go-redis/v9"
)

// DefaultPresenceTTL bounds how long a room hash survives without updates.
const DefaultPresenceTTL = 10 * time.Minute

// ErrMissingClient indicates that no redis client was supplied.
var ErrMissingClient = errors.New("cache: redis client is required")

// removeMemberScript deletes the member and forgets the room once its hash is empty.
const removeMemberScript = `
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`

// RedisPresence implements presence.Mirror on top of redis hashes.
type RedisPresence struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	remove *redis.Script
}

// NewRedisPresence constructs a mirror; a non-positive ttl selects DefaultPresenceTTL.
func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) (*RedisPresence, error) {
	if rdb == nil {
		return nil, ErrMissingClient
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, remove: redis.NewScript(removeMemberScript)}, nil
}

// AddMember records entry under its room and refreshes the room expiry.
func (p *RedisPresence) AddMember(ctx context.Context, entry presence.Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode presence entry: %w", err)
	}
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, roomKey(entry.RoomName), entry.ConnectionID, encoded)
	pipe.Expire(ctx, roomKey(entry.RoomName), p.ttl)
	pipe.SAdd(ctx, keyRooms, entry.RoomName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: add presence member: %w", err)
	}
	return nil
}

// RemoveMember forgets entry and drops the room once it has no members.
func (p *RedisPresence) RemoveMember(ctx context.Context, entry presence.Entry) error {
	keys := []string{roomKey(entry.RoomName), keyRooms}
	if err := p.remove.Run(ctx, p.rdb, keys, entry.ConnectionID, entry.RoomName).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: remove presence member: %w", err)
	}
	return nil
}

// Members returns the mirrored entries of a room ordered by join time.
func (p *RedisPresence) Members(ctx context.Context, roomName string) ([]presence.Entry, error) {
	values, err := p.rdb.HGetAll(ctx, roomKey(roomName)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: read presence members: %w", err)
	}
	entries := make([]presence.Entry, 0, len(values))
	for _, raw := range values {
		var entry presence.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("cache: decode presence entry: %w", err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

// Rooms lists the rooms that currently have mirrored members.
func (p *RedisPresence) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := p.rdb.SMembers(ctx, keyRooms).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: read presence rooms: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}
