package routing

import (
	"context"
	"encoding/json"
	"errors"

	"call-signaling/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory keeps one hash per org (field = user id, value = JSON record)
// so every instance routes against the same availability.
type RedisDirectory struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisDirectory(rdb redis.UniversalClient, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = "calls"
	}
	return &RedisDirectory{rdb: rdb, prefix: prefix}
}

func (d *RedisDirectory) key(orgID string) string {
	return utils.RedisKey(d.prefix, "availability", orgID)
}

func (d *RedisDirectory) SetAvailability(ctx context.Context, a Availability) error {
	if err := a.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return d.rdb.HSet(ctx, d.key(a.OrgID), a.UserID, b).Err()
}

func (d *RedisDirectory) GetAvailability(ctx context.Context, orgID, userID string) (Availability, bool, error) {
	b, err := d.rdb.HGet(ctx, d.key(orgID), userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Availability{}, false, nil
		}
		return Availability{}, false, err
	}
	var a Availability
	if err := json.Unmarshal(b, &a); err != nil {
		return Availability{}, false, err
	}
	return a, true, nil
}

func (d *RedisDirectory) FindAvailable(ctx context.Context, orgID string, skills []string) ([]Availability, error) {
	all, err := d.rdb.HGetAll(ctx, d.key(orgID)).Result()
	if err != nil {
		return nil, err
	}
	var out []Availability
	for _, raw := range all {
		var a Availability
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if a.Status == StatusAvailable && a.hasSkills(skills) {
			out = append(out, a)
		}
	}
	sortByRecency(out)
	return out, nil
}
