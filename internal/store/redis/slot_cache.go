package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"schedula/availability/internal/domain"
)

const keyPrefix = "schedula:slots:"

var errUnversioned = errors.New("slot query has no owner generations")

var keyNamespace = uuid.MustParse("3f6c1a52-8d0e-4b7a-9f52-6a1d2c0e7b44")

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open returns a connected client, or nil when no address is configured.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// SlotQuery identifies one cached slot listing. Generations holds the cache
// generation of every owner at the time the listing was computed; a query without
// generations is never stored.
type SlotQuery struct {
	Op          string
	Policy      domain.TrailingBoundaryPolicy
	OwnerIDs    []string
	Generations map[string]int64
	RangeStart  time.Time
	RangeEnd    time.Time
}

// Key is stable for the same owners in any order. Bumping any owner's generation
// moves the query to a new key.
func (q SlotQuery) Key() string {
	owners := slices.Clone(q.OwnerIDs)
	slices.Sort(owners)
	stamped := make([]string, len(owners))
	for i, id := range owners {
		stamped[i] = id + "@" + strconv.FormatInt(q.Generations[id], 10)
	}
	raw := strings.Join([]string{
		q.Op,
		q.Policy.String(),
		strings.Join(stamped, "\x1f"),
		q.RangeStart.UTC().Format(time.RFC3339Nano),
		q.RangeEnd.UTC().Format(time.RFC3339Nano),
	}, "\x1e")
	return keyPrefix + q.Op + ":" + uuid.NewSHA1(keyNamespace, []byte(raw)).String()
}

func generationKey(ownerID string) string {
	return keyPrefix + "gen:" + ownerID
}

type SlotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSlotCache(client *redis.Client, ttl time.Duration) *SlotCache {
	return &SlotCache{client: client, ttl: ttl}
}

func (c *SlotCache) Generations(ctx context.Context, ownerIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(ownerIDs))
	for i, id := range ownerIDs {
		keys[i] = generationKey(id)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, id := range ownerIDs {
		out[id] = 0
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("owner %q generation %q: %w", id, raw, err)
		}
		out[id] = n
	}
	return out, nil
}

func (c *SlotCache) Get(ctx context.Context, q SlotQuery) ([]domain.CalendarSlot, bool, error) {
	data, err := c.client.Get(ctx, q.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var slots []domain.CalendarSlot
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, false, fmt.Errorf("decode cached slots: %w", err)
	}
	return slots, true, nil
}

func (c *SlotCache) Put(ctx context.Context, q SlotQuery, slots []domain.CalendarSlot) error {
	if q.Generations == nil {
		return errUnversioned
	}
	if slots == nil {
		slots = []domain.CalendarSlot{}
	}
	data, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	if err := c.client.Set(ctx, q.Key(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// InvalidateOwner bumps the owner's generation. Listings stored under the old
// generation are left to expire.
func (c *SlotCache) InvalidateOwner(ctx context.Context, ownerID string) error {
	if err := c.client.Incr(ctx, generationKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	return nil
}
