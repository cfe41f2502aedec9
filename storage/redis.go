package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/flowcore/types"
)

const defaultNamespace = "flowcore"

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Commits run inside WATCH/MULTI so a concurrent writer aborts the
// transaction instead of interleaving with it.
type RedisStorage struct {
	client *redis.Client
	ns     string
}

var _ Storage = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// Namespace prefixes every key; defaults to "flowcore".
	Namespace string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &RedisStorage{client: client, ns: ns}, nil
}

func (s *RedisStorage) definitionKey(id string, version int) string {
	return fmt.Sprintf("%s:definition:%s:%d", s.ns, id, version)
}

func (s *RedisStorage) versionsKey(id string) string {
	return fmt.Sprintf("%s:definition:%s:versions", s.ns, id)
}

func (s *RedisStorage) instanceKey(id uint64) string {
	return fmt.Sprintf("%s:instance:%d", s.ns, id)
}

func (s *RedisStorage) tokenKey(id string) string {
	return fmt.Sprintf("%s:token:%s", s.ns, id)
}

func (s *RedisStorage) tokensKey(instanceID uint64) string {
	return fmt.Sprintf("%s:instance:%d:tokens", s.ns, instanceID)
}

func (s *RedisStorage) activeKey(instanceID uint64, nodeID string) string {
	return fmt.Sprintf("%s:instance:%d:active:%s", s.ns, instanceID, nodeID)
}

func (s *RedisStorage) contextKey(instanceID uint64) string {
	return fmt.Sprintf("%s:instance:%d:context", s.ns, instanceID)
}

func (s *RedisStorage) historyKey(instanceID uint64) string {
	return fmt.Sprintf("%s:instance:%d:history", s.ns, instanceID)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals the value stored at key.
func getFromRedis[T any](ctx context.Context, client getter, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", types.ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// getString returns "" when key is absent.
func getString(ctx context.Context, client getter, key string) (string, error) {
	v, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// SaveDefinition saves a definition version to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		key := s.definitionKey(def.ID, def.Version)
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %v", def.ID, err)
		}
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := getFromRedis[types.Definition](ctx, tx, key)
			switch {
			case err == nil:
				if prev.Fingerprint != def.Fingerprint {
					return definitionConflict(def)
				}
				return nil
			case !errors.Is(err, types.ErrNotFound):
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZAdd(ctx, s.versionsKey(def.ID), &redis.Z{Score: float64(def.Version), Member: strconv.Itoa(def.Version)})
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return definitionConflict(def)
		}
		return err
	})
}

// SaveDefinitions saves multiple definitions, stopping at the first conflict.
func (s *RedisStorage) SaveDefinitions(ctx context.Context, defs []types.Definition) error {
	for _, def := range defs {
		if err := s.SaveDefinition(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, ref types.Ref) (types.Definition, error) {
	version := ref.Version
	if version == 0 {
		latest, err := s.client.ZRevRange(ctx, s.versionsKey(ref.ID), 0, 0).Result()
		if err != nil {
			return types.Definition{}, fmt.Errorf("failed to read versions of %s: %v", ref.ID, err)
		}
		if len(latest) == 0 {
			return types.Definition{}, fmt.Errorf("%w: definition %s", types.ErrNotFound, ref.ID)
		}
		if version, err = strconv.Atoi(latest[0]); err != nil {
			return types.Definition{}, fmt.Errorf("corrupt version of %s: %v", ref.ID, err)
		}
	}
	return getFromRedis[types.Definition](ctx, s.client, s.definitionKey(ref.ID, version))
}

// Create persists a new instance.
func (s *RedisStorage) Create(ctx context.Context, c Commit) error {
	return s.commit(ctx, c, true)
}

// Commit applies one tick if the stored version is still c.ExpectedVersion.
func (s *RedisStorage) Commit(ctx context.Context, c Commit) error {
	return s.commit(ctx, c, false)
}

func (s *RedisStorage) commit(ctx context.Context, c Commit, create bool) error {
	return withContextError(ctx, func() error {
		id := c.Instance.ID
		instData, err := json.Marshal(c.Instance)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", id, err)
		}

		watched := []string{s.instanceKey(id)}
		for _, tok := range c.Tokens {
			watched = append(watched, s.tokenKey(tok.ID), s.activeKey(id, tok.NodeID))
		}

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := getFromRedis[types.Instance](ctx, tx, s.instanceKey(id))
			switch {
			case create && err == nil:
				return versionConflict(id, 0, prev.Version)
			case create && errors.Is(err, types.ErrNotFound):
			case err != nil:
				return err
			case prev.Version != c.ExpectedVersion:
				return versionConflict(id, c.ExpectedVersion, prev.Version)
			}

			sl := &slots{
				load: func(nodeID string) (string, error) { return getString(ctx, tx, s.activeKey(id, nodeID)) },
				m:    make(map[string]string),
			}
			fresh := make(map[string]bool)
			for _, tok := range c.Tokens {
				existing, err := getFromRedis[types.WorkToken](ctx, tx, s.tokenKey(tok.ID))
				switch {
				case err == nil:
					if existing.Status.Terminal() {
						return terminalToken(tok, existing.Status)
					}
				case errors.Is(err, types.ErrNotFound):
					fresh[tok.ID] = true
				default:
					return err
				}
				if want, listed := c.TokenStatus[tok.ID]; listed && existing.Status != want {
					return tokenMoved(tok, want, existing.Status)
				}
				if err := sl.apply(tok); err != nil {
					return err
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.instanceKey(id), instData, 0)
				for _, e := range c.Entries {
					data, err := json.Marshal(e)
					if err != nil {
						return fmt.Errorf("failed to marshal context entry %s: %v", e.Key, err)
					}
					pipe.RPush(ctx, s.contextKey(id), data)
				}
				for _, tok := range c.Tokens {
					data, err := json.Marshal(tok)
					if err != nil {
						return fmt.Errorf("failed to marshal token %s: %v", tok.ID, err)
					}
					pipe.Set(ctx, s.tokenKey(tok.ID), data, 0)
					if fresh[tok.ID] {
						pipe.RPush(ctx, s.tokensKey(id), tok.ID)
						delete(fresh, tok.ID)
					}
				}
				for nodeID, tokID := range sl.m {
					if tokID == "" {
						pipe.Del(ctx, s.activeKey(id, nodeID))
					} else {
						pipe.Set(ctx, s.activeKey(id, nodeID), tokID, 0)
					}
				}
				return nil
			})
			return err
		}, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			return &types.EngineError{Kind: types.ErrVersionConflict, InstanceID: id,
				Err: errors.New("instance modified concurrently")}
		}
		return err
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, s.instanceKey(id))
}

// GetToken retrieves a token from Redis.
func (s *RedisStorage) GetToken(ctx context.Context, id string) (types.WorkToken, error) {
	return getFromRedis[types.WorkToken](ctx, s.client, s.tokenKey(id))
}

// ListTokens returns an instance's tokens in creation order.
func (s *RedisStorage) ListTokens(ctx context.Context, instanceID uint64) ([]types.WorkToken, error) {
	return withContext(ctx, func() ([]types.WorkToken, error) {
		ids, err := s.client.LRange(ctx, s.tokensKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list tokens of %d: %v", instanceID, err)
		}
		if len(ids) == 0 {
			return []types.WorkToken{}, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.tokenKey(id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens of %d: %v", instanceID, err)
		}
		out := make([]types.WorkToken, 0, len(vals))
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: token %s", types.ErrNotFound, ids[i])
			}
			var tok types.WorkToken
			if err := json.Unmarshal([]byte(raw), &tok); err != nil {
				return nil, fmt.Errorf("failed to unmarshal token %s: %v", ids[i], err)
			}
			out = append(out, tok)
		}
		return out, nil
	})
}

// ActiveToken returns the non-terminal token of a node.
func (s *RedisStorage) ActiveToken(ctx context.Context, instanceID uint64, nodeID string) (types.WorkToken, bool, error) {
	id, err := getString(ctx, s.client, s.activeKey(instanceID, nodeID))
	if err != nil {
		return types.WorkToken{}, false, fmt.Errorf("failed to read active token: %v", err)
	}
	if id == "" {
		return types.WorkToken{}, false, nil
	}
	tok, err := s.GetToken(ctx, id)
	if err != nil {
		return types.WorkToken{}, false, err
	}
	return tok, true, nil
}

// UpdateToken replaces a token whose stored status is still expected.
func (s *RedisStorage) UpdateToken(ctx context.Context, tok types.WorkToken, expected types.TokenStatus) error {
	return withContextError(ctx, func() error {
		key := s.tokenKey(tok.ID)
		active := s.activeKey(tok.InstanceID, tok.NodeID)
		data, err := json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("failed to marshal token %s: %v", tok.ID, err)
		}
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := getFromRedis[types.WorkToken](ctx, tx, key)
			if err != nil {
				return err
			}
			if prev.Status.Terminal() {
				return terminalToken(tok, prev.Status)
			}
			if prev.Status != expected {
				return tokenMoved(tok, expected, prev.Status)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if !tok.Active() {
					pipe.Del(ctx, active)
				}
				return nil
			})
			return err
		}, key, active)
		if errors.Is(err, redis.TxFailedErr) {
			return &types.EngineError{Kind: types.ErrIdempotencyConflict, InstanceID: tok.InstanceID, NodeID: tok.NodeID,
				Err: fmt.Errorf("token %s modified concurrently", tok.ID)}
		}
		return err
	})
}

// ListEntries returns an instance's context log.
func (s *RedisStorage) ListEntries(ctx context.Context, instanceID uint64) ([]types.ContextEntry, error) {
	return listJSON[types.ContextEntry](ctx, s.client, s.contextKey(instanceID))
}

// AppendHistory appends an audit entry.
func (s *RedisStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %v", err)
		}
		if err := s.client.RPush(ctx, s.historyKey(entry.InstanceID), data).Err(); err != nil {
			return fmt.Errorf("failed to append history of %d: %v", entry.InstanceID, err)
		}
		return nil
	})
}

// ListHistory returns an instance's audit entries.
func (s *RedisStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return listJSON[types.HistoryEntry](ctx, s.client, s.historyKey(instanceID))
}

func listJSON[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		raw, err := client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", key, err)
		}
		out := make([]T, 0, len(raw))
		for _, r := range raw {
			var v T
			if err := json.Unmarshal([]byte(r), &v); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
