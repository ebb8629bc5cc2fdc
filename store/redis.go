package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ragforge/convmem/convmem"
)

// RedisStore is the Redis-backed implementation for multi-instance
// deployments.
//
// Key layout (all under a configurable prefix):
//
//	{prefix}:session:{id}        JSON-encoded session
//	{prefix}:chunks:{id}         sorted set of JSON chunks, score = created_at
//	{prefix}:records:{id}        sorted set of JSON records, score = created_at
//	{prefix}:user:{uid}:sessions set of session ids owned by a user
//
// Session counter updates use WATCH/MULTI so the denormalized
// MemoryCount never drifts from the chunk set under concurrent writers.
type RedisStore struct {
	client             *redis.Client
	keyPrefix          string
	maxSessionsPerUser int
}

// NewRedisStore connects to the Redis instance at redisURL
// (e.g. "redis://localhost:6379").
func NewRedisStore(redisURL, keyPrefix string, maxSessionsPerUser int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &convmem.StorageError{Op: "open", Cause: fmt.Errorf("invalid redis URL: %w", err)}
	}
	if keyPrefix == "" {
		keyPrefix = "convmem"
	}
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = 100
	}
	return &RedisStore{
		client:             redis.NewClient(opts),
		keyPrefix:          keyPrefix,
		maxSessionsPerUser: maxSessionsPerUser,
	}, nil
}

func (r *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.keyPrefix, sessionID)
}

func (r *RedisStore) chunksKey(sessionID string) string {
	return fmt.Sprintf("%s:chunks:%s", r.keyPrefix, sessionID)
}

func (r *RedisStore) recordsKey(sessionID string) string {
	return fmt.Sprintf("%s:records:%s", r.keyPrefix, sessionID)
}

func (r *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:sessions", r.keyPrefix, userID)
}

func (r *RedisStore) getSessionTx(ctx context.Context, tx redis.Cmdable, sessionID string) (*convmem.Session, error) {
	raw, err := tx.Get(ctx, r.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &convmem.SessionNotFoundError{SessionID: sessionID}
	}
	if err != nil {
		return nil, &convmem.StorageError{Op: "get session", Cause: err}
	}
	var sess convmem.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, &convmem.StorageError{Op: "get session", Cause: err}
	}
	return &sess, nil
}

func (r *RedisStore) setSession(ctx context.Context, p redis.Cmdable, sess *convmem.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return p.Set(ctx, r.sessionKey(sess.SessionID), raw, 0).Err()
}

// CreateSession persists a new session, enforcing the per-user active
// session limit.
func (r *RedisStore) CreateSession(ctx context.Context, session *convmem.Session) error {
	userKey := r.userKey(session.UserID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		ids, err := tx.SMembers(ctx, userKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		active := 0
		for _, id := range ids {
			sess, err := r.getSessionTx(ctx, tx, id)
			if err != nil {
				var notFound *convmem.SessionNotFoundError
				if errors.As(err, &notFound) {
					continue
				}
				return err
			}
			if sess.Status == convmem.SessionActive {
				active++
			}
		}
		if active >= r.maxSessionsPerUser {
			return &convmem.SessionLimitError{UserID: session.UserID, Limit: r.maxSessionsPerUser}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := r.setSession(ctx, p, session); err != nil {
				return err
			}
			return p.SAdd(ctx, userKey, session.SessionID).Err()
		})
		return err
	}, userKey)

	var limit *convmem.SessionLimitError
	if errors.As(err, &limit) {
		return limit
	}
	if err != nil {
		return &convmem.StorageError{Op: "create session", Cause: err}
	}
	return nil
}

// GetSession fetches a session by id.
func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*convmem.Session, error) {
	return r.getSessionTx(ctx, r.client, sessionID)
}

// ListSessions scans every user set and filters client-side. Fine for
// the session counts this subsystem is built for; a deployment with
// millions of sessions should use the SQLite backend for listing.
func (r *RedisStore) ListSessions(ctx context.Context, userID string, status convmem.SessionStatus, limit int) ([]*convmem.Session, error) {
	var ids []string
	if userID != "" {
		members, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, &convmem.StorageError{Op: "list sessions", Cause: err}
		}
		ids = members
	} else {
		pattern := fmt.Sprintf("%s:session:*", r.keyPrefix)
		iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
		prefixLen := len(fmt.Sprintf("%s:session:", r.keyPrefix))
		for iter.Next(ctx) {
			ids = append(ids, iter.Val()[prefixLen:])
		}
		if err := iter.Err(); err != nil {
			return nil, &convmem.StorageError{Op: "list sessions", Cause: err}
		}
	}

	out := make([]*convmem.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.getSessionTx(ctx, r.client, id)
		if err != nil {
			var notFound *convmem.SessionNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, sess)
	}
	sortSessionsByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSessionStatus transitions a session's lifecycle state.
func (r *RedisStore) UpdateSessionStatus(ctx context.Context, sessionID string, status convmem.SessionStatus) error {
	key := r.sessionKey(sessionID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		sess, err := r.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		sess.Status = status
		sess.UpdatedAt = time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return r.setSession(ctx, p, sess)
		})
		return err
	}, key)
	return wrapRedisErr("update session status", err)
}

// DeleteSession removes a session and everything it owns.
func (r *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := r.getSessionTx(ctx, r.client, sessionID)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.sessionKey(sessionID), r.chunksKey(sessionID), r.recordsKey(sessionID))
		p.SRem(ctx, r.userKey(sess.UserID), sessionID)
		return nil
	})
	if err != nil {
		return &convmem.StorageError{Op: "delete session", Cause: err}
	}
	return nil
}

// AddChunk inserts a chunk and updates the session counter atomically.
func (r *RedisStore) AddChunk(ctx context.Context, chunk *convmem.Chunk) error {
	key := r.sessionKey(chunk.SessionID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		sess, err := r.getSessionTx(ctx, tx, chunk.SessionID)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		sess.MemoryCount++
		sess.UpdatedAt = time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := p.ZAdd(ctx, r.chunksKey(chunk.SessionID), redis.Z{
				Score:  float64(chunk.CreatedAt.UnixNano()) / 1e9,
				Member: string(raw),
			}).Err(); err != nil {
				return err
			}
			return r.setSession(ctx, p, sess)
		})
		return err
	}, key)
	return wrapRedisErr("add chunk", err)
}

// ListChunks returns a session's chunks, newest first.
func (r *RedisStore) ListChunks(ctx context.Context, sessionID string, limit int) ([]*convmem.Chunk, error) {
	if _, err := r.getSessionTx(ctx, r.client, sessionID); err != nil {
		return nil, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := r.client.ZRevRange(ctx, r.chunksKey(sessionID), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &convmem.StorageError{Op: "list chunks", Cause: err}
	}

	out := make([]*convmem.Chunk, 0, len(raws))
	for _, raw := range raws {
		var chunk convmem.Chunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			return nil, &convmem.StorageError{Op: "list chunks", Cause: err}
		}
		out = append(out, &chunk)
	}
	return out, nil
}

// ReplaceChunks swaps a session's chunk set for the compressed set and
// writes the compression record.
func (r *RedisStore) ReplaceChunks(ctx context.Context, sessionID string, chunks []*convmem.Chunk, record *convmem.CompressionRecord) error {
	key := r.sessionKey(sessionID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		sess, err := r.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		sess.MemoryCount = len(chunks)
		sess.UpdatedAt = time.Now().UTC()

		recRaw, err := json.Marshal(record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, r.chunksKey(sessionID))
			for _, chunk := range chunks {
				raw, err := json.Marshal(chunk)
				if err != nil {
					return err
				}
				p.ZAdd(ctx, r.chunksKey(sessionID), redis.Z{
					Score:  float64(chunk.CreatedAt.UnixNano()) / 1e9,
					Member: string(raw),
				})
			}
			p.ZAdd(ctx, r.recordsKey(sessionID), redis.Z{
				Score:  float64(record.CreatedAt.UnixNano()) / 1e9,
				Member: string(recRaw),
			})
			return r.setSession(ctx, p, sess)
		})
		return err
	}, key)
	return wrapRedisErr("replace chunks", err)
}

// AddCompressionRecord persists an audit record without touching chunks.
func (r *RedisStore) AddCompressionRecord(ctx context.Context, record *convmem.CompressionRecord) error {
	if _, err := r.getSessionTx(ctx, r.client, record.SessionID); err != nil {
		return err
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return &convmem.StorageError{Op: "add compression record", Cause: err}
	}
	err = r.client.ZAdd(ctx, r.recordsKey(record.SessionID), redis.Z{
		Score:  float64(record.CreatedAt.UnixNano()) / 1e9,
		Member: string(raw),
	}).Err()
	if err != nil {
		return &convmem.StorageError{Op: "add compression record", Cause: err}
	}
	return nil
}

// ListCompressionRecords returns a session's audit log, newest first.
func (r *RedisStore) ListCompressionRecords(ctx context.Context, sessionID string) ([]*convmem.CompressionRecord, error) {
	if _, err := r.getSessionTx(ctx, r.client, sessionID); err != nil {
		return nil, err
	}
	raws, err := r.client.ZRevRange(ctx, r.recordsKey(sessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &convmem.StorageError{Op: "list compression records", Cause: err}
	}
	out := make([]*convmem.CompressionRecord, 0, len(raws))
	for _, raw := range raws {
		var rec convmem.CompressionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, &convmem.StorageError{Op: "list compression records", Cause: err}
		}
		out = append(out, &rec)
	}
	return out, nil
}

// TouchQuery records the last raw query text on a session.
func (r *RedisStore) TouchQuery(ctx context.Context, sessionID, queryText string) error {
	key := r.sessionKey(sessionID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		sess, err := r.getSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		sess.LastQuery = queryText
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return r.setSession(ctx, p, sess)
		})
		return err
	}, key)
	return wrapRedisErr("touch query", err)
}

// Stats summarizes the store contents.
func (r *RedisStore) Stats(ctx context.Context) (*convmem.Stats, error) {
	sessions, err := r.ListSessions(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}
	stats := &convmem.Stats{TotalSessions: len(sessions)}
	for _, sess := range sessions {
		if sess.Status == convmem.SessionActive {
			stats.ActiveSessions++
		}
		stats.TotalMemories += sess.MemoryCount
	}
	if stats.ActiveSessions > 0 {
		stats.AvgMemoriesPerSession = float64(stats.TotalMemories) / float64(stats.ActiveSessions)
	}
	return stats, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func sortSessionsByUpdated(sessions []*convmem.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *convmem.SessionNotFoundError
	if errors.As(err, &notFound) {
		return notFound
	}
	return &convmem.StorageError{Op: op, Cause: err}
}
