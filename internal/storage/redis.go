package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

const redisAuditKeep = 10000

// redisStore keeps ids in a sorted set (score = id) for ordered listing and
// job bodies in a hash. Writes touching both go through MULTI/EXEC.
type redisStore struct {
	client *redis.Client
	log    logx.Logger

	keyIDs   string
	keyJobs  string
	keyState string
	keyAudit string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "watchbot"
	}
	log.Debug("redis store opened", logx.String("addr", opts.Addr), logx.Int("db", opts.DB), logx.String("prefix", prefix))
	return &redisStore{
		client:   client,
		log:      log,
		keyIDs:   prefix + ":jobs:ids",
		keyJobs:  prefix + ":jobs",
		keyState: prefix + ":scheduler:state",
		keyAudit: prefix + ":audit",
	}, nil
}

func (s *redisStore) Get(ctx context.Context, id job.ID) (job.Job, bool, error) {
	b, err := s.client.HGet(ctx, s.keyJobs, id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, err
	}
	var j job.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return job.Job{}, false, errors.Wrapf(err, "decode job %d", id)
	}
	return j, true, nil
}

func (s *redisStore) Exists(ctx context.Context, id job.ID) (bool, error) {
	return s.client.HExists(ctx, s.keyJobs, id.String()).Result()
}

func (s *redisStore) Put(ctx context.Context, id job.ID, j job.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	member := id.String()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyJobs, member, body)
		pipe.ZAdd(ctx, s.keyIDs, redis.Z{Score: float64(id), Member: member})
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, id job.ID) (bool, error) {
	member := id.String()
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.keyJobs, member)
		pipe.ZRem(ctx, s.keyIDs, member)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (s *redisStore) List(ctx context.Context, offset, limit int) ([]Record, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []Record{}, nil
	}
	members, err := s.client.ZRange(ctx, s.keyIDs, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []Record{}, nil
	}
	vals, err := s.client.HMGet(ctx, s.keyJobs, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(members))
	for i, m := range members {
		raw, ok := vals[i].(string)
		if !ok {
			// id indexed without a body; a concurrent delete between the two reads.
			continue
		}
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad job id %q in %s", m, s.keyIDs)
		}
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, errors.Wrapf(err, "decode job %s", m)
		}
		out = append(out, Record{ID: job.ID(id), Job: j})
	}
	return out, nil
}

func (s *redisStore) SaveState(ctx context.Context, state []byte) error {
	return s.client.Set(ctx, s.keyState, state, 0).Err()
}

func (s *redisStore) LoadState(ctx context.Context) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.keyState).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e.normalize()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.keyAudit, b)
	pipe.LTrim(ctx, s.keyAudit, 0, redisAuditKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
