package overrides

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"checkline/internal/domain"
)

const (
	fieldScore    = "ai_score"
	fieldAnalysis = "ai_analysis"
	fieldFeedback = "feedback_comment"
	fieldVerdict  = "verification_result"
)

// Redis keeps one hash per instruction so single soft fields can be set or
// dropped without a read-modify-write.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if client == nil {
		panic("overrides.NewRedis: client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) Get(ctx context.Context, id string) (Entry, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(vals) == 0 {
		return Entry{}, false, nil
	}
	e, err := decodeEntry(vals)
	if err != nil {
		return Entry{}, false, fmt.Errorf("override %s: %w", id, err)
	}
	return e, true, nil
}

func (r *Redis) GetMany(ctx context.Context, ids []string) (map[string]Entry, error) {
	if len(ids) == 0 {
		return map[string]Entry{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := make(map[string]Entry, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		e, err := decodeEntry(vals)
		if err != nil {
			return nil, fmt.Errorf("override %s: %w", ids[i], err)
		}
		res[ids[i]] = e
	}
	return res, nil
}

func (r *Redis) Save(ctx context.Context, id string, p domain.Patch) error {
	set := map[string]any{}
	var del []string
	collect := func(name string, touched bool, value *string) {
		if !touched {
			return
		}
		if value == nil {
			del = append(del, name)
			return
		}
		set[name] = *value
	}
	collect(fieldScore, p.AIScore.Set, intString(p.AIScore.Value))
	collect(fieldAnalysis, p.AIAnalysis.Set, p.AIAnalysis.Value)
	collect(fieldFeedback, p.FeedbackComment.Set, p.FeedbackComment.Value)
	collect(fieldVerdict, p.VerificationResult.Set, verdictString(p.VerificationResult.Value))
	if len(set) == 0 && len(del) == 0 {
		return nil
	}
	key := r.key(id)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			pipe.HDel(ctx, key, del...)
		}
		if len(set) > 0 {
			pipe.HSet(ctx, key, set)
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
		}
		return nil
	})
	return err
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

func decodeEntry(vals map[string]string) (Entry, error) {
	var e Entry
	if v, ok := vals[fieldScore]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return e, fmt.Errorf("ai_score %q: %w", v, err)
		}
		e.AIScore = &n
	}
	if v, ok := vals[fieldAnalysis]; ok {
		e.AIAnalysis = &v
	}
	if v, ok := vals[fieldFeedback]; ok {
		e.FeedbackComment = &v
	}
	if v, ok := vals[fieldVerdict]; ok {
		verdict, err := domain.ParseVerdict(v)
		if err != nil {
			return e, err
		}
		e.VerificationResult = &verdict
	}
	return e, nil
}

func intString(v *int) *string {
	if v == nil {
		return nil
	}
	s := strconv.Itoa(*v)
	return &s
}

func verdictString(v *domain.Verdict) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
