package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/mailq/internal/domain"
)

// Key schema. The hash tag pins every key to one cluster slot so that
// multi-key operations (pipelines, the cancel script) stay valid under
// Redis Cluster.
const (
	delayedKey = "{mailq}:delayed"
	readyKey   = "{mailq}:ready"
	activeKey  = "{mailq}:active"
	pausedKey  = "{mailq}:paused"

	jobKeyPrefix   = "{mailq}:job:"
	ownerKeyPrefix = "{mailq}:owner:"
)

func jobKey(id string) string      { return jobKeyPrefix + id }
func ownerKey(owner string) string { return ownerKeyPrefix + owner }

// JobPolicy is the default policy applied to every job: how many delivery
// attempts before permanent failure, the fixed delay between retries, and
// whether finished jobs are purged immediately to bound broker storage.
// Set once at construction, immutable thereafter.
type JobPolicy struct {
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Store is the broker-side job store: delayed set, ready queue, active
// set and per-job hashes. All cross-caller coordination happens in Redis;
// Store itself holds no mutable state.
type Store struct {
	rdb      r.UniversalClient
	blocking r.UniversalClient
	policy   JobPolicy
}

// NewStore wraps the command and blocking-pop clients. The blocking client
// must be a separate handle so BRPOP cannot starve the command path.
func NewStore(rdb, blocking r.UniversalClient, policy JobPolicy) *Store {
	return &Store{rdb: rdb, blocking: blocking, policy: policy}
}

func (s *Store) Policy() JobPolicy { return s.policy }

// cancelScript transitions one job to cancelled iff it belongs to the
// given owner and is still waiting or delayed. Runs atomically so a
// concurrent worker pickup either wins outright or loses outright.
var cancelScript = r.NewScript(`
local job = KEYS[1]
local owner = ARGV[1]
local id = ARGV[2]
if redis.call("EXISTS", job) == 0 then
  return "notfound"
end
if redis.call("HGET", job, "owner") ~= owner then
  return "notfound"
end
local status = redis.call("HGET", job, "status")
if status ~= "waiting" and status ~= "delayed" then
  return "state:" .. status
end
redis.call("HSET", job, "status", "cancelled", "updated_at", ARGV[3])
redis.call("ZREM", KEYS[2], id)
redis.call("LREM", KEYS[3], 0, id)
return "ok"
`)

// Enqueue places a new job: into the delayed set when its fire time is in
// the future, straight onto the ready queue otherwise.
func (s *Store) Enqueue(ctx context.Context, j *domain.Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	delayed := j.DelayUntil.After(now)
	if delayed {
		j.Status = domain.Delayed
	} else {
		j.Status = domain.Waiting
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = s.policy.Attempts
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobFields(j))
	pipe.SAdd(ctx, ownerKey(j.Owner), j.ID)
	if delayed {
		pipe.ZAdd(ctx, delayedKey, r.Z{Score: float64(j.DelayUntil.Unix()), Member: j.ID})
	} else {
		pipe.LPush(ctx, readyKey, j.ID)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "enqueue job")
}

// MoveDue promotes delayed jobs whose fire time has passed onto the ready
// queue, up to batch at a time.
func (s *Store) MoveDue(ctx context.Context, now int64, batch int64) error {
	ids, err := s.rdb.ZRangeByScore(ctx, delayedKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return errors.Wrap(err, "range due jobs")
	}

	ts := strconv.FormatInt(now, 10)
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
		pipe.ZRem(ctx, delayedKey, id)
		pipe.HSet(ctx, jobKey(id), "status", string(domain.Waiting), "updated_at", ts)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "move due jobs")
}

// PopReady blocks up to block for the next ready job, marks it active and
// returns it. Returns nil with no error when the wait times out.
func (s *Store) PopReady(ctx context.Context, block time.Duration) (*domain.Job, error) {
	res, err := s.blocking.BRPop(ctx, block, readyKey).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pop ready job")
	}
	if len(res) != 2 {
		return nil, nil
	}
	id := res[1]

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, activeKey, id)
	pipe.HSet(ctx, jobKey(id), "status", string(domain.Active), "updated_at", ts)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "mark job active")
	}
	j, err := s.GetJob(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// Popped id with no hash: the record was purged underneath us.
		s.rdb.SRem(ctx, activeKey, id)
		return nil, nil
	}
	return j, err
}

// Complete finishes an active job, purging it entirely when the policy
// says so.
func (s *Store) Complete(ctx context.Context, id string) error {
	owner, err := s.rdb.HGet(ctx, jobKey(id), "owner").Result()
	if err != nil && err != r.Nil {
		return errors.Wrap(err, "read job owner")
	}

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, activeKey, id)
	if s.policy.RemoveOnComplete {
		pipe.Del(ctx, jobKey(id))
		pipe.SRem(ctx, ownerKey(owner), id)
	} else {
		pipe.HSet(ctx, jobKey(id), "status", string(domain.Completed), "updated_at", ts)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "complete job")
}

// Fail records a failed attempt. The job is re-delayed by the policy
// backoff until its attempts are exhausted, then marked failed (or purged,
// per policy).
func (s *Store) Fail(ctx context.Context, id string, reason string) error {
	vals, err := s.rdb.HMGet(ctx, jobKey(id), "owner", "attempt", "maxattempts").Result()
	if err != nil {
		return errors.Wrap(err, "read job for fail")
	}
	owner, _ := vals[0].(string)
	attempt := atoiField(vals[1])
	maxAttempts := atoiField(vals[2])
	attempt++

	now := time.Now().UTC()
	ts := strconv.FormatInt(now.Unix(), 10)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, activeKey, id)
	if attempt < maxAttempts {
		retryAt := now.Add(s.policy.Backoff)
		pipe.HSet(ctx, jobKey(id),
			"status", string(domain.Delayed),
			"attempt", strconv.Itoa(attempt),
			"last_error", reason,
			"delay_until", strconv.FormatInt(retryAt.Unix(), 10),
			"updated_at", ts)
		pipe.ZAdd(ctx, delayedKey, r.Z{Score: float64(retryAt.Unix()), Member: id})
	} else if s.policy.RemoveOnFail {
		pipe.Del(ctx, jobKey(id))
		pipe.SRem(ctx, ownerKey(owner), id)
	} else {
		pipe.HSet(ctx, jobKey(id),
			"status", string(domain.Failed),
			"attempt", strconv.Itoa(attempt),
			"last_error", reason,
			"updated_at", ts)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "fail job")
}

// Cancel atomically transitions a waiting or delayed job owned by owner to
// cancelled. Returns domain.ErrNotFound when the job is missing or owned
// by someone else, domain.ErrInvalidState when it is active or terminal.
func (s *Store) Cancel(ctx context.Context, owner, id string) error {
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	res, err := cancelScript.Run(ctx, s.rdb,
		[]string{jobKey(id), delayedKey, readyKey},
		owner, id, ts).Text()
	if err != nil {
		return errors.Wrap(err, "cancel job")
	}
	switch {
	case res == "ok":
		return nil
	case res == "notfound":
		return domain.ErrNotFound
	default:
		return errors.Wrapf(domain.ErrInvalidState, "status %s", res[len("state:"):])
	}
}

// GetJob fetches one job hash. Missing hashes map to domain.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return parseJob(id, fields), nil
}

// JobsForOwner enumerates the owner's jobs through the owner index set.
// The index is the broker-side owner filter; remaining predicates are
// applied by the caller.
func (s *Store) JobsForOwner(ctx context.Context, owner string) ([]*domain.Job, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list owner jobs")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*r.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != r.Nil {
		return nil, errors.Wrap(err, "fetch owner jobs")
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// Purged between SMEMBERS and HGETALL; skip.
			continue
		}
		jobs = append(jobs, parseJob(ids[i], fields))
	}
	return jobs, nil
}

// ActiveCount returns the number of jobs currently being executed.
func (s *Store) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, activeKey).Result()
	return n, errors.Wrap(err, "count active jobs")
}

// SetPaused flips the broker-side admission flag the worker consults
// before dispatching new jobs. Jobs already in flight are unaffected.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return errors.Wrap(s.rdb.Set(ctx, pausedKey, "1", 0).Err(), "set paused")
	}
	return errors.Wrap(s.rdb.Del(ctx, pausedKey).Err(), "clear paused")
}

func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, pausedKey).Result()
	return n > 0, errors.Wrap(err, "check paused")
}

func jobFields(j *domain.Job) map[string]interface{} {
	return map[string]interface{}{
		"owner":       j.Owner,
		"tag":         j.Tag,
		"txid":        j.TxID,
		"status":      string(j.Status),
		"payload":     string(j.Payload),
		"attempt":     strconv.Itoa(j.Attempt),
		"maxattempts": strconv.Itoa(j.MaxAttempts),
		"delay_until": strconv.FormatInt(j.DelayUntil.Unix(), 10),
		"last_error":  j.LastError,
		"created_at":  strconv.FormatInt(j.CreatedAt.Unix(), 10),
		"updated_at":  strconv.FormatInt(j.UpdatedAt.Unix(), 10),
	}
}

func parseJob(id string, fields map[string]string) *domain.Job {
	return &domain.Job{
		ID:          id,
		Owner:       fields["owner"],
		Tag:         fields["tag"],
		TxID:        fields["txid"],
		Status:      domain.Status(fields["status"]),
		Payload:     []byte(fields["payload"]),
		Attempt:     atoiString(fields["attempt"]),
		MaxAttempts: atoiString(fields["maxattempts"]),
		DelayUntil:  unixField(fields["delay_until"]),
		LastError:   fields["last_error"],
		CreatedAt:   unixField(fields["created_at"]),
		UpdatedAt:   unixField(fields["updated_at"]),
	}
}

func atoiString(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiField(v interface{}) int {
	s, _ := v.(string)
	return atoiString(s)
}

func unixField(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
