package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmptyJobName rejects triggers without a target.
var ErrEmptyJobName = errors.New("trigger requires a job name")

// Request asks the scheduler loop to run a job outside its schedule.
type Request struct {
	JobName     string    `json:"job_name"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// RedisQueue is a FIFO list of trigger requests shared by every scheduler instance.
// The API pushes; whichever loop pops a request first owns it.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue wraps an existing client. key defaults to "scheduler:triggers".
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "scheduler:triggers"
	}
	return &RedisQueue{client: client, key: key}
}

// Push appends a request to the queue.
func (q *RedisQueue) Push(ctx context.Context, req Request) error {
	if req.JobName == "" {
		return ErrEmptyJobName
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	return q.client.RPush(ctx, q.key, body).Err()
}

// Pop removes up to max requests in arrival order. Entries that fail to decode are dropped.
func (q *RedisQueue) Pop(ctx context.Context, max int) ([]Request, error) {
	if max <= 0 {
		max = 1
	}
	res, err := popScript.Run(ctx, q.client, []string{q.key}, max).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop triggers: %w", err)
	}
	out := make([]Request, 0, len(res))
	for _, raw := range res {
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil || req.JobName == "" {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Depth returns the number of queued requests.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// LPOP with a count is Redis 6.2+; the script keeps older servers working.
var popScript = redis.NewScript(`
local out = {}
for i=1,tonumber(ARGV[1]) do
  local item = redis.call('LPOP', KEYS[1])
  if not item then break end
  out[#out+1] = item
end
return out
`)
