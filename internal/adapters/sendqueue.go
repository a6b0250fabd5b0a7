package adapters

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

const (
	chatQueueDepth = 64
	maxPause       = time.Minute
)

// SendFn executes one command against the platform.
type SendFn func(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error)

type sendJob struct {
	ctx   context.Context
	cmd   bus.SendCommand
	reply chan sendReply
}

type sendReply struct {
	res bus.SendResult
	err error
}

type chatLane struct {
	jobs chan sendJob
	busy bool
}

// SendQueue serializes outbound commands per chat while letting chats
// proceed in parallel. A platform rate-limit signal (Busy with a
// retry-after) pauses all lanes for the signaled duration and the
// limited command is retried once after the pause.
type SendQueue struct {
	do  SendFn
	log *slog.Logger

	mu         sync.Mutex
	lanes      map[string]*chatLane
	pauseUntil time.Time
}

func NewSendQueue(do SendFn, log *slog.Logger) *SendQueue {
	if log == nil {
		log = slog.Default()
	}
	return &SendQueue{do: do, log: log, lanes: make(map[string]*chatLane)}
}

// Do enqueues the command on its chat lane and waits for the result.
// A full lane rejects with Busy rather than blocking the caller.
func (q *SendQueue) Do(ctx context.Context, cmd bus.SendCommand) (bus.SendResult, error) {
	job := sendJob{ctx: ctx, cmd: cmd, reply: make(chan sendReply, 1)}

	q.mu.Lock()
	lane := q.lanes[cmd.ChatID]
	if lane == nil {
		lane = &chatLane{jobs: make(chan sendJob, chatQueueDepth)}
		q.lanes[cmd.ChatID] = lane
	}
	select {
	case lane.jobs <- job:
	default:
		q.mu.Unlock()
		return bus.SendResult{}, fault.BusyFor(time.Second, "send queue full for chat %s", cmd.ChatID)
	}
	if !lane.busy {
		lane.busy = true
		go q.pump(lane)
	}
	q.mu.Unlock()

	select {
	case r := <-job.reply:
		return r.res, r.err
	case <-ctx.Done():
		// The lane still runs the job for ordering; the result is lost.
		return bus.SendResult{}, ctx.Err()
	}
}

func (q *SendQueue) pump(lane *chatLane) {
	for {
		q.waitPause()
		select {
		case job := <-lane.jobs:
			q.run(job)
		default:
			q.mu.Lock()
			if len(lane.jobs) == 0 {
				lane.busy = false
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

func (q *SendQueue) run(job sendJob) {
	if err := job.ctx.Err(); err != nil {
		job.reply <- sendReply{err: err}
		return
	}
	res, err := q.do(job.ctx, job.cmd)

	var fe *fault.Error
	if errors.As(err, &fe) && fe.Kind == fault.Busy && fe.RetryAfter > 0 {
		q.Pause(fe.RetryAfter)
		q.log.Warn("adapter.send_rate_limited",
			"chat", job.cmd.ChatID, "retry_after", fe.RetryAfter)
		select {
		case <-job.ctx.Done():
			err = job.ctx.Err()
		case <-time.After(clampPause(fe.RetryAfter)):
			res, err = q.do(job.ctx, job.cmd)
		}
	}
	job.reply <- sendReply{res: res, err: err}
}

// Pause holds every lane until now+d. Later of the two wins when pauses
// overlap.
func (q *SendQueue) Pause(d time.Duration) {
	until := time.Now().Add(clampPause(d))
	q.mu.Lock()
	if until.After(q.pauseUntil) {
		q.pauseUntil = until
	}
	q.mu.Unlock()
}

func (q *SendQueue) waitPause() {
	for {
		q.mu.Lock()
		wait := time.Until(q.pauseUntil)
		q.mu.Unlock()
		if wait <= 0 {
			return
		}
		time.Sleep(wait)
	}
}

func clampPause(d time.Duration) time.Duration {
	if d > maxPause {
		return maxPause
	}
	return d
}
