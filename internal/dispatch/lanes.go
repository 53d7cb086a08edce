package dispatch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// task is one admitted notification on its way to a provider.
type task struct {
	key            storage.TaskKey
	notificationID string
	outageVersion  int64
	outage         *storage.Outage
	user           *storage.User
	address        string
	content        *render.Content
	notBefore      time.Time
	state          TaskState
	// resumed is set once the task comes back for a retry or from recovery.
	resumed bool
}

// laneKey groups tasks for one outage, user and channel. Tasks in a lane run
// strictly one after another so a user never sees, say, CANCELLED before
// CREATED on the same channel.
type laneKey struct {
	outageID string
	userID   string
	channel  storage.ChannelType
}

func laneOf(k storage.TaskKey) laneKey {
	return laneKey{outageID: k.OutageID, userID: k.UserID, channel: k.Channel}
}

type lane struct {
	key     laneKey
	tasks   []*task
	running bool
	timer   clockwork.Timer
}

// laneQueue is a set of FIFO lanes served by a worker pool. A lane is handed
// to at most one worker at a time; a lane whose head is not yet due sleeps on
// a clock timer without holding a worker.
type laneQueue struct {
	clock clockwork.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	lanes   map[laneKey]*lane
	ready   []*lane
	held    map[string]struct{}
	pending int
	closed  bool
}

func newLaneQueue(clock clockwork.Clock) *laneQueue {
	q := &laneQueue{clock: clock, lanes: make(map[laneKey]*lane), held: make(map[string]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends t to the tail of its lane.
func (q *laneQueue) push(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	k := laneOf(t.key)
	l, ok := q.lanes[k]
	if !ok {
		l = &lane{key: k}
		q.lanes[k] = l
	}
	l.tasks = append(l.tasks, t)
	q.held[t.notificationID] = struct{}{}
	q.pending++
	if !l.running && l.timer == nil {
		q.scheduleLocked(l)
	}
	return true
}

// next blocks until a lane is ready and pops its head task. It returns nil
// once the queue is closed.
func (q *laneQueue) next() (*lane, *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, nil
	}
	l := q.ready[0]
	q.ready = q.ready[1:]
	t := l.tasks[0]
	l.tasks = l.tasks[1:]
	return l, t
}

// done releases the lane after a worker finished with t. A retried t goes
// back to the head of the lane.
func (q *laneQueue) done(l *lane, t *task, retry bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l.running = false
	if retry {
		t.resumed = true
		l.tasks = append([]*task{t}, l.tasks...)
	} else {
		delete(q.held, t.notificationID)
		q.pending--
		if q.pending == 0 {
			q.cond.Broadcast()
		}
	}
	if q.closed {
		return
	}
	if len(l.tasks) == 0 {
		delete(q.lanes, l.key)
		return
	}
	q.scheduleLocked(l)
}

func (q *laneQueue) scheduleLocked(l *lane) {
	head := l.tasks[0]
	if wait := head.notBefore.Sub(q.clock.Now()); wait > 0 {
		l.timer = q.clock.AfterFunc(wait, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			l.timer = nil
			if q.closed || l.running || len(l.tasks) == 0 {
				return
			}
			q.scheduleLocked(l)
		})
		return
	}
	l.running = true
	q.ready = append(q.ready, l)
	q.cond.Signal()
}

// holds reports whether the record with id is queued, sleeping or running.
func (q *laneQueue) holds(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.held[id]
	return ok
}

// size returns the number of tasks queued, sleeping or running.
func (q *laneQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// close wakes every worker and stops all lane timers. Queued tasks are
// abandoned; their records stay PENDING until the recovery sweep finds them.
func (q *laneQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	abandoned := 0
	for _, l := range q.lanes {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		abandoned += len(l.tasks)
	}
	q.cond.Broadcast()
	return abandoned
}
