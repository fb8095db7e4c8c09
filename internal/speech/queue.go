// Package speech serializes spoken feedback through a priority queue drained
// by a single worker.
package speech

import (
	"container/heap"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Priorities used by the doorbell pipeline. Lower is more urgent.
const (
	PriorityPrimary       = 1
	PrioritySupplementary = 2
)

// Request is one utterance waiting to be played.
type Request struct {
	Text       string
	Priority   int
	EnqueuedAt time.Time
	seq        uint64
}

// Speaker plays text aloud and blocks until playback ends.
type Speaker interface {
	Play(ctx context.Context, text string) error
}

// requestHeap orders by priority, then enqueue order.
type requestHeap []Request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}

// Queue is a priority queue with one consumer calling Speaker.Play.
type Queue struct {
	speaker Speaker

	mu      sync.Mutex
	items   requestHeap
	seq     uint64
	playing bool

	wake    chan struct{}
	done    chan struct{}
	onDepth func(int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithDepthObserver registers fn to be told the pending count after every change.
func WithDepthObserver(fn func(int)) Option {
	return func(q *Queue) { q.onDepth = fn }
}

func NewQueue(speaker Speaker, opts ...Option) *Queue {
	q := &Queue{
		speaker: speaker,
		wake:    make(chan struct{}, 1),
		onDepth: func(int) {},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds text at the given priority. Blank text is ignored.
func (q *Queue) Enqueue(text string, priority int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, Request{Text: text, Priority: priority, EnqueuedAt: time.Now(), seq: q.seq})
	depth := len(q.items)
	q.mu.Unlock()

	q.onDepth(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear drops every pending request. A request already playing finishes.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.onDepth(0)
	return n
}

// IsBusy reports whether something is playing or waiting to play.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing || len(q.items) > 0
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start launches the worker. It exits when ctx is cancelled; Wait blocks
// until it has.
func (q *Queue) Start(ctx context.Context) {
	q.done = make(chan struct{})
	go q.run(ctx)
}

// Wait blocks until the worker started by Start has exited.
func (q *Queue) Wait() {
	if q.done != nil {
		<-q.done
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		req, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if err := q.speaker.Play(ctx, req.Text); err != nil {
			slog.Warn("speech playback failed", "text", req.Text, "error", err)
		}

		q.mu.Lock()
		q.playing = false
		q.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the most urgent request and marks the queue as playing.
func (q *Queue) next() (Request, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Request{}, false
	}
	req := heap.Pop(&q.items).(Request)
	q.playing = true
	depth := len(q.items)
	q.mu.Unlock()

	q.onDepth(depth)
	return req, true
}
