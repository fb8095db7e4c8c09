package speech

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSpeaker records played text. When gate is set, each Play blocks
// until a value is received from it.
type recordingSpeaker struct {
	mu      sync.Mutex
	played  []string
	started chan string
	gate    chan struct{}
}

func newRecordingSpeaker(gated bool) *recordingSpeaker {
	s := &recordingSpeaker{started: make(chan string, 100)}
	if gated {
		s.gate = make(chan struct{})
	}
	return s
}

func (s *recordingSpeaker) Play(ctx context.Context, text string) error {
	s.started <- text
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.played = append(s.played, text)
	s.mu.Unlock()
	return nil
}

func (s *recordingSpeaker) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	sp := newRecordingSpeaker(false)
	q := NewQueue(sp)

	// Everything is queued before the worker starts, so order is decided by the heap alone
	q.Enqueue("low-1", 2)
	q.Enqueue("high-1", 1)
	q.Enqueue("low-2", 2)
	q.Enqueue("urgent", 0)
	q.Enqueue("high-2", 1)
	q.Enqueue("low-3", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, func() bool { return len(sp.Played()) == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"urgent", "high-1", "high-2", "low-1", "low-2", "low-3"}, sp.Played())
	require.Eventually(t, func() bool { return !q.IsBusy() }, time.Second, 5*time.Millisecond)
}

func TestQueue_OnePlayAtATime(t *testing.T) {
	sp := newRecordingSpeaker(true)
	q := NewQueue(sp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue("first", 1)
	assert.Equal(t, "first", <-sp.started)

	// A more urgent request waits for the current play to end
	q.Enqueue("second", 0)
	select {
	case text := <-sp.started:
		t.Fatalf("%q started while another play was in progress", text)
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, q.IsBusy())

	sp.gate <- struct{}{}
	assert.Equal(t, "second", <-sp.started)
	sp.gate <- struct{}{}

	require.Eventually(t, func() bool { return !q.IsBusy() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, sp.Played())
}

func TestQueue_ClearKeepsCurrentPlay(t *testing.T) {
	sp := newRecordingSpeaker(true)
	q := NewQueue(sp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue("playing", 1)
	<-sp.started
	q.Enqueue("pending-1", 1)
	q.Enqueue("pending-2", 2)
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())
	// Still busy: the current request is mid-play
	assert.True(t, q.IsBusy())

	sp.gate <- struct{}{}
	require.Eventually(t, func() bool { return !q.IsBusy() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"playing"}, sp.Played())
}

func TestQueue_IgnoresBlankText(t *testing.T) {
	q := NewQueue(newRecordingSpeaker(false))
	q.Enqueue("   ", 1)
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.IsBusy())
}

func TestQueue_DepthObserver(t *testing.T) {
	var (
		mu     sync.Mutex
		depths []int
	)
	q := NewQueue(newRecordingSpeaker(false), WithDepthObserver(func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	}))
	q.Enqueue("a", 1)
	q.Enqueue("b", 1)
	q.Clear()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 0}, depths)
}

func TestQueue_StopsOnCancel(t *testing.T) {
	q := NewQueue(newRecordingSpeaker(false))
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() { q.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after cancel")
	}
}

func TestLogSpeaker(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewLogSpeaker(&buf).Play(context.Background(), "hello"))
	assert.Equal(t, "🔊 hello\n", buf.String())
}

func TestSelectSpeaker(t *testing.T) {
	fallback := NewLogSpeaker(&bytes.Buffer{})
	installed := func(names ...string) func(string) (string, error) {
		return func(name string) (string, error) {
			for _, n := range names {
				if n == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", exec.ErrNotFound
		}
	}

	s := selectSpeaker("", "linux", installed("festival"), fallback)
	cs, ok := s.(*CommandSpeaker)
	require.True(t, ok)
	assert.Equal(t, "festival", cs.Name)
	assert.True(t, cs.Stdin)

	s = selectSpeaker("", "linux", installed("espeak", "festival"), fallback)
	assert.Equal(t, "espeak", s.(*CommandSpeaker).Name)

	s = selectSpeaker("", "darwin", installed("say"), fallback)
	assert.Equal(t, "say", s.(*CommandSpeaker).Name)

	s = selectSpeaker("", "linux", installed(), fallback)
	assert.Same(t, fallback, s)

	s = selectSpeaker("espeak -s 140 {text}", "linux", installed("espeak"), fallback)
	cs = s.(*CommandSpeaker)
	assert.Equal(t, []string{"-s", "140", "{text}"}, cs.Args)

	// A configured command that is missing falls through to detection
	s = selectSpeaker("piper --model x", "linux", installed("espeak"), fallback)
	assert.Equal(t, "espeak", s.(*CommandSpeaker).Name)
}

func TestCommandSpeaker_Error(t *testing.T) {
	s := &CommandSpeaker{Name: "doorsight-no-such-tts"}
	err := s.Play(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}
