// Package doorbell runs one visitor analysis per doorbell press.
package doorbell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/doorsight/internal/camera"
	"github.com/andresmejia3/doorsight/internal/matcher"
	"github.com/andresmejia3/doorsight/internal/notify"
	"github.com/andresmejia3/doorsight/internal/observability"
	"github.com/andresmejia3/doorsight/internal/registry"
	"github.com/andresmejia3/doorsight/internal/speech"
	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/vision"
)

var (
	// ErrBusy is returned when an analysis is already in flight.
	ErrBusy = errors.New("analysis already in progress")
	// ErrNoFrameAvailable is returned when neither the buffer nor the live
	// camera produced a frame.
	ErrNoFrameAvailable = errors.New("no frame available")
)

// Decision is the branch an analysis took.
type Decision string

const (
	DecisionKnown   Decision = "known"
	DecisionUnknown Decision = "unknown"
	DecisionNoFace  Decision = "no_face"
)

// State is the orchestrator's position in an analysis.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateMatching
	StateDeciding
	StateKnown
	StateUnknown
	StateNoFace
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateMatching:
		return "matching"
	case StateDeciding:
		return "deciding"
	case StateKnown:
		return "known"
	case StateUnknown:
		return "unknown"
	case StateNoFace:
		return "no_face"
	case StateFinalizing:
		return "finalizing"
	}
	return "invalid"
}

// Frames is the buffer analyses pick their frame from.
type Frames interface {
	Latest() (types.Frame, bool)
	ByOffset(offset time.Duration) (types.Frame, bool)
	Len() int
	Capacity() int
	Span() (oldest, newest time.Time)
}

// LiveCamera is read directly when the buffer has nothing suitable.
type LiveCamera interface {
	Read(ctx context.Context) (types.Frame, error)
}

// FaceMatcher finds faces in a frame and resolves them to enrolled persons.
type FaceMatcher interface {
	DetectAndMatch(ctx context.Context, frame types.Frame) ([]matcher.Detection, error)
}

// Describer produces a description of a visitor nobody recognized.
type Describer interface {
	Describe(ctx context.Context, jpeg []byte) (string, error)
}

// Speech queues lines to be spoken.
type Speech interface {
	Enqueue(text string, priority int)
}

// People loads enrolled persons for greetings.
type People interface {
	Get(ctx context.Context, id string) (*registry.Person, error)
}

// Persistence stores analyzed frames. SaveImage must not block.
type Persistence interface {
	SaveImage(frame types.Frame)
}

// Notifier publishes completed analyses. Notify must not block.
type Notifier interface {
	Notify(ev notify.VisitorEvent)
}

// Deps are the collaborators of an Orchestrator. Camera, Persistence,
// Notifier and Metrics may be nil.
type Deps struct {
	Frames      Frames
	Camera      LiveCamera
	Matcher     FaceMatcher
	Describer   Describer
	Speech      Speech
	People      People
	Persistence Persistence
	Notifier    Notifier
	Metrics     *observability.Metrics
}

// Config tunes an Orchestrator. Zero timeouts disable the bound.
type Config struct {
	// MatchTimeout bounds face detection and matching.
	MatchTimeout time.Duration
	// VisionTimeout bounds a single Describe call.
	VisionTimeout time.Duration
	// LiveTimeout bounds the direct camera read.
	LiveTimeout time.Duration
	// Announce speaks MsgChecking when an analysis starts.
	Announce bool
}

// Result is the outcome of one completed analysis. It is never modified
// after it is built.
type Result struct {
	ID          uuid.UUID           `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Frame       types.Frame         `json:"-"`
	FrameSource string              `json:"frame_source"`
	FrameTime   time.Time           `json:"frame_time"`
	Detections  []matcher.Detection `json:"detections"`
	Decision    Decision            `json:"decision"`
	PersonID    string              `json:"person_id,omitempty"`
	PersonName  string              `json:"person_name,omitempty"`
	Confidence  float64             `json:"confidence,omitempty"`
	Message     string              `json:"message"`
	Description string              `json:"description,omitempty"`
	Duration    time.Duration       `json:"duration_ns"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Detections = append([]matcher.Detection(nil), r.Detections...)
	return &c
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State          string     `json:"state"`
	Busy           bool       `json:"busy"`
	LastAnalysis   *time.Time `json:"last_analysis,omitempty"`
	FramesBuffered int        `json:"frames_buffered"`
	FramesCapacity int        `json:"frames_capacity"`
	BufferSeconds  float64    `json:"buffer_seconds"`
	LastResult     *Result    `json:"last_result,omitempty"`
}

type line struct {
	text     string
	priority int
}

// Orchestrator serializes analyses: at most one runs at a time and every
// other press is turned away with ErrBusy.
type Orchestrator struct {
	deps Deps
	cfg  Config

	busy  atomic.Bool
	state atomic.Int32

	mu   sync.RWMutex
	last *Result

	now func() time.Time
}

// New builds an idle Orchestrator. LiveTimeout defaults to 5s.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 5 * time.Second
	}
	return &Orchestrator{deps: deps, cfg: cfg, now: time.Now}
}

// Analyze runs one analysis and blocks until it finishes. A negative offset
// looks back into the buffer; a positive one waits before taking the newest
// frame.
func (o *Orchestrator) Analyze(ctx context.Context, offset time.Duration) (*Result, error) {
	if !o.acquire() {
		return nil, ErrBusy
	}
	return o.run(ctx, offset)
}

// Trigger starts an analysis in the background. It only fails with ErrBusy.
func (o *Orchestrator) Trigger(ctx context.Context, offset time.Duration) error {
	if !o.acquire() {
		return ErrBusy
	}
	go func() {
		if _, err := o.run(context.WithoutCancel(ctx), offset); err != nil {
			slog.Warn("doorbell analysis failed", "error", err)
		}
	}()
	return nil
}

func (o *Orchestrator) acquire() bool {
	if o.busy.CompareAndSwap(false, true) {
		return true
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.BusyRejections.Inc()
	}
	slog.Info("doorbell press ignored, analysis in progress")
	return false
}

func (o *Orchestrator) run(ctx context.Context, offset time.Duration) (res *Result, err error) {
	start := o.now()
	var lines []line
	defer func() { o.finalize(res, lines) }()

	o.setState(StateCapturing)
	if o.cfg.Announce {
		o.deps.Speech.Enqueue(MsgChecking, speech.PriorityPrimary)
	}

	frame, ok := o.selectFrame(ctx, offset)
	if !ok {
		slog.Error("no frame available for analysis", "offset", offset)
		lines = append(lines, line{MsgNoFrame, speech.PriorityPrimary})
		return nil, ErrNoFrameAvailable
	}

	o.setState(StateMatching)
	detections, matchErr := o.match(ctx, frame)
	if matchErr != nil {
		// Without the face model we can still describe the visitor.
		slog.Warn("face matching failed, falling back to description", "error", matchErr)
		detections = []matcher.Detection{}
	}

	o.setState(StateDeciding)
	res = &Result{
		ID:          uuid.New(),
		Timestamp:   start,
		Frame:       frame,
		FrameSource: frame.Source,
		FrameTime:   frame.Timestamp,
		Detections:  detections,
	}

	switch best, found := bestMatch(detections); {
	case found:
		o.setState(StateKnown)
		lines = o.known(ctx, res, best)
	case len(detections) > 0 || matchErr != nil:
		o.setState(StateUnknown)
		lines = o.unknown(ctx, res)
	default:
		o.setState(StateNoFace)
		res.Decision = DecisionNoFace
		res.Message = MsgNoFace
		lines = []line{{MsgNoFace, speech.PriorityPrimary}}
	}

	res.Duration = o.now().Sub(start)
	slog.Info("doorbell analysis complete",
		"decision", res.Decision,
		"person", res.PersonID,
		"faces", len(detections),
		"source", frame.Source,
		"duration", res.Duration,
	)
	return res, nil
}

// match runs face matching detached from the caller's cancellation, bounded
// by MatchTimeout.
func (o *Orchestrator) match(ctx context.Context, frame types.Frame) ([]matcher.Detection, error) {
	mctx := context.WithoutCancel(ctx)
	if o.cfg.MatchTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(mctx, o.cfg.MatchTimeout)
		defer cancel()
	}
	return o.deps.Matcher.DetectAndMatch(mctx, frame)
}

func (o *Orchestrator) known(ctx context.Context, res *Result, best matcher.Detection) []line {
	res.Decision = DecisionKnown
	res.PersonID = best.PersonID
	res.Confidence = best.Confidence

	person := registry.Person{ID: best.PersonID, Name: best.PersonID, Relationship: registry.RelationshipOther}
	if p, err := o.deps.People.Get(ctx, best.PersonID); err != nil {
		slog.Warn("matched person could not be loaded", "person", best.PersonID, "error", err)
	} else {
		person = *p
	}
	res.PersonName = person.Name

	primary, extra := Greeting(person, best.Confidence)
	res.Message = primary
	lines := []line{{primary, speech.PriorityPrimary}}
	if extra != "" {
		lines = append(lines, line{extra, speech.PrioritySupplementary})
	}
	return lines
}

func (o *Orchestrator) unknown(ctx context.Context, res *Result) []line {
	res.Decision = DecisionUnknown

	dctx := context.WithoutCancel(ctx)
	if o.cfg.VisionTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, o.cfg.VisionTimeout)
		defer cancel()
	}

	began := o.now()
	desc, err := o.deps.Describer.Describe(dctx, res.Frame.Data)
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, vision.ErrTimeout) {
		err = fmt.Errorf("%w: %w", vision.ErrTimeout, err)
	}
	o.observeVision(o.now().Sub(began), err)
	if err != nil {
		slog.Warn("visitor description failed", "error", err)
		res.Message = describeFailure(err)
		return []line{{res.Message, speech.PriorityPrimary}}
	}

	res.Description = desc
	res.Message = MsgUnknownPrefix + desc
	return []line{{res.Message, speech.PriorityPrimary}}
}

func (o *Orchestrator) observeVision(d time.Duration, err error) {
	if o.deps.Metrics == nil {
		return
	}
	kind := ""
	if err != nil {
		kind = "failure"
		if describeFailure(err) == MsgVisionTimeout {
			kind = "timeout"
		}
	}
	o.deps.Metrics.ObserveVision(d, kind)
}

func (o *Orchestrator) selectFrame(ctx context.Context, offset time.Duration) (types.Frame, bool) {
	var (
		frame types.Frame
		ok    bool
	)
	if offset > 0 {
		t := time.NewTimer(offset)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
		frame, ok = o.deps.Frames.Latest()
	} else {
		frame, ok = o.deps.Frames.ByOffset(offset)
	}
	if ok {
		return frame, true
	}

	if o.deps.Camera == nil {
		return types.Frame{}, false
	}
	slog.Warn("frame buffer empty, reading camera directly")
	rctx, cancel := context.WithTimeout(ctx, o.cfg.LiveTimeout)
	defer cancel()
	frame, err := o.deps.Camera.Read(rctx)
	if err != nil {
		slog.Warn("direct camera read failed", "error", err)
		return types.Frame{}, false
	}
	frame.Source = camera.SourceDirect
	return frame, true
}

// finalize runs on every exit path of run. The busy flag is released before
// speech is queued so a new press is accepted while the result is spoken.
func (o *Orchestrator) finalize(res *Result, lines []line) {
	o.setState(StateFinalizing)

	if res != nil {
		o.mu.Lock()
		o.last = res
		o.mu.Unlock()

		if o.deps.Persistence != nil {
			o.deps.Persistence.SaveImage(res.Frame)
		}
		if o.deps.Notifier != nil {
			o.deps.Notifier.Notify(notify.VisitorEvent{
				ID:         res.ID,
				Timestamp:  res.Timestamp,
				Decision:   string(res.Decision),
				PersonID:   res.PersonID,
				PersonName: res.PersonName,
				Confidence: res.Confidence,
				Message:    res.Message,
				Faces:      len(res.Detections),
				DurationMS: res.Duration.Milliseconds(),
			})
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveAnalysis(string(res.Decision), res.Duration)
			for _, d := range res.Detections {
				if d.Matched() {
					o.deps.Metrics.Recognitions.Inc()
				}
			}
		}
	}

	o.setState(StateIdle)
	o.busy.Store(false)

	for _, l := range lines {
		o.deps.Speech.Enqueue(l.text, l.priority)
	}
}

func (o *Orchestrator) setState(s State) { o.state.Store(int32(s)) }

// State reports where the current analysis is.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Busy reports whether an analysis is in flight.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// LastResult returns a copy of the most recent completed analysis.
func (o *Orchestrator) LastResult() (*Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last.clone(), o.last != nil
}

// Status reports the current state and the last completed analysis.
func (o *Orchestrator) Status() Status {
	st := Status{
		State:          o.State().String(),
		Busy:           o.Busy(),
		FramesBuffered: o.deps.Frames.Len(),
		FramesCapacity: o.deps.Frames.Capacity(),
	}
	if oldest, newest := o.deps.Frames.Span(); !oldest.IsZero() {
		st.BufferSeconds = newest.Sub(oldest).Seconds()
	}
	if last, ok := o.LastResult(); ok {
		ts := last.Timestamp
		st.LastAnalysis = &ts
		st.LastResult = last
	}
	return st
}

// bestMatch picks the matched detection with the highest confidence.
func bestMatch(ds []matcher.Detection) (matcher.Detection, bool) {
	var (
		best  matcher.Detection
		found bool
	)
	for _, d := range ds {
		if !d.Matched() {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best, found = d, true
		}
	}
	return best, found
}
