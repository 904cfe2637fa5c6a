package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-coach/internal/coaching"
	"github.com/loqalabs/loqa-coach/internal/live"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/speech"
	"github.com/loqalabs/loqa-coach/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Analyzer scores one turn. A nil result with a nil error means there was
// nothing to analyze.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (*coaching.AnalysisData, error)
}

// SummaryStore persists finished sessions.
type SummaryStore interface {
	SaveSummary(ctx context.Context, summary coaching.SessionSummary) error
}

// Timeline event types.
const (
	EventSessionStarted    = "session.started"
	EventTurnCompleted     = "turn.completed"
	EventAnalysisCompleted = "analysis.completed"
	EventAnalysisFailed    = "analysis.failed"
	EventSessionEnded      = "session.ended"
	EventSummarySaved      = "summary.saved"
)

type Options struct {
	Devices     media.Devices
	Connector   live.Connector
	Analyzer    Analyzer
	Synthesizer speech.Synthesizer
	Player      speech.Player
	Summaries   SummaryStore
	// Timeline is optional.
	Timeline store.Timeline
	Logger   *slog.Logger
	// Clock stamps sessions and summaries. Defaults to time.Now.
	Clock       func() time.Time
	TurnSilence time.Duration
	Voice       string
	// DiscardStaleAnalysis drops analysis results that resolve after the
	// result of a later turn.
	DiscardStaleAnalysis bool
}

// Orchestrator owns the capture stream and the live session of the current
// coaching session. All state changes happen under mu; each live session has
// one goroutine applying its events in order.
type Orchestrator struct {
	devices     media.Devices
	connector   live.Connector
	analyzer    Analyzer
	synthesizer speech.Synthesizer
	player      speech.Player
	summaries   SummaryStore
	timeline    store.Timeline
	log         *slog.Logger
	clock       func() time.Time
	silence     time.Duration
	voice       string
	discard     bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	state       State
	closed      bool
	run         *liveRun
	stopPending bool
	saving      bool
	turnSeq     uint64
	appliedSeq  uint64
	voiceGen    uint64
	subscribers map[int]chan State
	nextSub     int

	tracer           trace.Tracer
	started          metric.Int64Counter
	turns            metric.Int64Counter
	analysisFailures metric.Int64Counter
	speechFailures   metric.Int64Counter
}

// liveRun is the stream and live session of one session.
type liveRun struct {
	sessionID string
	stream    *media.Stream
	session   live.Session
	stop      chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Devices == nil || opts.Connector == nil || opts.Analyzer == nil || opts.Summaries == nil {
		return nil, errors.New("session: devices, connector, analyzer and summaries are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TurnSilence <= 0 {
		opts.TurnSilence = DefaultTurnSilence
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		devices:     opts.Devices,
		connector:   opts.Connector,
		analyzer:    opts.Analyzer,
		synthesizer: opts.Synthesizer,
		player:      opts.Player,
		summaries:   opts.Summaries,
		timeline:    opts.Timeline,
		log:         opts.Logger.With(slog.String("component", "session")),
		clock:       opts.Clock,
		silence:     opts.TurnSilence,
		voice:       opts.Voice,
		discard:     opts.DiscardStaleAnalysis,
		baseCtx:     ctx,
		cancel:      cancel,
		state:       InitialState(),
		subscribers: make(map[int]chan State),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-coach/session"),
	}
	if err := o.initMetrics(); err != nil {
		cancel()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-coach/session")
	var err error
	if o.started, err = meter.Int64Counter("coach.sessions.started"); err != nil {
		return err
	}
	if o.turns, err = meter.Int64Counter("coach.turns.completed"); err != nil {
		return err
	}
	if o.analysisFailures, err = meter.Int64Counter("coach.analysis.failures"); err != nil {
		return err
	}
	if o.speechFailures, err = meter.Int64Counter("coach.speech.failures"); err != nil {
		return err
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Subscribe streams state snapshots, starting with the current one. A slow
// subscriber loses intermediate snapshots, never the latest. cancel must be
// called to release the subscription.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan State, 16)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	ch <- o.state.Clone()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(sub)
			}
		})
	}
}

// setLocked replaces the state and fans it out. mu must be held.
func (o *Orchestrator) setLocked(next State) {
	o.state = next
	snapshot := next.Clone()
	for _, ch := range o.subscribers {
		for {
			select {
			case ch <- snapshot:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Start begins a session with the coach's pre-session mood. On a capture
// failure it returns a *media.AcquireError and on a connection failure a
// *ConnectionError; either way the orchestrator is back in idle with the
// matching message in State.Error. A Stop that arrives while Start is still
// acquiring or connecting makes it release everything and return
// ErrStartCancelled.
func (o *Orchestrator) Start(ctx context.Context, mood coaching.Mood) error {
	if mood != "" && !mood.Valid() {
		return fmt.Errorf("%w: %q", coaching.ErrInvalidMood, mood)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	next, err := o.state.Begin(uuid.NewString(), mood)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.stopPending = false
	o.setLocked(next)
	sessionID := next.SessionID
	o.mu.Unlock()

	log := o.log.With(slog.String("session_id", sessionID))

	stream, videoOn, err := media.AcquireWithFallback(ctx, o.devices)
	if err != nil {
		reason := media.Classify(err)
		log.Warn("media acquisition failed", slog.String("reason", string(reason)), slog.String("error", err.Error()))
		o.mu.Lock()
		o.setLocked(o.state.StartFailed(reason.Message()))
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	if aborted := o.startAbortedLocked(); aborted != nil {
		o.setLocked(o.state.StartFailed(""))
		o.mu.Unlock()
		stream.Stop()
		log.Info("session start cancelled", slog.String("reason", aborted.Error()))
		return aborted
	}
	o.setLocked(o.state.Connecting())
	o.mu.Unlock()

	session, err := o.connector.Connect(ctx, stream.AudioTrack())
	if err != nil {
		stream.Stop()
		log.Warn("live connection failed", slog.String("error", err.Error()))
		o.mu.Lock()
		o.setLocked(o.state.StartFailed(MsgConnectFailed))
		o.mu.Unlock()
		return &ConnectionError{Err: err}
	}

	run := &liveRun{sessionID: sessionID, stream: stream, session: session, stop: make(chan struct{})}

	o.mu.Lock()
	if aborted := o.startAbortedLocked(); aborted != nil {
		o.setLocked(o.state.StartFailed(""))
		o.mu.Unlock()
		session.Close()
		stream.Stop()
		log.Info("session start cancelled", slog.String("reason", aborted.Error()))
		return aborted
	}
	o.run = run
	o.turnSeq = 0
	o.appliedSeq = 0
	o.setLocked(o.state.Live(videoOn, stream.HasVideo(), o.clock()))
	o.wg.Add(1)
	o.mu.Unlock()

	go o.consume(run)

	o.started.Add(o.baseCtx, 1, metric.WithAttributes(attribute.Bool("video", videoOn)))
	o.record(sessionID, EventSessionStarted, map[string]any{"preMood": mood, "video": videoOn})
	log.Info("session started", slog.Bool("video", videoOn))
	return nil
}

// startAbortedLocked returns the error a pending Start must give up with,
// or nil when it may go live.
func (o *Orchestrator) startAbortedLocked() error {
	switch {
	case o.closed:
		return ErrClosed
	case o.stopPending:
		return ErrStartCancelled
	}
	return nil
}

// Stop ends the live session. While a Start is still acquiring or
// connecting, the stop is held until that Start finishes and makes it back
// out. Otherwise calling it when no session is live is a no-op.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	run := o.run
	if run == nil {
		if o.state.Starting {
			o.stopPending = true
		}
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	o.end(run, "")
	return nil
}

// end tears down run once. Later calls for the same run do nothing.
func (o *Orchestrator) end(run *liveRun, message string) {
	o.mu.Lock()
	if o.run != run {
		o.mu.Unlock()
		return
	}
	next, err := o.state.Ended(o.clock(), message)
	if err != nil {
		o.mu.Unlock()
		return
	}
	o.run = nil
	close(run.stop)
	o.setLocked(next)
	o.mu.Unlock()

	run.session.Close()
	run.stream.Stop()

	payload := map[string]any{"turns": len(next.Transcript)}
	if message != "" {
		payload["error"] = message
	}
	o.record(run.sessionID, EventSessionEnded, payload)
	o.log.Info("session ended", slog.String("session_id", run.sessionID), slog.Int("turns", len(next.Transcript)))
}

// consume applies the events of one live session and runs its silence
// timer.
func (o *Orchestrator) consume(run *liveRun) {
	defer o.wg.Done()

	seg := NewSegmenter(o.silence)
	timer := time.NewTimer(seg.Window())
	timer.Stop()
	defer timer.Stop()
	var timeout <-chan time.Time

	events := run.session.Events()
	for {
		select {
		case <-run.stop:
			return
		case evt, ok := <-events:
			if !ok {
				o.end(run, MsgConnectionLost)
				return
			}
			switch evt.Kind {
			case live.EventTranscription:
				seg.Fragment(time.Now(), evt.Text)
				timer.Reset(seg.Window())
				timeout = timer.C
				o.setSpeaking(run, true)
			case live.EventTurnComplete:
				timer.Stop()
				timeout = nil
				text, ok := seg.Complete()
				o.completeTurn(run, text, ok)
			case live.EventError:
				if evt.Err != nil {
					o.log.Warn("live session error", slog.String("session_id", run.sessionID), slog.String("error", evt.Err.Error()))
				}
				o.end(run, MsgConnectionLost)
				return
			}
		case <-timeout:
			timeout = nil
			text, ok, expired := seg.Expire(time.Now())
			if !expired {
				if deadline, active := seg.Deadline(); active {
					timer.Reset(time.Until(deadline))
					timeout = timer.C
				}
				continue
			}
			o.completeTurn(run, text, ok)
		}
	}
}

func (o *Orchestrator) setSpeaking(run *liveRun, speaking bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != run || o.state.CoachSpeaking == speaking {
		return
	}
	next := o.state
	next.CoachSpeaking = speaking
	o.setLocked(next)
}

// completeTurn records a finished turn and hands it to analysis.
func (o *Orchestrator) completeTurn(run *liveRun, text string, ok bool) {
	o.mu.Lock()
	if o.run != run {
		o.mu.Unlock()
		return
	}
	next := o.state
	next.CoachSpeaking = false
	var seq uint64
	if ok {
		next, _ = next.AppendTurn(text)
		next.Status = StatusAnalyzing
		o.turnSeq++
		seq = o.turnSeq
		o.wg.Add(1)
	}
	o.setLocked(next)
	o.mu.Unlock()

	if !ok {
		return
	}
	o.turns.Add(o.baseCtx, 1)
	o.recordAsync(run.sessionID, EventTurnCompleted, map[string]any{"seq": seq, "text": text})
	go o.analyze(run.sessionID, seq, text)
}

func (o *Orchestrator) analyze(sessionID string, seq uint64, text string) {
	defer o.wg.Done()

	data, err := o.analyzer.Analyze(o.baseCtx, text)

	o.mu.Lock()
	if o.state.SessionID != sessionID || o.state.Stage == StageIdle {
		o.mu.Unlock()
		return
	}
	next := o.state
	isLive := next.Stage == StageLive

	if err != nil {
		next.Error = MsgAnalysisFailed
		if isLive {
			next.Status = StatusListening
		}
		o.setLocked(next)
		o.mu.Unlock()
		o.analysisFailures.Add(o.baseCtx, 1)
		o.record(sessionID, EventAnalysisFailed, map[string]any{"seq": seq, "error": err.Error()})
		return
	}
	if data == nil {
		o.mu.Unlock()
		return
	}
	if o.discard && seq < o.appliedSeq {
		o.mu.Unlock()
		o.log.Debug("dropping stale analysis", slog.Uint64("seq", seq), slog.Uint64("applied", o.appliedSeq))
		return
	}
	if seq > o.appliedSeq {
		o.appliedSeq = seq
	}

	previous := ""
	if next.Analysis != nil {
		previous = next.Analysis.SuggestedQuestion
	}
	applied := *data
	next.Analysis = &applied
	question := applied.SuggestedQuestion
	gen, voice := uint64(0), isLive && next.AudioFeedback && question != "" && question != previous
	if isLive {
		next.Status = StatusListening
	}
	if voice {
		gen = o.beginVoiceLocked(&next)
	}
	o.setLocked(next)
	o.mu.Unlock()

	o.record(sessionID, EventAnalysisCompleted, map[string]any{"seq": seq, "analysis": applied})
	if voice {
		go o.speak(sessionID, gen, question)
	}
}

// beginVoiceLocked supersedes any pending cue. mu must be held.
func (o *Orchestrator) beginVoiceLocked(next *State) uint64 {
	o.voiceGen++
	next.Status = StatusVoicing
	o.wg.Add(1)
	return o.voiceGen
}

// voiceCurrent reports whether gen is still the cue to play for sessionID.
func (o *Orchestrator) voiceCurrent(sessionID string, gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voiceGen == gen && o.state.SessionID == sessionID && o.state.Stage == StageLive
}

func (o *Orchestrator) speak(sessionID string, gen uint64, text string) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(o.baseCtx, "session.voice", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	err := o.voiceOnce(ctx, sessionID, gen, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "voice")
		o.speechFailures.Add(o.baseCtx, 1)
		o.log.Warn("audio cue failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.voiceGen != gen || o.state.SessionID != sessionID || o.state.Stage != StageLive {
		return
	}
	next := o.state
	next.Status = StatusListening
	if err != nil {
		next.Error = MsgSpeechFailed
	}
	o.setLocked(next)
}

func (o *Orchestrator) voiceOnce(ctx context.Context, sessionID string, gen uint64, text string) error {
	if o.synthesizer == nil || o.player == nil {
		return errors.New("spoken feedback is not configured")
	}
	audio, err := o.synthesizer.Synthesize(ctx, speech.Request{SessionID: sessionID, Text: text, Voice: o.voice})
	if err != nil {
		return err
	}
	if !o.voiceCurrent(sessionID, gen) {
		return nil
	}
	return o.player.Play(ctx, sessionID, audio)
}

// SetAudioFeedback turns spoken suggestions on or off. Turning it on while a
// suggestion is showing voices that suggestion once.
func (o *Orchestrator) SetAudioFeedback(enabled bool) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.AudioFeedback == enabled {
		return o.state.Clone()
	}
	next := o.state
	next.AudioFeedback = enabled
	var gen uint64
	var question string
	if enabled && next.Stage == StageLive && next.Analysis != nil && next.Analysis.SuggestedQuestion != "" {
		question = next.Analysis.SuggestedQuestion
		gen = o.beginVoiceLocked(&next)
	}
	if !enabled {
		// Abandon any cue still being synthesized.
		o.voiceGen++
		if next.Stage == StageLive && next.Status == StatusVoicing {
			next.Status = StatusListening
		}
	}
	o.setLocked(next)
	if gen != 0 {
		go o.speak(next.SessionID, gen, question)
	}
	return next.Clone()
}

// ToggleMute flips the microphone. Muted tracks keep streaming silence.
func (o *Orchestrator) ToggleMute() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return o.state.Clone(), ErrNotLive
	}
	next := o.state
	next.Muted = !next.Muted
	o.run.stream.SetAudioEnabled(!next.Muted)
	o.setLocked(next)
	return next.Clone(), nil
}

// ToggleVideo flips the camera. Without a video track it changes nothing.
func (o *Orchestrator) ToggleVideo() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return o.state.Clone(), ErrNotLive
	}
	if !o.run.stream.HasVideo() {
		return o.state.Clone(), nil
	}
	next := o.state
	next.VideoOn = !next.VideoOn
	o.run.stream.SetVideoEnabled(next.VideoOn)
	o.setLocked(next)
	return next.Clone(), nil
}

// SetPostMood records the post-session mood while the recap is open.
func (o *Orchestrator) SetPostMood(mood coaching.Mood) (State, error) {
	if !mood.Valid() {
		return State{}, fmt.Errorf("%w: %q", coaching.ErrInvalidMood, mood)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Stage != StageSummary {
		return o.state.Clone(), ErrNotInSummary
	}
	next := o.state
	next.PostMood = mood
	o.setLocked(next)
	return next.Clone(), nil
}

// SaveSummary persists the recap and returns to idle. The state is left
// untouched when persisting fails. The store is written without holding the
// state lock, so snapshots and controls keep answering during a slow save;
// a second save of the same summary meanwhile fails with ErrSaveInProgress.
func (o *Orchestrator) SaveSummary(ctx context.Context, form SummaryForm) (coaching.SessionSummary, error) {
	o.mu.Lock()
	if o.saving {
		o.mu.Unlock()
		return coaching.SessionSummary{}, ErrSaveInProgress
	}
	summary, err := o.state.Summary(form, o.clock())
	if err != nil {
		o.mu.Unlock()
		return coaching.SessionSummary{}, err
	}
	o.saving = true
	o.mu.Unlock()

	err = o.summaries.SaveSummary(ctx, summary)

	o.mu.Lock()
	o.saving = false
	if err != nil {
		o.mu.Unlock()
		return coaching.SessionSummary{}, fmt.Errorf("save summary: %w", err)
	}
	if o.state.SessionID == summary.ID && o.state.Stage == StageSummary {
		o.setLocked(o.state.Idle())
	}
	o.mu.Unlock()

	o.recordAsync(summary.ID, EventSummarySaved, map[string]any{"postMood": summary.PostMood, "actionItems": len(summary.ActionItems)})
	o.log.Info("session summary saved", slog.String("session_id", summary.ID))
	return summary, nil
}

// Close stops a live session, waits for pending work and ends every
// subscription.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	run := o.run
	o.mu.Unlock()

	if run != nil {
		o.end(run, "")
	}
	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	for id, ch := range o.subscribers {
		delete(o.subscribers, id)
		close(ch)
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) record(sessionID, kind string, payload any) {
	if evt, ok := o.timelineEvent(sessionID, kind, payload); ok {
		o.appendEvent(evt)
	}
}

// recordAsync is record for callers that must not wait on the timeline
// store, such as the goroutine applying live events. The event keeps the
// time of the call; Close waits for the append.
func (o *Orchestrator) recordAsync(sessionID, kind string, payload any) {
	evt, ok := o.timelineEvent(sessionID, kind, payload)
	if !ok {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.appendEvent(evt)
	}()
}

func (o *Orchestrator) timelineEvent(sessionID, kind string, payload any) (store.Event, bool) {
	if o.timeline == nil {
		return store.Event{}, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Warn("encode timeline event", slog.String("type", kind), slog.String("error", err.Error()))
		return store.Event{}, false
	}
	return store.Event{SessionID: sessionID, Type: kind, Payload: data, CreatedAt: o.clock()}, true
}

func (o *Orchestrator) appendEvent(evt store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.timeline.AppendEvent(ctx, evt); err != nil {
		o.log.Warn("append timeline event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}
