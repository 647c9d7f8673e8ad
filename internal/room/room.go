// Package room implements the per-conversation state machine: membership,
// utterance assembly, pipeline dispatch, and broadcast fan-out. A Room is a
// single-writer entity; every mutation happens inside its run goroutine,
// which consumes an inbox fed by the connection read pumps.
package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"babblefish/internal/audio"
	"babblefish/internal/opuscodec"
	"babblefish/internal/pipeline"
	"babblefish/internal/protocol"
)

var (
	// ErrRoomFull rejects a join into a room at capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrClosed rejects operations on a torn-down room.
	ErrClosed = errors.New("room is closed")
)

const (
	// Consecutive decode failures beyond this abort the current utterance.
	maxDecodeFailures = 5
	// SendQueueCapacity is the per-participant send queue depth.
	SendQueueCapacity = 64
	// Inbox depth; read pumps block on the send until the room catches up
	// or closes if it falls this far behind.
	inboxLimit = 256
)

// OpusSession is the per-participant decoder state the room drives. The
// production implementation is opuscodec.Session.
type OpusSession interface {
	Decode(b64 string) ([]float32, error)
	Reset() error
}

// Processor runs one finalized utterance through ASR and translation.
type Processor interface {
	Process(ctx context.Context, job pipeline.Job) (*pipeline.Result, error)
}

type participantState int

const (
	stateIdle participantState = iota
	stateSpeaking
	stateProcessing
)

// Participant is owned exclusively by the room that accepted the join.
type Participant struct {
	ID       string
	Name     string
	Language string
	JoinedAt time.Time

	queue   *SendQueue
	decoder OpusSession

	// Mutated only by the room task.
	state            participantState
	assembler        *audio.Assembler
	decodeFailures   int
	truncationWarned bool
}

func (p *Participant) info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: p.ID, Name: p.Name, Language: p.Language}
}

type joinReply struct {
	id     string
	others []protocol.ParticipantInfo
	err    error
}

type evJoin struct {
	p     *Participant
	reply chan joinReply
}

type evAudio struct {
	pid  string
	data string
}

type evUtteranceEnd struct{ pid string }

type evLeave struct {
	pid    string
	reason string
}

type evResult struct {
	pid string
	res *pipeline.Result
	err error
}

// Room is one broadcast domain.
type Room struct {
	ID string

	inbox chan any
	done  chan struct{}

	maxParticipants int
	hardCapSeconds  int
	proc            Processor
	logger          *log.Logger

	// Owned by the run goroutine.
	participants map[string]*Participant
	nextID       int

	// Metadata the manager reads concurrently; updated by the run goroutine
	// under its own lock.
	meta metaState
}

func NewRoom(id string, maxParticipants, hardCapSeconds int, proc Processor, logger *log.Logger) *Room {
	r := &Room{
		ID:              id,
		inbox:           make(chan any, inboxLimit),
		done:            make(chan struct{}),
		maxParticipants: maxParticipants,
		hardCapSeconds:  hardCapSeconds,
		proc:            proc,
		logger:          logger.With("room", id),
		participants:    make(map[string]*Participant),
		nextID:          1,
	}
	r.meta.markEmpty(time.Now())
	go r.run()
	return r
}

// Join adds a participant and returns the assigned id plus the roster of
// OTHER members. The queue and decoder session are owned by the caller's
// connection; the room pushes to the queue and closes it when the
// participant is removed or the room is torn down.
func (r *Room) Join(name, lang string, queue *SendQueue, decoder OpusSession) (string, []protocol.ParticipantInfo, error) {
	p := &Participant{
		Name:      name,
		Language:  lang,
		JoinedAt:  time.Now(),
		queue:     queue,
		decoder:   decoder,
		assembler: audio.NewAssembler(r.hardCapSeconds),
	}
	reply := make(chan joinReply, 1)
	select {
	case r.inbox <- evJoin{p: p, reply: reply}:
	case <-r.done:
		return "", nil, ErrClosed
	}
	select {
	case rep := <-reply:
		return rep.id, rep.others, rep.err
	case <-r.done:
		return "", nil, ErrClosed
	}
}

// HandleAudio appends one Opus packet to the participant's utterance.
func (r *Room) HandleAudio(pid, data string) {
	select {
	case r.inbox <- evAudio{pid: pid, data: data}:
	case <-r.done:
	}
}

// HandleUtteranceEnd finalizes the current utterance and enqueues a
// pipeline job for the participant.
func (r *Room) HandleUtteranceEnd(pid string) {
	select {
	case r.inbox <- evUtteranceEnd{pid: pid}:
	case <-r.done:
	}
}

// Leave removes a participant. Safe to call more than once.
func (r *Room) Leave(pid, reason string) {
	select {
	case r.inbox <- evLeave{pid: pid, reason: reason}:
	case <-r.done:
	}
}

// Close tears the room down: the run goroutine exits and every participant
// queue is closed, which in turn closes the sockets.
func (r *Room) Close() {
	r.meta.close(func() { close(r.done) })
}

// Empty reports whether the room has no participants.
func (r *Room) Empty() bool { return r.meta.count() == 0 }

// Participants returns the current membership size.
func (r *Room) Participants() int { return r.meta.count() }

// IdleSince returns when the room last became empty; ok is false while the
// room is occupied.
func (r *Room) IdleSince() (time.Time, bool) { return r.meta.idleSince() }

func (r *Room) run() {
	for {
		select {
		case ev := <-r.inbox:
			switch ev := ev.(type) {
			case evJoin:
				r.handleJoin(ev)
			case evAudio:
				r.handleAudio(ev)
			case evUtteranceEnd:
				r.handleUtteranceEnd(ev.pid)
			case evLeave:
				r.remove(ev.pid, ev.reason)
			case evResult:
				r.handleResult(ev)
			}
		case <-r.done:
			for _, p := range r.participants {
				p.queue.Close()
			}
			r.participants = map[string]*Participant{}
			return
		}
	}
}

func (r *Room) handleJoin(ev evJoin) {
	if len(r.participants) >= r.maxParticipants {
		ev.reply <- joinReply{err: ErrRoomFull}
		return
	}

	p := ev.p
	p.ID = fmt.Sprintf("P_%02d", r.nextID)
	r.nextID++

	others := make([]protocol.ParticipantInfo, 0, len(r.participants))
	for _, existing := range r.participants {
		others = append(others, existing.info())
	}

	r.participants[p.ID] = p
	r.meta.setCount(len(r.participants))

	// The ack is queued before any broadcast can be; the client always sees
	// its own joined message first.
	p.queue.Push(Outbound{Payload: protocol.NewJoined(r.ID, p.ID, others), Critical: true})
	r.broadcast(Outbound{Payload: protocol.NewParticipantJoined(p.info()), Critical: true}, p.ID)

	r.logger.Info("participant joined",
		"participant", p.ID, "name", p.Name, "language", p.Language,
		"total", len(r.participants))

	ev.reply <- joinReply{id: p.ID, others: others}
}

func (r *Room) handleAudio(ev evAudio) {
	p, ok := r.participants[ev.pid]
	if !ok {
		r.logger.Debug("audio from unknown participant", "participant", ev.pid)
		return
	}

	pcm, err := p.decoder.Decode(ev.data)
	if err != nil {
		var decodeErr *opuscodec.DecodeError
		if !errors.As(err, &decodeErr) {
			r.logger.Warn("decoder error", "participant", p.ID, "err", err)
		}
		p.decodeFailures++
		r.logger.Debug("dropped packet", "participant", p.ID, "failures", p.decodeFailures, "err", err)
		if p.decodeFailures > maxDecodeFailures {
			r.abortUtterance(p, "CorruptedStream")
		}
		return
	}

	p.decodeFailures = 0
	p.assembler.Append(pcm)
	if p.state == stateIdle {
		p.state = stateSpeaking
	}
}

// abortUtterance drops buffered audio after a corrupted packet run and tells
// only the speaker.
func (r *Room) abortUtterance(p *Participant, reason string) {
	p.assembler.Reset()
	p.decodeFailures = 0
	if err := p.decoder.Reset(); err != nil {
		r.logger.Warn("decoder reset failed", "participant", p.ID, "err", err)
	}
	if p.state == stateSpeaking {
		p.state = stateIdle
	}
	r.sendTo(p.ID, Outbound{
		Payload:  protocol.NewError(protocol.CodePipelineError, reason),
		Critical: true,
	})
	r.logger.Warn("utterance aborted", "participant", p.ID, "reason", reason)
}

func (r *Room) handleUtteranceEnd(pid string) {
	p, ok := r.participants[pid]
	if !ok {
		return
	}

	// The decoder's frame history never spans utterances.
	if err := p.decoder.Reset(); err != nil {
		r.logger.Warn("decoder reset failed", "participant", p.ID, "err", err)
	}

	if p.state != stateSpeaking || p.assembler.Empty() {
		// Preconditions not met: silent no-op.
		return
	}

	pcm, truncated := p.assembler.Take()
	if truncated && !p.truncationWarned {
		p.truncationWarned = true
		r.sendTo(p.ID, Outbound{
			Payload: protocol.NewError(protocol.CodePipelineError,
				fmt.Sprintf("utterance exceeded %ds, oldest audio discarded", r.hardCapSeconds)),
			Critical: true,
		})
	}

	// Snapshot of target languages at job acceptance. Later joins and
	// leaves do not change the set this utterance translates to.
	targets := r.targetSnapshot()

	p.state = stateProcessing
	job := pipeline.Job{PCM: pcm, DeclaredLang: p.Language, Targets: targets}

	r.logger.Debug("utterance finalized",
		"participant", p.ID,
		"samples", len(pcm),
		"targets", targets)

	go func(pid string) {
		res, err := r.proc.Process(context.Background(), job)
		select {
		case r.inbox <- evResult{pid: pid, res: res, err: err}:
		case <-r.done:
		}
	}(p.ID)
}

func (r *Room) targetSnapshot() []string {
	seen := make(map[string]struct{}, len(r.participants))
	targets := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		if _, ok := seen[p.Language]; ok {
			continue
		}
		seen[p.Language] = struct{}{}
		targets = append(targets, p.Language)
	}
	return targets
}

func (r *Room) handleResult(ev evResult) {
	p, ok := r.participants[ev.pid]
	if !ok {
		// Speaker left while the job was in flight; the result is
		// discarded without cross-talk.
		r.logger.Debug("discarding result for departed participant", "participant", ev.pid)
		return
	}

	if ev.err != nil {
		// A failed utterance returns the speaker to idle and drops any
		// audio buffered while the job was in flight.
		p.state = stateIdle
		p.assembler.Reset()
		r.sendTo(p.ID, Outbound{
			Payload:  protocol.NewError(protocol.CodePipelineError, pipelineErrorMessage(ev.err)),
			Critical: true,
		})
		r.logger.Warn("pipeline error", "participant", p.ID, "err", ev.err)
		return
	}

	if p.assembler.Empty() {
		p.state = stateIdle
	} else {
		p.state = stateSpeaking
	}

	if ev.res.SourceText == "" {
		// No speech recognized; nothing to broadcast.
		return
	}

	msg := protocol.Translation{
		Type:         protocol.TypeTranslation,
		SpeakerID:    p.ID,
		SpeakerName:  p.Name,
		SourceLang:   ev.res.SourceLang,
		SourceText:   ev.res.SourceText,
		Translations: ev.res.Translations,
		Timestamp:    float64(time.Now().UnixMilli()) / 1000,
	}
	r.broadcast(Outbound{Payload: msg}, p.ID)

	r.logger.Info("translation broadcast",
		"speaker", p.ID,
		"source", ev.res.SourceLang,
		"targets", len(ev.res.Translations),
		"asr_ms", ev.res.Timings.ASR.Milliseconds(),
		"translate_ms", ev.res.Timings.Translate.Milliseconds())
}

func pipelineErrorMessage(err error) string {
	var asrErr *pipeline.ASRError
	if errors.As(err, &asrErr) {
		return "speech recognition failed: " + asrErr.Cause
	}
	var trErr *pipeline.TranslationError
	if errors.As(err, &trErr) {
		return "translation failed: " + trErr.Cause
	}
	return "failed to process audio"
}

// broadcast pushes a message to every participant except exclude. A
// participant whose queue rejects a critical message is forcibly removed.
func (r *Room) broadcast(msg Outbound, exclude string) {
	var evict []string
	for id, p := range r.participants {
		if id == exclude {
			continue
		}
		if !p.queue.Push(msg) {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		r.logger.Warn("send queue overflow, disconnecting", "participant", id)
		r.remove(id, "send queue overflow")
	}
}

func (r *Room) sendTo(pid string, msg Outbound) {
	p, ok := r.participants[pid]
	if !ok {
		return
	}
	if !p.queue.Push(msg) {
		r.logger.Warn("send queue overflow, disconnecting", "participant", pid)
		r.remove(pid, "send queue overflow")
	}
}

func (r *Room) remove(pid, reason string) {
	p, ok := r.participants[pid]
	if !ok {
		// Already removed; leave is idempotent.
		return
	}
	delete(r.participants, pid)
	p.queue.Close()
	r.meta.setCount(len(r.participants))
	if len(r.participants) == 0 {
		r.meta.markEmpty(time.Now())
	}

	r.broadcast(Outbound{Payload: protocol.NewParticipantLeft(pid), Critical: true}, "")

	r.logger.Info("participant left",
		"participant", pid, "reason", reason, "remaining", len(r.participants))
}
