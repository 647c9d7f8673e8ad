// Package pipeline wraps the ASR and translation collaborators behind a
// single serialized stage. The models share state and are not safe to invoke
// concurrently, so every call queues behind a small permit pool (weight 1 by
// default). Rooms contend here, not among themselves.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"babblefish/internal/asr"
	"babblefish/internal/language"
	"babblefish/internal/translate"
)

// ASRError reports a failed or indeterminate transcription.
type ASRError struct {
	Cause string
	Err   error
}

func (e *ASRError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asr failed: %s: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("asr failed: %s", e.Cause)
}

func (e *ASRError) Unwrap() error { return e.Err }

// TranslationError reports translation failure. Target "*" means every
// requested target failed.
type TranslationError struct {
	Target string
	Cause  string
	Err    error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translation failed for %s: %s", e.Target, e.Cause)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// Job is one finalized utterance plus the context it was captured in.
type Job struct {
	// PCM is mono float32 at 16 kHz.
	PCM []float32
	// DeclaredLang is the speaker's chosen short tag, the fallback when the
	// detected language is not in the registry.
	DeclaredLang string
	// Targets is the snapshot of distinct participant languages taken when
	// the job was accepted. Later joins and leaves do not change it.
	Targets []string
}

// Timings records where an utterance spent its latency budget.
type Timings struct {
	ASR       time.Duration
	Translate time.Duration
}

// Result is the outcome of one pipeline invocation. SourceText may be empty
// when the ASR heard no speech; callers should not broadcast such results.
type Result struct {
	SourceLang   string
	SourceText   string
	Translations map[string]string
	Timings      Timings
}

// Pipeline serializes transcribe-and-translate calls.
type Pipeline struct {
	asr      asr.Recognizer
	tr       translate.Translator
	registry *language.Registry
	sem      *semaphore.Weighted
	deadline time.Duration
	logger   *log.Logger
}

// New builds a pipeline with the given permit count and per-utterance
// deadline. A deadline of zero disables the budget.
func New(rec asr.Recognizer, tr translate.Translator, reg *language.Registry, permits int64, deadline time.Duration, logger *log.Logger) *Pipeline {
	if permits < 1 {
		permits = 1
	}
	return &Pipeline{
		asr:      rec,
		tr:       tr,
		registry: reg,
		sem:      semaphore.NewWeighted(permits),
		deadline: deadline,
		logger:   logger.With("component", "pipeline"),
	}
}

// Process runs one utterance through ASR and fan-out translation. It blocks
// until a permit is free; ctx cancellation while queued abandons the call
// without touching the models.
func (p *Pipeline) Process(ctx context.Context, job Job) (*Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &ASRError{Cause: "canceled", Err: err}
	}
	defer p.sem.Release(1)

	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	asrStart := time.Now()
	text, detected, err := p.asr.Transcribe(ctx, job.PCM)
	asrElapsed := time.Since(asrStart)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ASRError{Cause: "Timeout", Err: err}
		}
		return nil, &ASRError{Cause: "transcription error", Err: err}
	}

	sourceLang, err := p.resolveSource(detected, job.DeclaredLang)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	result := &Result{
		SourceLang:   sourceLang,
		SourceText:   text,
		Translations: make(map[string]string, len(job.Targets)),
		Timings:      Timings{ASR: asrElapsed},
	}

	// No speech: return an empty result without spending translation time.
	if text == "" {
		return result, nil
	}

	sourceTag, err := p.registry.Resolve(sourceLang)
	if err != nil {
		return nil, &ASRError{Cause: "LanguageIndeterminate", Err: err}
	}

	// Peers sharing the speaker's language get the verbatim transcription.
	result.Translations[sourceLang] = text

	trStart := time.Now()
	var failed []string
	remaining := 0
	for _, target := range job.Targets {
		if target == sourceLang {
			continue
		}
		remaining++

		targetTag, rerr := p.registry.Resolve(target)
		if rerr != nil {
			// Can only happen if a participant joined with a tag the
			// registry later disowned; treat as a per-target failure.
			p.logger.Warn("unresolvable target in snapshot", "target", target)
			failed = append(failed, target)
			continue
		}

		translated, terr := p.tr.Translate(ctx, text, sourceTag, targetTag)
		if terr != nil {
			if errors.Is(terr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TranslationError{Target: "*", Cause: "Timeout", Err: terr}
			}
			p.logger.Warn("translation failed", "target", target, "err", terr)
			failed = append(failed, target)
			continue
		}
		result.Translations[target] = translated
	}
	result.Timings.Translate = time.Since(trStart)

	if remaining > 0 && len(failed) == remaining {
		return nil, &TranslationError{Target: "*", Cause: "all targets failed"}
	}

	p.logger.Debug("utterance processed",
		"source", sourceLang,
		"targets", len(job.Targets),
		"failed", len(failed),
		"asr_ms", asrElapsed.Milliseconds(),
		"translate_ms", result.Timings.Translate.Milliseconds())

	return result, nil
}

// resolveSource picks the short tag for the utterance. Detected languages
// outside the registry downgrade to the speaker's declared language; the ASR
// may report either short or model form.
func (p *Pipeline) resolveSource(detected, declared string) (string, error) {
	detected = strings.TrimSpace(detected)
	if detected != "" {
		if p.registry.Supports(detected) {
			return strings.ToLower(detected), nil
		}
		if short, ok := p.registry.ShortFor(detected); ok {
			return short, nil
		}
		p.logger.Warn("detected language not in registry, falling back to declared",
			"detected", detected, "declared", declared)
	}
	if p.registry.Supports(declared) {
		return strings.ToLower(declared), nil
	}
	return "", &ASRError{Cause: "LanguageIndeterminate"}
}
