package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"babblefish/internal/language"
)

type fakeRecognizer struct {
	text     string
	lang     string
	err      error
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, pcm []float32) (string, string, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return f.text, f.lang, f.err
}

type fakeTranslator struct {
	mu      sync.Mutex
	calls   []string // "sourceTag->targetTag"
	failFor map[string]error
}

func (f *fakeTranslator) Translate(ctx context.Context, text, sourceTag, targetTag string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sourceTag+"->"+targetTag)
	f.mu.Unlock()
	if err, ok := f.failFor[targetTag]; ok {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return fmt.Sprintf("[%s] %s", targetTag, text), nil
}

func newTestPipeline(rec *fakeRecognizer, tr *fakeTranslator, permits int64, deadline time.Duration) *Pipeline {
	return New(rec, tr, language.NewRegistry(), permits, deadline, log.New(io.Discard))
}

func TestProcessIdentityAndFanOut(t *testing.T) {
	rec := &fakeRecognizer{text: "Hello everyone", lang: "en"}
	tr := &fakeTranslator{}
	p := newTestPipeline(rec, tr, 1, 0)

	res, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "en",
		Targets:      []string{"en", "es"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.SourceLang != "en" {
		t.Errorf("SourceLang = %q", res.SourceLang)
	}
	if res.Translations["en"] != "Hello everyone" {
		t.Errorf("identity mapping missing: %v", res.Translations)
	}
	if res.Translations["es"] != "[spa_Latn] Hello everyone" {
		t.Errorf("es translation = %q", res.Translations["es"])
	}
	// The source language must not be sent to the translator.
	for _, call := range tr.calls {
		if call == "eng_Latn->eng_Latn" {
			t.Error("self-translation was requested")
		}
	}
}

func TestProcessFallsBackToDeclaredLanguage(t *testing.T) {
	rec := &fakeRecognizer{text: "Bonjour", lang: "xx"}
	tr := &fakeTranslator{}
	p := newTestPipeline(rec, tr, 1, 0)

	res, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "fr",
		Targets:      []string{"fr", "en"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.SourceLang != "fr" {
		t.Errorf("SourceLang = %q, want fr", res.SourceLang)
	}
	if res.Translations["fr"] != "Bonjour" {
		t.Errorf("identity entry = %q", res.Translations["fr"])
	}
}

func TestProcessAcceptsModelTagFromASR(t *testing.T) {
	rec := &fakeRecognizer{text: "Hallo", lang: "deu_Latn"}
	p := newTestPipeline(rec, &fakeTranslator{}, 1, 0)

	res, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "en",
		Targets:      []string{"de"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.SourceLang != "de" {
		t.Errorf("SourceLang = %q, want de", res.SourceLang)
	}
}

func TestProcessLanguageIndeterminate(t *testing.T) {
	rec := &fakeRecognizer{text: "something", lang: "xx"}
	p := newTestPipeline(rec, &fakeTranslator{}, 1, 0)

	_, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "yy", // not in the registry either
		Targets:      []string{"en"},
	})
	var asrErr *ASRError
	if !errors.As(err, &asrErr) {
		t.Fatalf("err = %v, want *ASRError", err)
	}
	if asrErr.Cause != "LanguageIndeterminate" {
		t.Errorf("Cause = %q", asrErr.Cause)
	}
}

func TestProcessPartialTranslationFailure(t *testing.T) {
	rec := &fakeRecognizer{text: "Hi all", lang: "en"}
	tr := &fakeTranslator{failFor: map[string]error{"jpn_Jpan": errors.New("boom")}}
	p := newTestPipeline(rec, tr, 1, 0)

	res, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "en",
		Targets:      []string{"en", "es", "ja"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, ok := res.Translations["ja"]; ok {
		t.Error("failed target present in translations")
	}
	if _, ok := res.Translations["es"]; !ok {
		t.Error("es translation missing")
	}
	if res.Translations["en"] != "Hi all" {
		t.Error("identity entry missing")
	}
}

func TestProcessAllTargetsFailed(t *testing.T) {
	rec := &fakeRecognizer{text: "Hi", lang: "en"}
	tr := &fakeTranslator{failFor: map[string]error{
		"spa_Latn": errors.New("boom"),
		"jpn_Jpan": errors.New("boom"),
	}}
	p := newTestPipeline(rec, tr, 1, 0)

	_, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "en",
		Targets:      []string{"es", "ja"},
	})
	var trErr *TranslationError
	if !errors.As(err, &trErr) {
		t.Fatalf("err = %v, want *TranslationError", err)
	}
	if trErr.Target != "*" {
		t.Errorf("Target = %q, want *", trErr.Target)
	}
}

func TestProcessEmptyTranscriptionSkipsTranslation(t *testing.T) {
	rec := &fakeRecognizer{text: "   ", lang: "en"}
	tr := &fakeTranslator{}
	p := newTestPipeline(rec, tr, 1, 0)

	res, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "en",
		Targets:      []string{"es"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.SourceText != "" {
		t.Errorf("SourceText = %q", res.SourceText)
	}
	if len(res.Translations) != 0 {
		t.Errorf("Translations = %v, want empty", res.Translations)
	}
	if len(tr.calls) != 0 {
		t.Errorf("translator called %d times for silence", len(tr.calls))
	}
}

// With a single permit, concurrent calls must never overlap inside the
// models.
func TestProcessSerializesCalls(t *testing.T) {
	rec := &fakeRecognizer{text: "Hi", lang: "en", delay: 20 * time.Millisecond}
	p := newTestPipeline(rec, &fakeTranslator{}, 1, 0)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), Job{
				PCM:          make([]float32, 160),
				DeclaredLang: "en",
				Targets:      []string{"en"},
			})
			if err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&rec.maxSeen); max != 1 {
		t.Errorf("max concurrent ASR calls = %d, want 1", max)
	}
}

func TestProcessDeadline(t *testing.T) {
	rec := &fakeRecognizer{text: "Hi", lang: "en", delay: 200 * time.Millisecond}
	p := newTestPipeline(rec, &fakeTranslator{}, 1, 10*time.Millisecond)

	_, err := p.Process(context.Background(), Job{
		PCM:          make([]float32, 160),
		DeclaredLang: "en",
		Targets:      []string{"en"},
	})
	var asrErr *ASRError
	if !errors.As(err, &asrErr) {
		t.Fatalf("err = %v, want *ASRError", err)
	}
	if asrErr.Cause != "Timeout" {
		t.Errorf("Cause = %q, want Timeout", asrErr.Cause)
	}
}

func TestProcessCanceledWhileQueued(t *testing.T) {
	rec := &fakeRecognizer{text: "Hi", lang: "en", delay: 100 * time.Millisecond}
	p := newTestPipeline(rec, &fakeTranslator{}, 1, 0)

	// Occupy the permit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Process(context.Background(), Job{PCM: make([]float32, 1), DeclaredLang: "en", Targets: []string{"en"}})
	}()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Process(ctx, Job{PCM: make([]float32, 1), DeclaredLang: "en", Targets: []string{"en"}})
	if err == nil {
		t.Fatal("Process with canceled ctx succeeded")
	}
	<-done
}
