package fanout

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
)

type fakeClient struct {
	id    llm.ProviderID
	reply string
	err   error
	delay time.Duration
}

func (f *fakeClient) ID() llm.ProviderID { return f.id }

func (f *fakeClient) Invoke(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeClient) InvokeStream(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (llm.Stream, error) {
	return nil, errors.New("not streamed")
}

func (f *fakeClient) ClassifyError(err error) *llm.ClassifiedError { return llm.Classify(err) }
func (f *fakeClient) HealthEndpoint() string                       { return "" }

func newTestEngine(t *testing.T, clients ...*fakeClient) *fallback.Engine {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	eng := fallback.NewEngine(logger)
	for _, c := range clients {
		rot, err := keyring.NewRotator([]string{"k1"})
		if err != nil {
			t.Fatal(err)
		}
		eng.Register(c, rot, llm.Config{Provider: c.id, ModelName: "m"})
	}
	return eng
}

func TestDispatchPreservesRequestOrder(t *testing.T) {
	eng := newTestEngine(t,
		&fakeClient{id: llm.ProviderOpenAI, reply: "from openai", delay: 20 * time.Millisecond},
		&fakeClient{id: llm.ProviderGemini, reply: "from gemini"},
	)
	fd := New(eng, slog.New(slog.DiscardHandler))

	slots := fd.Dispatch(context.Background(),
		[]llm.ProviderID{llm.ProviderGemini, llm.ProviderOpenAI},
		[]llm.Message{{Role: "user", Content: "hi"}}, "", llm.Params{})

	if len(slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(slots))
	}
	if slots[0].Provider != llm.ProviderGemini || slots[0].Response != "from gemini" {
		t.Errorf("slot 0 = %+v", slots[0])
	}
	if slots[1].Provider != llm.ProviderOpenAI || slots[1].Response != "from openai" {
		t.Errorf("slot 1 = %+v", slots[1])
	}
}

func TestDispatchCapturesErrorsPerSlot(t *testing.T) {
	eng := newTestEngine(t,
		&fakeClient{id: llm.ProviderOpenAI, reply: "ok"},
		&fakeClient{id: llm.ProviderAnthropic, err: &llm.StatusError{StatusCode: 500}},
	)
	fd := New(eng, slog.New(slog.DiscardHandler))

	slots := fd.Dispatch(context.Background(),
		[]llm.ProviderID{llm.ProviderOpenAI, llm.ProviderAnthropic},
		[]llm.Message{{Role: "user", Content: "hi"}}, "", llm.Params{})

	if slots[0].Error != "" || slots[0].Response != "ok" {
		t.Errorf("healthy slot polluted: %+v", slots[0])
	}
	if slots[1].Error == "" {
		t.Error("failing slot has no error")
	}
	if slots[1].Response != "" {
		t.Errorf("failing slot has response %q", slots[1].Response)
	}
}

func TestDispatchSkipsUnregisteredProvider(t *testing.T) {
	eng := newTestEngine(t, &fakeClient{id: llm.ProviderOpenAI, reply: "ok"})
	fd := New(eng, slog.New(slog.DiscardHandler))

	slots := fd.Dispatch(context.Background(),
		[]llm.ProviderID{llm.ProviderNVIDIA},
		[]llm.Message{{Role: "user", Content: "hi"}}, "", llm.Params{})

	if slots[0].Error == "" {
		t.Error("unregistered provider should produce a slot error")
	}
}

func TestDispatchTaskTimeout(t *testing.T) {
	eng := newTestEngine(t, &fakeClient{id: llm.ProviderOpenAI, reply: "late", delay: time.Second})
	fd := New(eng, slog.New(slog.DiscardHandler), WithTaskTimeout(30*time.Millisecond))

	start := time.Now()
	slots := fd.Dispatch(context.Background(),
		[]llm.ProviderID{llm.ProviderOpenAI},
		[]llm.Message{{Role: "user", Content: "hi"}}, "", llm.Params{})

	if time.Since(start) > 500*time.Millisecond {
		t.Error("dispatch did not honor the task timeout")
	}
	if slots[0].Error == "" {
		t.Error("timed-out slot has no error")
	}
}
