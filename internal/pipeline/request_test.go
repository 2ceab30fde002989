package pipeline

import (
	"strings"
	"testing"

	"github.com/promptgate/promptgate/internal/llm"
)

func TestParseRequestRejectsEmptyPrompt(t *testing.T) {
	for _, body := range []string{`{}`, `{"prompt":""}`, `{"prompt":"   "}`} {
		if _, err := ParseRequest([]byte(body), 0); err == nil {
			t.Errorf("ParseRequest(%s) accepted an empty prompt", body)
		}
	}
}

func TestParseRequestRejectsOversizedPrompt(t *testing.T) {
	body := `{"prompt":"` + strings.Repeat("a", 50) + `"}`
	if _, err := ParseRequest([]byte(body), 10); err == nil {
		t.Error("oversized prompt accepted")
	}
}

func TestParseRequestNormalizesMalformedContext(t *testing.T) {
	cases := []string{
		`{"prompt":"hi","context":"not a map"}`,
		`{"prompt":"hi","context":[1,2]}`,
		`{"prompt":"hi"}`,
	}
	for _, body := range cases {
		req, err := ParseRequest([]byte(body), 0)
		if err != nil {
			t.Fatalf("ParseRequest(%s): %v", body, err)
		}
		if req.Context == nil || len(req.Context) != 0 {
			t.Errorf("context not normalized to empty map for %s: %v", body, req.Context)
		}
	}
}

func TestParseRequestCoercesLooseContextValues(t *testing.T) {
	body := `{"prompt":"hi","context":{"chat_history":"earlier text","turns":3,"nested":{"x":1}}}`
	req, err := ParseRequest([]byte(body), 0)
	if err != nil {
		t.Fatal(err)
	}
	if req.Context["chat_history"] != "earlier text" {
		t.Errorf("chat_history = %q", req.Context["chat_history"])
	}
	if req.Context["turns"] != "3" {
		t.Errorf("turns = %q", req.Context["turns"])
	}
	if _, ok := req.Context["nested"]; ok {
		t.Error("nested object should have been dropped")
	}
}

func TestParseRequestWordCount(t *testing.T) {
	cases := []struct {
		body    string
		want    int
		wantErr bool
	}{
		{`{"prompt":"hi","settings":{"word_count":200}}`, 200, false},
		{`{"prompt":"hi","settings":{"word_count":"150"}}`, 150, false},
		{`{"prompt":"hi","settings":{"word_count":null}}`, 0, false},
		{`{"prompt":"hi","settings":{"word_count":12.5}}`, 0, true},
		{`{"prompt":"hi","settings":{"word_count":"many"}}`, 0, true},
		{`{"prompt":"hi","settings":{"word_count":-5}}`, 0, true},
	}
	for _, tc := range cases {
		req, err := ParseRequest([]byte(tc.body), 0)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRequest(%s) should fail", tc.body)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRequest(%s): %v", tc.body, err)
		}
		if req.Settings.WordCount != tc.want {
			t.Errorf("word_count = %d, want %d for %s", req.Settings.WordCount, tc.want, tc.body)
		}
	}
}

func TestParseRequestProviderHint(t *testing.T) {
	req, err := ParseRequest([]byte(`{"prompt":"hi","llm":"Anthropic"}`), 0)
	if err != nil {
		t.Fatal(err)
	}
	if req.LLM != llm.ProviderAnthropic {
		t.Errorf("llm hint = %q", req.LLM)
	}

	req, err = ParseRequest([]byte(`{"prompt":"hi","llm":"skynet"}`), 0)
	if err != nil {
		t.Fatal(err)
	}
	if req.LLM != "" {
		t.Errorf("unknown hint should be dropped, got %q", req.LLM)
	}
}
