package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/patch"
	"github.com/marcus/greenloop/internal/symindex"
)

// mockChat replays canned replies and records requests.
type mockChat struct {
	replies  []string
	err      error
	requests []ChatRequest
}

func (m *mockChat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{Provider: "ollama", SmartModel: "smart", FastModel: "fast", Temperature: 0.2}
}

func TestPlanStep(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		err     error
		want    Step
		wantErr error
	}{
		{
			name:  "plain json",
			reply: `{"action":"edit","target":"add","notes":"fix off by one"}`,
			want:  Step{Action: "edit", Target: "add", Notes: "fix off by one"},
		},
		{
			name:  "json wrapped in prose",
			reply: "Sure!\n```json\n{\"action\":\"implement\",\"target\":\"calc.py\"}\n```",
			want:  Step{Action: "implement", Target: "calc.py"},
		},
		{
			name:    "no json",
			reply:   "I cannot help with that",
			want:    FallbackStep,
			wantErr: ErrMalformedPlan,
		},
		{
			name:    "client error",
			err:     errors.New("connection refused"),
			want:    FallbackStep,
			wantErr: errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &mockChat{replies: []string{tt.reply}, err: tt.err}
			g := NewGateway(chat, testLLMConfig())

			step, err := g.PlanStep(context.Background(), "make tests pass", State{Iteration: 1})
			if step != tt.want {
				t.Errorf("step = %+v, want %+v", step, tt.want)
			}
			switch {
			case tt.wantErr == nil && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != nil && err == nil:
				t.Errorf("expected error %v", tt.wantErr)
			case errors.Is(tt.wantErr, ErrMalformedPlan) && !errors.Is(err, ErrMalformedPlan):
				t.Errorf("err = %v, want ErrMalformedPlan", err)
			}

			req := chat.requests[0]
			if req.Model != "fast" || !req.JSON || req.System != planSystemPrompt {
				t.Errorf("unexpected request %+v", req)
			}
			if !strings.Contains(req.User, "Goal: make tests pass") || !strings.Contains(req.User, `"iteration":1`) {
				t.Errorf("user prompt = %q", req.User)
			}
		})
	}
}

func TestPlanStep_FastModelDefaultsToSmart(t *testing.T) {
	cfg := testLLMConfig()
	cfg.FastModel = ""
	chat := &mockChat{replies: []string{`{"action":"edit","target":"add"}`}}

	if _, err := NewGateway(chat, cfg).PlanStep(context.Background(), "g", State{Iteration: 1}); err != nil {
		t.Fatal(err)
	}
	if got := chat.requests[0].Model; got != "smart" {
		t.Errorf("plan model = %q, want smart", got)
	}
}

func TestStepQuery(t *testing.T) {
	tests := []struct {
		step Step
		goal string
		want string
	}{
		{Step{Action: "edit", Target: " add "}, "goal", "add"},
		{Step{Action: "edit"}, "goal", "edit"},
		{Step{}, "  fix it ", "fix it"},
		{Step{}, "", ""},
	}
	for _, tt := range tests {
		if got := tt.step.Query(tt.goal); got != tt.want {
			t.Errorf("%+v.Query(%q) = %q, want %q", tt.step, tt.goal, got, tt.want)
		}
	}
}

func TestProposePatch_ModelReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  patch.Encoding
	}{
		{"unified", "diff --git a/calc.py b/calc.py\n--- a/calc.py\n+++ b/calc.py\n", patch.EncodingUnified},
		{"fenced", "```calc.py\ndef add(a, b):\n    return a + b\n```", patch.EncodingFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &mockChat{replies: []string{"  " + tt.reply + "\n"}}
			g := NewGateway(chat, testLLMConfig(), WithWorkspace("/ws"))

			p, err := g.ProposePatch(context.Background(), "fix add", nil, "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Diff != strings.TrimSpace(tt.reply) || p.Encoding() != tt.want || p.Workspace != "/ws" {
				t.Errorf("patch = %+v", p)
			}
		})
	}
}

func TestProposePatch_Prompt(t *testing.T) {
	var snippets []symindex.Snippet
	for i := 0; i < 10; i++ {
		snippets = append(snippets, symindex.Snippet{Path: "calc.py", Name: "add", Code: "def add(a, b): ..."})
	}
	snippets[0].Path = ""

	chat := &mockChat{replies: []string{"```calc.py\nx\n```"}}
	g := NewGateway(chat, testLLMConfig())
	if _, err := g.ProposePatch(context.Background(), "fix add", snippets, "assert 3 == 2"); err != nil {
		t.Fatal(err)
	}

	req := chat.requests[0]
	if req.System != patchSystemPrompt || req.Model != "smart" || req.JSON {
		t.Errorf("unexpected request %+v", req)
	}
	if strings.Count(req.User, "Path: ") != MaxSnippets {
		t.Errorf("prompt should include %d snippets:\n%s", MaxSnippets, req.User)
	}
	for _, want := range []string{"Task:\nfix add", "top 8", "Path: unknown", "Test/Run trace:\nassert 3 == 2"} {
		if !strings.Contains(req.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.User)
		}
	}
}

func TestProposePatch_NoTraceOmitsSection(t *testing.T) {
	chat := &mockChat{replies: []string{"```a.py\nx\n```"}}
	if _, err := NewGateway(chat, testLLMConfig()).ProposePatch(context.Background(), "t", nil, ""); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(chat.requests[0].User, "trace") {
		t.Errorf("primary attempt should not carry a trace section: %q", chat.requests[0].User)
	}
}

func TestProposePatch_HeuristicFallback(t *testing.T) {
	ws := t.TempDir()
	src := "def add(a, b):\n    return a + b + 1\n"
	if err := os.MkdirAll(filepath.Join(ws, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "pkg", "calc.py"), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	g := NewGateway(&mockChat{err: errors.New("offline")}, testLLMConfig(), WithWorkspace(ws))
	p, err := g.ProposePatch(context.Background(), "fix add", nil, "")
	if err == nil {
		t.Error("expected the client error to be reported")
	}

	blocks := patch.FileBlocks(p.Diff)
	if len(blocks) != 1 {
		t.Fatalf("fallback blocks = %+v", blocks)
	}
	if blocks[0].Path != "pkg/calc.py" {
		t.Errorf("path = %q", blocks[0].Path)
	}
	if blocks[0].Content != "def add(a, b):\n    return a + b\n" {
		t.Errorf("content = %q", blocks[0].Content)
	}
}

func TestProposePatch_UnusableReplyNoFallback(t *testing.T) {
	g := NewGateway(&mockChat{replies: []string{"I think you should fix add."}}, testLLMConfig(), WithWorkspace(t.TempDir()))

	p, err := g.ProposePatch(context.Background(), "fix add", nil, "")
	if !errors.Is(err, ErrUnusablePatch) {
		t.Errorf("err = %v, want ErrUnusablePatch", err)
	}
	if !p.Empty() {
		t.Errorf("expected empty patch, got %q", p.Diff)
	}
}
