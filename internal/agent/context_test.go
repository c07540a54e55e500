package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zekis/nanobot/internal/session"
)

type stubSkills struct {
	always  string
	summary string
}

func (s *stubSkills) AlwaysContent() string { return s.always }
func (s *stubSkills) Summary() string       { return s.summary }

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestBuildSystemPrompt_Sections(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "AGENTS.md", "Follow the house rules.")
	writeWorkspaceFile(t, ws, "SOUL.md", "Be curious.")
	writeWorkspaceFile(t, ws, filepath.Join("memory", "MEMORY.md"), "- user prefers brevity")

	b := NewContextBuilder(ws, &stubSkills{
		always:  "Always-on skill body.",
		summary: "- weather: check forecasts",
	})
	prompt := b.BuildSystemPrompt()

	for _, want := range []string{
		"# nanobot 🐈",
		"## AGENTS.md\n\nFollow the house rules.",
		"## SOUL.md\n\nBe curious.",
		"# Memory\n\n- user prefers brevity",
		"# Active Skills\n\nAlways-on skill body.",
		"- weather: check forecasts",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.Contains(prompt, "\n\n---\n\n") {
		t.Error("sections must be separated by ---")
	}
	// USER.md was never written and must not appear.
	if strings.Contains(prompt, "## USER.md") {
		t.Error("missing bootstrap file should be skipped")
	}
}

func TestBuildMessages_RecapAndHistory(t *testing.T) {
	b := NewContextBuilder(t.TempDir(), nil)

	messages := b.BuildMessages(BuildInput{
		Context: session.StructuredContext{
			RecentPairs: []session.RoleContent{
				{Role: "user", Content: "earlier question"},
				{Role: "assistant", Content: "earlier answer"},
			},
			TaskList: []session.TaskItem{{Task: "ship release", Status: "in_progress"}},
			ToolLog: []session.ToolLogEntry{
				{Tool: "exec", ArgsSummary: "make build", Outcome: "OK: built"},
			},
		},
		CurrentMessage:    "what now?",
		Channel:           "telegram",
		ChatID:            "c1",
		RetrievedMemories: "## Memories\n- likes short answers",
	})

	if len(messages) != 4 {
		t.Fatalf("got %d messages, want system + 2 history + user", len(messages))
	}
	system, _ := messages[0]["content"].(string)
	for _, want := range []string{
		"## Memories\n- likes short answers",
		"## Current Task List\n- [in_progress] ship release",
		"## Tool Execution History",
		"- **exec**(make build) -> OK: built",
		"## Current Session\nChannel: telegram\nChat ID: c1",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if messages[1]["content"] != "earlier question" || messages[2]["content"] != "earlier answer" {
		t.Errorf("history = %v", messages[1:3])
	}
	if messages[3]["role"] != "user" || messages[3]["content"] != "what now?" {
		t.Errorf("current = %v", messages[3])
	}
}

func TestBuildUserContent_ImageAttachments(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "shot.png")
	if err := os.WriteFile(img, []byte("pngdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	textFile := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(textFile, []byte("text"), 0o644); err != nil {
		t.Fatal(err)
	}

	content := buildUserContent("look at this", []string{img, textFile, filepath.Join(dir, "missing.png")})
	parts, ok := content.([]map[string]any)
	if !ok {
		t.Fatalf("content = %T, want parts array", content)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want image + text", len(parts))
	}
	imageURL, _ := parts[0]["image_url"].(map[string]any)
	url, _ := imageURL["url"].(string)
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("url = %q", url)
	}
	if parts[1]["type"] != "text" || parts[1]["text"] != "look at this" {
		t.Errorf("text part = %v", parts[1])
	}
}

func TestBuildUserContent_NoUsableMediaFallsBack(t *testing.T) {
	content := buildUserContent("plain", []string{"/nonexistent/file.png"})
	if content != "plain" {
		t.Errorf("content = %v, want plain string", content)
	}
}

func TestAddAssistantMessageAndToolResult(t *testing.T) {
	messages := []map[string]any{}
	calls := []map[string]any{{"id": "c1", "type": "function"}}
	messages = AddAssistantMessage(messages, "thinking", calls, "chain of thought")
	messages = AddToolResult(messages, "c1", "exec", "output")

	asst := messages[0]
	if asst["content"] != "thinking" || asst["reasoning_content"] != "chain of thought" {
		t.Errorf("assistant = %v", asst)
	}
	if _, ok := asst["tool_calls"]; !ok {
		t.Error("tool_calls missing")
	}

	tool := messages[1]
	if tool["role"] != "tool" || tool["tool_call_id"] != "c1" || tool["name"] != "exec" || tool["content"] != "output" {
		t.Errorf("tool = %v", tool)
	}

	// No tool calls and no reasoning: the keys must be absent.
	bare := AddAssistantMessage(nil, "hi", nil, "")
	if _, ok := bare[0]["tool_calls"]; ok {
		t.Error("empty tool_calls should not be set")
	}
	if _, ok := bare[0]["reasoning_content"]; ok {
		t.Error("empty reasoning_content should not be set")
	}
}
