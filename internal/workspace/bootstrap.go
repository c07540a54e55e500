// Package workspace seeds the agent's working directory with its
// skeleton layout and editable bootstrap files.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

type bootstrapFile struct {
	Name    string
	Content string
}

var skeletonDirs = []string{"memory", "skills", "cron"}

func bootstrapFiles() []bootstrapFile {
	return []bootstrapFile{
		{
			Name: "AGENTS.md",
			Content: "# AGENTS.md - Operating Instructions\n\n" +
				"This workspace is your working directory.\n\n" +
				"## Safety\n" +
				"- Never exfiltrate secrets or private data.\n" +
				"- Avoid destructive actions unless explicitly asked.\n\n" +
				"## Workflow\n" +
				"- Keep chat replies short; put longer output in files.\n" +
				"- Record durable facts in memory/MEMORY.md.\n",
		},
		{
			Name: "SOUL.md",
			Content: "# SOUL.md - Persona\n\n" +
				"- Tone: concise, direct, friendly.\n" +
				"- Ask clarifying questions when a request is ambiguous.\n",
		},
		{
			Name: "USER.md",
			Content: "# USER.md - User Profile\n\n" +
				"- Name:\n" +
				"- Timezone:\n" +
				"- Notes:\n",
		},
		{
			Name: "TOOLS.md",
			Content: "# TOOLS.md - Tool Notes\n\n" +
				"Notes about local tools, conventions, and shortcuts. Edit freely.\n",
		},
		{
			Name: "IDENTITY.md",
			Content: "# IDENTITY.md - Agent Identity\n\n" +
				"- Name: nanobot\n" +
				"- Emoji: \U0001F408\n",
		},
		{
			Name: filepath.Join("memory", "MEMORY.md"),
			Content: "# MEMORY.md - Long-Term Memory\n\n" +
				"Durable facts, preferences, and decisions live here.\n",
		},
	}
}

// EnsureWorkspace creates the workspace skeleton at path and seeds any
// missing bootstrap files. Existing files are never overwritten. It
// returns the paths it created, relative to the workspace root.
func EnsureWorkspace(path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	for _, dir := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(path, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
	}

	var created []string
	for _, file := range bootstrapFiles() {
		target := filepath.Join(path, file.Name)
		if _, err := os.Stat(target); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return created, fmt.Errorf("stat %s: %w", target, err)
		}
		if err := os.WriteFile(target, []byte(file.Content), 0o644); err != nil {
			return created, fmt.Errorf("write %s: %w", target, err)
		}
		created = append(created, file.Name)
	}
	return created, nil
}
