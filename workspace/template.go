package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/sandbox"
)

// template scaffolds a freshly created workspace directory. Commands run
// inside the sandbox with the new directory as cwd.
type template struct {
	desc    string
	timeout time.Duration
	// commands receives the workspace name for scaffolds that embed it.
	commands func(name string) [][]string
}

var templates = map[string]template{
	"empty": {
		desc:    "bare directory",
		timeout: 10 * time.Second,
	},
	"node": {
		desc:    "npm package",
		timeout: time.Minute,
		commands: func(string) [][]string {
			return [][]string{{"npm", "init", "-y"}}
		},
	},
	"python": {
		desc:    "python with venv",
		timeout: 2 * time.Minute,
		commands: func(string) [][]string {
			return [][]string{{"python3", "-m", "venv", ".venv"}}
		},
	},
	"rust": {
		desc:    "cargo crate",
		timeout: 2 * time.Minute,
		commands: func(name string) [][]string {
			return [][]string{{"cargo", "init", "--name", name}}
		},
	},
	"go": {
		desc:    "go module",
		timeout: time.Minute,
		commands: func(name string) [][]string {
			return [][]string{{"go", "mod", "init", name}}
		},
	},
	"react": {
		desc:    "Vite + React app",
		timeout: 5 * time.Minute,
		commands: func(string) [][]string {
			return [][]string{{"npm", "create", "vite@latest", ".", "--", "--template", "react"}}
		},
	},
	"next": {
		desc:    "Next.js app",
		timeout: 5 * time.Minute,
		commands: func(string) [][]string {
			return [][]string{{"npx", "--yes", "create-next-app@latest", ".", "--yes", "--use-npm"}}
		},
	},
}

// TemplateNames lists just the template identifiers, sorted.
func TemplateNames() []string {
	out := make([]string, 0, len(templates))
	for name := range templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Templates lists available template names with a short description.
func Templates() []string {
	out := make([]string, 0, len(templates))
	for name, t := range templates {
		out = append(out, fmt.Sprintf("%s (%s)", name, t.desc))
	}
	sort.Strings(out)
	return out
}

func (m *Manager) scaffold(ctx context.Context, name, tplName, path string) error {
	tpl, ok := templates[tplName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, tplName)
	}
	if tpl.commands == nil {
		return nil
	}
	for _, cmd := range tpl.commands(name) {
		m.emit("workspace:scaffolding", name, map[string]any{
			"template": tplName,
			"command":  strings.Join(cmd, " "),
		})
		res, err := m.rt.Exec(ctx, cmd[0], cmd[1:], sandbox.ExecOptions{
			Cwd:     path,
			Timeout: tpl.timeout,
		})
		if err != nil {
			return fmt.Errorf("scaffold %s: %w", tplName, err)
		}
		if res.TimedOut {
			return fmt.Errorf("scaffold %s: %s timed out after %s", tplName, cmd[0], tpl.timeout)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("scaffold %s: %s exited %d: %s",
				tplName, cmd[0], res.ExitCode, model.Truncate(strings.TrimSpace(res.Stderr), 400))
		}
	}
	return nil
}
