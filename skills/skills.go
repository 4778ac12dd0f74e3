// Package skills loads trigger-matched instruction snippets for the
// agent prompt.
//
// A skill is a markdown file with YAML frontmatter (name, description,
// triggers, enabled) under the skills directory. The agent always sees a
// compact <available_skills> listing; a skill's full body is injected
// only when one of its triggers matches the user's message.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fetchcore/fetch/internal/logger"
)

// Skill is one loaded instruction snippet.
type Skill struct {
	Name        string
	Description string
	Triggers    []string
	Enabled     bool
	Body        string
	Path        string
}

type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Enabled     *bool    `yaml:"enabled"`
}

// Registry holds the loaded skills and answers prompt queries.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	skills map[string]*Skill
	log    *logger.Logger
}

// NewRegistry loads all skills from dir, creating it (with the bundled
// defaults) when it does not exist or is empty.
func NewRegistry(dir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		skills: make(map[string]*Skill),
		log:    log.Named("skills"),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating skills directory: %w", err)
	}
	if empty, err := dirEmpty(dir); err != nil {
		return nil, err
	} else if empty {
		if err := writeBundled(dir); err != nil {
			return nil, fmt.Errorf("writing bundled skills: %w", err)
		}
		r.log.Info("wrote bundled skills", zap.String("dir", dir))
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every skill file. Files without valid frontmatter are
// skipped with a warning.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading skills directory: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("skipping unreadable skill", zap.String("path", path), zap.Error(err))
			continue
		}
		sk, err := parse(raw)
		if err != nil {
			r.log.Warn("skipping malformed skill", zap.String("path", path), zap.Error(err))
			continue
		}
		if sk.Name == "" {
			sk.Name = strings.TrimSuffix(e.Name(), ".md")
		}
		sk.Path = path
		loaded[sk.Name] = sk
	}

	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()
	r.log.Debug("skills loaded", zap.Int("count", len(loaded)))
	return nil
}

// parse splits YAML frontmatter from the markdown body.
func parse(raw []byte) (*Skill, error) {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.HasPrefix(s, "---\n") {
		return nil, fmt.Errorf("missing frontmatter fence")
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	var meta, body string
	if end >= 0 {
		meta = rest[:end]
		body = rest[end+len("\n---\n"):]
	} else if strings.HasSuffix(rest, "\n---") {
		meta = rest[:len(rest)-len("\n---")]
	} else {
		return nil, fmt.Errorf("unterminated frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}
	return &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Triggers:    fm.Triggers,
		Enabled:     enabled,
		Body:        strings.TrimSpace(body),
	}, nil
}

// All returns every loaded skill sorted by name.
func (r *Registry) All() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, sk := range r.skills {
		out = append(out, *sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sk, ok := r.skills[name]
	if !ok {
		return Skill{}, false
	}
	return *sk, true
}

// Summaries renders the compact <available_skills> block for the system
// prompt. Disabled skills are omitted. Returns "" when nothing is enabled.
func (r *Registry) Summaries() string {
	var enabled []Skill
	for _, sk := range r.All() {
		if sk.Enabled {
			enabled = append(enabled, sk)
		}
	}
	if len(enabled) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, sk := range enabled {
		fmt.Fprintf(&b, "  <skill name=%q>%s</skill>\n", sk.Name, escapeXML(sk.Description))
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Match returns the enabled skills whose triggers fire on text. A trigger
// wrapped in slashes (/.../) is treated as a regular expression; anything
// else matches as a case-insensitive substring.
func (r *Registry) Match(text string) []Skill {
	lower := strings.ToLower(text)
	var matched []Skill
	for _, sk := range r.All() {
		if !sk.Enabled {
			continue
		}
		for _, trig := range sk.Triggers {
			if triggerMatches(trig, text, lower) {
				matched = append(matched, sk)
				break
			}
		}
	}
	return matched
}

// Activated renders <activated_skill> blocks for every skill matching
// text, or "" when none match.
func (r *Registry) Activated(text string) string {
	matched := r.Match(text)
	if len(matched) == 0 {
		return ""
	}
	var b strings.Builder
	for i, sk := range matched {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<activated_skill name=%q>\n%s\n</activated_skill>", sk.Name, sk.Body)
	}
	return b.String()
}

// SetEnabled flips a skill's enabled flag and rewrites its file so the
// state survives restarts.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	sk, ok := r.skills[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown skill %q", name)
	}
	sk.Enabled = enabled
	cp := *sk
	r.mu.Unlock()

	return writeSkillFile(cp.Path, &cp)
}

func writeSkillFile(path string, sk *Skill) error {
	fm := frontmatter{
		Name:        sk.Name,
		Description: sk.Description,
		Triggers:    sk.Triggers,
		Enabled:     &sk.Enabled,
	}
	meta, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	content := "---\n" + string(meta) + "---\n\n" + sk.Body + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func triggerMatches(trigger, text, lower string) bool {
	if len(trigger) > 2 && strings.HasPrefix(trigger, "/") && strings.HasSuffix(trigger, "/") {
		re, err := regexp.Compile("(?i)" + trigger[1:len(trigger)-1])
		if err != nil {
			return false
		}
		return re.MatchString(text)
	}
	return strings.Contains(lower, strings.ToLower(trigger))
}

func escapeXML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			return false, nil
		}
	}
	return true, nil
}
