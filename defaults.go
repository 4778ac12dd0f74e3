package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/config"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/llm/anthropic"
	dockersandbox "github.com/fetchcore/fetch/sandbox/docker"
	"github.com/fetchcore/fetch/store/sqlite"
	"github.com/fetchcore/fetch/transport/slack"
	"github.com/fetchcore/fetch/transport/telegram"
)

// defaultPersona is written to the identity file on first run so the
// owner has something to edit.
const defaultPersona = `# Fetch

You are Fetch, a coding orchestrator. You manage sandboxed workspaces and
delegate real coding work to CLI harnesses. You answer briefly, act
decisively, and never pretend to have done work you delegated.
`

// applyDefaults fills in missing Builder fields. Order matters: config
// first, then the logger, then everything that logs.
func applyDefaults(b *Builder) error {
	if b.version == "" {
		b.version = "dev"
	}

	if b.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		b.cfg = cfg
	}
	if err := b.cfg.Validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	if b.log == nil {
		log, err := logger.New(b.cfg.LogLevel, b.cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("fetch: logger: %w", err)
		}
		b.log = log
	}

	if b.st == nil {
		if err := os.MkdirAll(filepath.Dir(b.cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("fetch: data directory: %w", err)
		}
		st, err := sqlite.New(b.cfg.DBPath)
		if err != nil {
			return fmt.Errorf("fetch: store: %w", err)
		}
		b.st = st
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.rt == nil {
		rt, err := dockersandbox.New(b.cfg.SandboxContainer, b.cfg.SandboxEnv(), b.log)
		if err != nil {
			return fmt.Errorf("fetch: sandbox: %w", err)
		}
		b.rt = rt
	}

	if b.lm == nil {
		b.lm = anthropic.New(b.cfg.AnthropicAPIKey, b.cfg.Model)
	}

	if b.identity == nil {
		text, err := loadIdentity(b.cfg.IdentityFile)
		if err != nil {
			return fmt.Errorf("fetch: identity: %w", err)
		}
		b.identity = func() string { return text }
	}

	if len(b.transports) == 0 {
		if err := defaultTransports(b); err != nil {
			return err
		}
	}

	return nil
}

func defaultTransports(b *Builder) error {
	if b.cfg.TelegramEnabled() {
		owner, err := strconv.ParseInt(strings.TrimSpace(b.cfg.TelegramOwnerID), 10, 64)
		if err != nil {
			return fmt.Errorf("fetch: TELEGRAM_OWNER_ID: %w", err)
		}
		tg, err := telegram.New(telegram.Options{
			Token:   b.cfg.TelegramBotToken,
			OwnerID: owner,
			Log:     b.log,
		})
		if err != nil {
			return fmt.Errorf("fetch: telegram: %w", err)
		}
		b.transports = append(b.transports, tg)
	}
	if b.cfg.SlackEnabled() {
		sl, err := slack.New(slack.Options{
			BotToken:      b.cfg.SlackBotToken,
			SigningSecret: b.cfg.SlackSigningSecret,
			Log:           b.log,
		})
		if err != nil {
			return fmt.Errorf("fetch: slack: %w", err)
		}
		b.transports = append(b.transports, sl)
	}
	return nil
}

// loadIdentity reads the persona file, seeding it with the default on
// first run.
func loadIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(defaultPersona), 0o644); err != nil {
		return "", err
	}
	return defaultPersona, nil
}
