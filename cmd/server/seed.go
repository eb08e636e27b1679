package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

type agentsYAML struct {
	Agents []agentYAML `yaml:"agents"`
}

type agentYAML struct {
	ID                string           `yaml:"id"`
	Name              string           `yaml:"name"`
	MaxConcurrentJobs int              `yaml:"max_concurrent_jobs"`
	Capabilities      []capabilityYAML `yaml:"capabilities"`
}

type capabilityYAML struct {
	Target     string `yaml:"target"`
	Platform   string `yaml:"platform"`
	Version    string `yaml:"version"`
	DeviceName string `yaml:"device_name"`
}

// seedAgentsFromYAML registers every agent in the fixture through the normal
// registration path, so seeded agents behave exactly like self-registered
// ones: offline until their first heartbeat.
func seedAgentsFromYAML(ctx domain.Context, svc usecase.AgentService, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("seed file not found: %s", path)
		}
		return err
	}
	var doc agentsYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	if len(doc.Agents) == 0 {
		// Tolerate a bare list without the top-level agents key.
		var ls []agentYAML
		if err := yaml.Unmarshal(b, &ls); err == nil {
			doc.Agents = ls
		}
	}
	if len(doc.Agents) == 0 {
		return fmt.Errorf("no agents to seed in %s", path)
	}

	for _, a := range doc.Agents {
		caps := make([]domain.Capability, 0, len(a.Capabilities))
		for _, c := range a.Capabilities {
			caps = append(caps, domain.Capability{
				Target:     domain.Target(c.Target),
				Platform:   c.Platform,
				Version:    c.Version,
				DeviceName: c.DeviceName,
			})
		}
		if _, err := svc.Register(ctx, usecase.RegisterAgentInput{
			ID:                a.ID,
			Name:              a.Name,
			Capabilities:      caps,
			MaxConcurrentJobs: a.MaxConcurrentJobs,
		}); err != nil {
			return fmt.Errorf("register %s: %w", a.ID, err)
		}
	}
	slog.Info("agent fleet seeded", slog.Int("agents", len(doc.Agents)), slog.String("file", path))
	return nil
}
