// Package settings persists the small allow-listed runtime configuration
// (API keys, provider endpoint, sandbox snapshot) and applies changes to the
// live process: provider-affecting keys rebuild the sandbox manager.
package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/vedranjukic/apex/internal/config"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/store"
)

const maskedValue = "********"

// ManagerFactory builds a sandbox manager from the current configuration.
// It returns nil (no error) when provider configuration is incomplete; the
// holder then hands out no manager and operations report it unavailable.
type ManagerFactory func(cfg *config.Config) (*sandbox.Manager, error)

// Service owns the settings rows and their application to the process.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	holder   *sandbox.Holder
	projects *project.Service
	build    ManagerFactory
	log      *logger.Logger

	mu sync.Mutex
}

// NewService creates the settings service. projects may be nil in tests that
// do not exercise the snapshot key.
func NewService(st *store.Store, cfg *config.Config, holder *sandbox.Holder, projects *project.Service, build ManagerFactory, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		holder:   holder,
		projects: projects,
		build:    build,
		log:      log.With("component", "settings"),
	}
}

// Apply overlays every stored setting onto the environment configuration.
// Called once at boot, before the first manager is built, so stored provider
// credentials win over stale env values.
func (s *Service) Apply(ctx context.Context) error {
	rows, err := s.store.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.applyLocked(row.Key, row.Value)
	}
	return nil
}

// List returns all settings. Values are masked unless the configuration
// exposes them.
func (s *Service) List(ctx context.Context) ([]*model.Setting, error) {
	rows, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !s.cfg.SettingsVisible {
		for _, row := range rows {
			if row.Value != "" {
				row.Value = maskedValue
			}
		}
	}
	return rows, nil
}

// Update validates the key against the allow-list, persists the value, and
// applies it. Provider-affecting keys swap in a freshly built manager.
func (s *Service) Update(ctx context.Context, key, value string) error {
	if !allowed(key) {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := s.store.UpsertSetting(ctx, key, value); err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(key, value)

	if affectsProvider(key) {
		return s.rebuildLocked()
	}
	return nil
}

func (s *Service) applyLocked(key, value string) {
	switch key {
	case model.SettingAgentAPIKey:
		s.cfg.AgentAPIKey = value
		if s.projects != nil {
			s.projects.SetAgentAPIKey(value)
		}
	case model.SettingProviderAPIKey:
		s.cfg.ProviderAPIKey = value
	case model.SettingProviderBaseURL:
		s.cfg.ProviderBaseURL = value
	case model.SettingSandboxSnapshot:
		s.cfg.SandboxSnapshot = value
		if s.projects != nil {
			s.projects.SetSnapshot(value)
		}
	}
}

// rebuildLocked replaces the current manager with one built from the updated
// configuration. A failed build leaves no manager installed; operations
// report the manager unavailable until the settings are corrected.
func (s *Service) rebuildLocked() error {
	if s.build == nil {
		return nil
	}
	manager, err := s.build(s.cfg)
	if err != nil {
		s.holder.Replace(nil)
		s.log.Error("sandbox manager rebuild failed", "error", err)
		return fmt.Errorf("failed to apply provider settings: %w", err)
	}
	s.holder.Replace(manager)
	s.log.Info("sandbox manager rebuilt")
	return nil
}

func allowed(key string) bool {
	for _, k := range model.AllowedSettingKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func affectsProvider(key string) bool {
	return key == model.SettingProviderAPIKey || key == model.SettingProviderBaseURL
}
