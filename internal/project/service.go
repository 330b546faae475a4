// Package project implements the project registry: provisioning sandboxes
// for new projects, reconciling recorded status against the sandbox host,
// and the fork family lifecycle with tombstones.
package project

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vedranjukic/apex/internal/events"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/provider"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/store"
)

const provisionTimeout = 5 * time.Minute

// Service owns project lifecycle operations.
type Service struct {
	store  *store.Store
	holder *sandbox.Holder
	broker *events.Broker
	log    *logger.Logger

	mu       sync.RWMutex
	snapshot string
	agentKey string
}

// NewService creates the project service. snapshot names the sandbox image
// new projects are provisioned from.
func NewService(s *store.Store, holder *sandbox.Holder, broker *events.Broker, snapshot string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:    s,
		holder:   holder,
		broker:   broker,
		snapshot: snapshot,
		log:      log,
	}
}

// SetSnapshot changes the image used for sandboxes provisioned from now on.
func (s *Service) SetSnapshot(snapshot string) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
}

func (s *Service) snapshotName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// SetAgentAPIKey changes the agent key injected into sandboxes provisioned
// from now on. Existing sandboxes keep the key they booted with.
func (s *Service) SetAgentAPIKey(key string) {
	s.mu.Lock()
	s.agentKey = key
	s.mu.Unlock()
}

func (s *Service) agentAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentKey
}

// manager returns the current sandbox manager, or ErrManagerUnavailable when
// provider configuration is missing.
func (s *Service) manager() (*sandbox.Manager, error) {
	m := s.holder.Manager()
	if m == nil {
		return nil, sandbox.ErrManagerUnavailable
	}
	return m, nil
}

// CreateOptions are the user-supplied fields for a new project.
type CreateOptions struct {
	Name      string
	GitRepo   string
	AgentType string
}

// Create records the project in `creating` status and provisions its sandbox
// in the background. The returned project reflects the initial state.
func (s *Service) Create(ctx context.Context, userID string, opts CreateOptions) (*model.Project, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	project := &model.Project{
		UserID:    userID,
		Name:      opts.Name,
		AgentType: opts.AgentType,
		Status:    model.ProjectStatusCreating,
	}
	if opts.GitRepo != "" {
		project.GitRepo = &opts.GitRepo
	}
	if project.AgentType == "" {
		project.AgentType = model.AgentTypeClaude
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.broker.Publish(userID, events.EventTypeProjectCreated, project)

	go s.provision(project.ID, userID, opts)
	return project, nil
}

// provision creates the sandbox for a freshly created project and moves the
// project to running or error.
func (s *Service) provision(projectID, userID string, opts CreateOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	manager, err := s.manager()
	if err != nil {
		s.failProject(ctx, projectID, userID, err)
		return
	}
	sandboxID, err := manager.Provider().CreateSandbox(ctx, provider.CreateRequest{
		Snapshot:    s.snapshotName(),
		ProjectName: opts.Name,
		GitRepo:     opts.GitRepo,
		AgentAPIKey: s.agentAPIKey(),
	})
	if err != nil {
		s.log.Error("sandbox provisioning failed", "project_id", projectID, "error", err)
		s.failProject(ctx, projectID, userID, err)
		return
	}

	manager.RegisterProjectName(sandboxID, opts.Name)

	if err := s.store.SetProjectSandbox(ctx, projectID, &sandboxID); err != nil {
		s.log.Error("failed to record sandbox id", "project_id", projectID, "error", err)
		return
	}
	if err := s.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusRunning, nil); err != nil {
		s.log.Error("failed to mark project running", "project_id", projectID, "error", err)
		return
	}

	s.publishUpdated(ctx, projectID, userID)
	s.log.Info("project provisioned", "project_id", projectID, "sandbox_id", sandboxID)
}

func (s *Service) failProject(ctx context.Context, projectID, userID string, cause error) {
	msg := cause.Error()
	if err := s.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusError, &msg); err != nil {
		s.log.Error("failed to mark project errored", "project_id", projectID, "error", err)
		return
	}
	s.publishUpdated(ctx, projectID, userID)
}

func (s *Service) publishUpdated(ctx context.Context, projectID, userID string) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return
	}
	s.broker.Publish(userID, events.EventTypeProjectUpdated, project)
}

// Get returns a live project by id.
func (s *Service) Get(ctx context.Context, projectID string) (*model.Project, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.IsDeleted() {
		return nil, store.ErrNotFound
	}
	return project, nil
}

// List returns the user's live projects.
func (s *Service) List(ctx context.Context, userID string) ([]*model.Project, error) {
	return s.store.ListProjectsByUser(ctx, userID)
}

// Update applies user-editable fields.
func (s *Service) Update(ctx context.Context, projectID string, name *string) (*model.Project, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if name != nil && *name != "" {
		project.Name = *name
	}
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	s.broker.Publish(project.UserID, events.EventTypeProjectUpdated, project)
	return project, nil
}

// Reconcile refreshes the project's recorded status from the sandbox host.
// A project still provisioning is left alone: only the provisioning flow
// moves a project out of `creating`.
func (s *Service) Reconcile(ctx context.Context, project *model.Project) (*model.Project, error) {
	if project.Status == model.ProjectStatusCreating {
		return project, nil
	}
	if project.SandboxID == nil {
		return project, nil
	}

	manager, err := s.manager()
	if err != nil {
		return nil, err
	}
	state, err := manager.Provider().GetSandboxState(ctx, *project.SandboxID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			msg := "sandbox no longer exists"
			s.store.UpdateProjectStatus(ctx, project.ID, model.ProjectStatusError, &msg)
			return s.store.GetProjectByID(ctx, project.ID)
		}
		return nil, fmt.Errorf("failed to query sandbox state: %w", err)
	}

	mapped := provider.MapState(state)
	if mapped == project.Status {
		return project, nil
	}

	var statusError *string
	if mapped == model.ProjectStatusError {
		msg := "sandbox reported an error"
		statusError = &msg
	}
	if err := s.store.UpdateProjectStatus(ctx, project.ID, mapped, statusError); err != nil {
		return nil, err
	}
	updated, err := s.store.GetProjectByID(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	s.broker.Publish(project.UserID, events.EventTypeProjectUpdated, updated)
	return updated, nil
}

// EnsureRunning brings a stopped or errored project's sandbox back up, or
// provisions one when the project never got a sandbox. Projects in other
// states are returned as-is after reconciliation.
func (s *Service) EnsureRunning(ctx context.Context, projectID string) (*model.Project, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	project, err = s.Reconcile(ctx, project)
	if err != nil {
		return nil, err
	}

	if project.Status != model.ProjectStatusStopped && project.Status != model.ProjectStatusError {
		return project, nil
	}

	manager, err := s.manager()
	if err != nil {
		return nil, err
	}

	if project.SandboxID == nil {
		// Lost or never-created sandbox: provision a fresh one inline.
		gitRepo := ""
		if project.GitRepo != nil {
			gitRepo = *project.GitRepo
		}
		sandboxID, err := manager.Provider().CreateSandbox(ctx, provider.CreateRequest{
			Snapshot:    s.snapshotName(),
			ProjectName: project.Name,
			GitRepo:     gitRepo,
			AgentAPIKey: s.agentAPIKey(),
		})
		if err != nil {
			s.failProject(ctx, project.ID, project.UserID, err)
			return nil, fmt.Errorf("failed to provision sandbox: %w", err)
		}
		manager.RegisterProjectName(sandboxID, project.Name)
		if err := s.store.SetProjectSandbox(ctx, project.ID, &sandboxID); err != nil {
			return nil, err
		}
	} else {
		dirName := s.RootName(ctx, project)
		manager.RegisterProjectName(*project.SandboxID, dirName)
		if err := s.store.UpdateProjectStatus(ctx, project.ID, model.ProjectStatusStarting, nil); err != nil {
			return nil, err
		}
		s.publishUpdated(ctx, project.ID, project.UserID)
		if err := manager.Provider().ReconnectSandbox(ctx, *project.SandboxID, sandbox.Slug(dirName)); err != nil {
			s.failProject(ctx, project.ID, project.UserID, err)
			return nil, fmt.Errorf("failed to start sandbox: %w", err)
		}
	}

	if err := s.store.UpdateProjectStatus(ctx, project.ID, model.ProjectStatusRunning, nil); err != nil {
		return nil, err
	}
	updated, err := s.store.GetProjectByID(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	s.broker.Publish(project.UserID, events.EventTypeProjectUpdated, updated)
	return updated, nil
}

// Stop stops the project's sandbox and records the project as stopped.
func (s *Service) Stop(ctx context.Context, projectID string) (*model.Project, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.SandboxID != nil {
		manager, err := s.manager()
		if err != nil {
			return nil, err
		}
		manager.Disconnect(*project.SandboxID)
		if err := manager.Provider().StopSandbox(ctx, *project.SandboxID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			return nil, fmt.Errorf("failed to stop sandbox: %w", err)
		}
	}
	if err := s.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusStopped, nil); err != nil {
		return nil, err
	}
	updated, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.broker.Publish(project.UserID, events.EventTypeProjectUpdated, updated)
	return updated, nil
}

// rootID collapses fork chains: every fork references the family root, so a
// fork of a fork still points at the original project.
func rootID(project *model.Project) string {
	if project.ForkedFromID != nil && *project.ForkedFromID != "" {
		return *project.ForkedFromID
	}
	return project.ID
}

// RootName returns the name to use for directory resolution inside the
// project's sandbox. A forked sandbox mirrors the root's filesystem layout,
// so the root project's name wins over the fork's own.
func (s *Service) RootName(ctx context.Context, project *model.Project) string {
	if project.ForkedFromID == nil || *project.ForkedFromID == "" {
		return project.Name
	}
	root, err := s.store.GetProjectByID(ctx, *project.ForkedFromID)
	if err != nil {
		return project.Name
	}
	return root.Name
}

// Fork creates a new project whose sandbox is a copy-on-write fork of the
// source project's sandbox on the given branch.
func (s *Service) Fork(ctx context.Context, sourceID, branchName, name string) (*model.Project, error) {
	source, err := s.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.SandboxID == nil {
		return nil, fmt.Errorf("project has no sandbox to fork")
	}
	if branchName == "" {
		return nil, fmt.Errorf("branch name is required")
	}
	if name == "" {
		name = source.Name + " (" + branchName + ")"
	}

	manager, err := s.manager()
	if err != nil {
		return nil, err
	}
	newSandboxID, err := manager.Provider().ForkSandbox(ctx, *source.SandboxID, branchName, name)
	if err != nil {
		return nil, fmt.Errorf("failed to fork sandbox: %w", err)
	}
	manager.RegisterProjectName(newSandboxID, s.RootName(ctx, source))

	root := rootID(source)
	fork := &model.Project{
		UserID:       source.UserID,
		Name:         name,
		GitRepo:      source.GitRepo,
		AgentType:    source.AgentType,
		Status:       model.ProjectStatusRunning,
		SandboxID:    &newSandboxID,
		ForkedFromID: &root,
		BranchName:   &branchName,
	}
	if err := s.store.CreateProject(ctx, fork); err != nil {
		return nil, fmt.Errorf("failed to record fork: %w", err)
	}
	s.broker.Publish(source.UserID, events.EventTypeProjectCreated, fork)
	return fork, nil
}

// ForkFamily returns the root and all its forks, oldest first. Tombstoned
// members are excluded.
func (s *Service) ForkFamily(ctx context.Context, projectID string) ([]*model.Project, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	family, err := s.store.FindForkFamily(ctx, rootID(project), false)
	if err != nil {
		return nil, err
	}
	return family, nil
}

// Remove deletes a project. The sandbox is deleted when the host allows it;
// a sandbox that still has dependent forks is stopped instead and the row is
// kept as a tombstone. After a successful hard delete, tombstoned family
// members whose last dependent fork just disappeared are swept up too.
func (s *Service) Remove(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if project.IsDeleted() {
		return store.ErrNotFound
	}

	// Capture the family before anything destructive happens. The sweep
	// below must see tombstones even after this project's row is gone.
	family, err := s.store.FindForkFamily(ctx, rootID(project), true)
	if err != nil {
		return err
	}

	if err := s.removeOne(ctx, project); err != nil {
		return err
	}
	s.broker.Publish(project.UserID, events.EventTypeProjectDeleted, map[string]string{"id": project.ID})

	s.sweepOrphans(ctx, project.ID, family)
	return nil
}

// removeOne deletes one project's sandbox and row, tombstoning when the
// sandbox still has dependent forks.
func (s *Service) removeOne(ctx context.Context, project *model.Project) error {
	manager, err := s.manager()
	if err != nil {
		return err
	}

	if project.SandboxID != nil {
		manager.Disconnect(*project.SandboxID)
		err := manager.Provider().DeleteSandbox(ctx, *project.SandboxID)
		switch {
		case err == nil, errors.Is(err, provider.ErrNotFound):
			// Sandbox gone; fall through to the hard delete.
		case errors.Is(err, provider.ErrHasForks):
			// Forks still depend on this sandbox's filesystem. Stop it and
			// keep a tombstone so the sweep can finish the job later.
			if stopErr := manager.Provider().StopSandbox(ctx, *project.SandboxID); stopErr != nil && !errors.Is(stopErr, provider.ErrNotFound) {
				s.log.Warn("failed to stop tombstoned sandbox", "sandbox_id", *project.SandboxID, "error", stopErr)
			}
			return s.store.SoftDeleteProject(ctx, project.ID)
		default:
			return fmt.Errorf("failed to delete sandbox: %w", err)
		}
	}

	return s.store.HardDeleteProject(ctx, project.ID)
}

// sweepOrphans retries sandbox deletion for tombstoned family members. Run
// after a hard delete: the removed project may have been the last dependent
// fork keeping a tombstone's sandbox alive.
func (s *Service) sweepOrphans(ctx context.Context, removedID string, family []*model.Project) {
	manager, err := s.manager()
	if err != nil {
		return
	}

	// A fork's filesystem is a copy-on-write child of its ancestors', so any
	// surviving family member keeps every tombstoned sandbox pinned.
	for _, member := range family {
		if member.ID != removedID && !member.IsDeleted() {
			return
		}
	}

	for _, member := range family {
		if member.ID == removedID || !member.IsDeleted() || member.SandboxID == nil {
			continue
		}
		if live, err := s.store.CountLiveProjectsBySandbox(ctx, *member.SandboxID); err != nil || live > 0 {
			continue
		}
		err := manager.Provider().DeleteSandbox(ctx, *member.SandboxID)
		switch {
		case err == nil, errors.Is(err, provider.ErrNotFound):
			s.purgeTombstones(ctx, *member.SandboxID)
		case errors.Is(err, provider.ErrHasForks):
			// The host still sees dependents; leave the tombstone for a
			// later sweep.
		default:
			s.log.Warn("tombstone sweep failed", "project_id", member.ID, "error", err)
		}
	}
}

// purgeTombstones hard-deletes every soft-deleted row still bound to a
// sandbox that no longer exists.
func (s *Service) purgeTombstones(ctx context.Context, sandboxID string) {
	tombs, err := s.store.FindTombstonesBySandbox(ctx, sandboxID)
	if err != nil {
		s.log.Warn("failed to list tombstones", "sandbox_id", sandboxID, "error", err)
		return
	}
	for _, tomb := range tombs {
		if err := s.store.HardDeleteProject(ctx, tomb.ID); err != nil {
			s.log.Warn("failed to purge tombstone", "project_id", tomb.ID, "error", err)
			continue
		}
		s.log.Info("swept orphaned tombstone", "project_id", tomb.ID, "sandbox_id", sandboxID)
	}
}

// VscodeURL returns the hosted VS Code URL for a project's sandbox.
func (s *Service) VscodeURL(ctx context.Context, projectID string) (string, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return "", err
	}
	if project.SandboxID == nil {
		return "", provider.ErrNotRunning
	}
	manager, err := s.manager()
	if err != nil {
		return "", err
	}
	return manager.Provider().GetVscodeURL(ctx, *project.SandboxID)
}

// SSHAccess mints time-limited SSH credentials for a project's sandbox.
func (s *Service) SSHAccess(ctx context.Context, projectID string) (*provider.SSHAccess, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.SandboxID == nil {
		return nil, provider.ErrNotRunning
	}
	manager, err := s.manager()
	if err != nil {
		return nil, err
	}
	return manager.Provider().CreateSSHAccess(ctx, *project.SandboxID)
}

// PortPreview mints a signed preview URL for a port in the project's sandbox.
func (s *Service) PortPreview(ctx context.Context, projectID string, port int) (*provider.PreviewURL, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.SandboxID == nil {
		return nil, provider.ErrNotRunning
	}
	manager, err := s.manager()
	if err != nil {
		return nil, err
	}
	return manager.Provider().GetPortPreviewURL(ctx, *project.SandboxID, port)
}
