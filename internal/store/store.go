// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/vedranjukic/apex/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// --- Projects ---

// GetProjectByID returns a project, including tombstoned rows. Callers that
// must not see soft-deleted projects check IsDeleted themselves; most read
// paths want the tombstone so orphaned sandboxes stay discoverable.
func (s *Store) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjectsByUser returns the user's live (non-tombstoned) projects.
func (s *Store) ListProjectsByUser(ctx context.Context, userID string) ([]*model.Project, error) {
	var projects []*model.Project
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Order("created_at DESC").
		Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Create(project).Error
}

func (s *Store) UpdateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Save(project).Error
}

// UpdateProjectStatus updates status and statusError in one write.
func (s *Store) UpdateProjectStatus(ctx context.Context, id, status string, statusError *string) error {
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"status_error": statusError,
			"updated_at":   time.Now(),
		}).Error
}

// SetProjectSandbox binds a sandbox id (or clears it with nil).
func (s *Store) SetProjectSandbox(ctx context.Context, id string, sandboxID *string) error {
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sandbox_id": sandboxID,
			"updated_at": time.Now(),
		}).Error
}

// SoftDeleteProject marks the project as a tombstone. The row is retained so
// its sandbox remains discoverable by the orphan sweep.
func (s *Store) SoftDeleteProject(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Update("deleted_at", &now).Error
}

// HardDeleteProject removes the row and its chats/messages.
func (s *Store) HardDeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE project_id = ?)", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.Chat{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Project{}, "id = ?", id).Error
	})
}

// FindForkFamily returns the root project plus every member whose
// forked_from_id references that root, ordered by creation time.
// Tombstones are included when includeTombstones is set: fork-family walks
// need them, live-reference counts do not.
func (s *Store) FindForkFamily(ctx context.Context, rootID string, includeTombstones bool) ([]*model.Project, error) {
	q := s.db.WithContext(ctx).
		Where("id = ? OR forked_from_id = ?", rootID, rootID)
	if !includeTombstones {
		q = q.Where("deleted_at IS NULL")
	}
	var projects []*model.Project
	if err := q.Order("created_at ASC").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// CountLiveProjectsBySandbox counts non-tombstoned projects bound to the
// sandbox. Zero means the sandbox is orphaned.
func (s *Store) CountLiveProjectsBySandbox(ctx context.Context, sandboxID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Project{}).
		Where("sandbox_id = ? AND deleted_at IS NULL", sandboxID).
		Count(&count).Error
	return count, err
}

// FindTombstonesBySandbox returns soft-deleted projects still referencing the
// sandbox, so they can be hard-deleted once the sandbox is gone.
func (s *Store) FindTombstonesBySandbox(ctx context.Context, sandboxID string) ([]*model.Project, error) {
	var projects []*model.Project
	if err := s.db.WithContext(ctx).
		Where("sandbox_id = ? AND deleted_at IS NOT NULL", sandboxID).
		Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// --- Chats ---

func (s *Store) GetChatByID(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &chat, nil
}

func (s *Store) ListChatsByProject(ctx context.Context, projectID string) ([]*model.Chat, error) {
	var chats []*model.Chat
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) error {
	return s.db.WithContext(ctx).Create(chat).Error
}

func (s *Store) UpdateChat(ctx context.Context, chat *model.Chat) error {
	return s.db.WithContext(ctx).Save(chat).Error
}

func (s *Store) UpdateChatStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).Model(&model.Chat{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

// SetChatAgentSessionID persists the agent session id if and only if the chat
// has none yet. The first system/init event wins; resumed turns may report a
// forked session id which must not replace the original.
func (s *Store) SetChatAgentSessionID(ctx context.Context, id, sessionID string) error {
	return s.db.WithContext(ctx).Model(&model.Chat{}).
		Where("id = ? AND agent_session_id IS NULL", id).
		Update("agent_session_id", sessionID).Error
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Message{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Chat{}, "id = ?", id).Error
	})
}

// --- Messages ---

func (s *Store) ListMessagesByChat(ctx context.Context, chatID string) ([]*model.Message, error) {
	var messages []*model.Message
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// FirstUserMessage returns the oldest user-role message of the chat.
func (s *Store) FirstUserMessage(ctx context.Context, chatID string) (*model.Message, error) {
	var message model.Message
	if err := s.db.WithContext(ctx).
		Where("chat_id = ? AND role = ?", chatID, model.MessageRoleUser).
		Order("created_at ASC").
		First(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &message, nil
}

func (s *Store) CreateMessage(ctx context.Context, message *model.Message) error {
	return s.db.WithContext(ctx).Create(message).Error
}

// --- Settings ---

func (s *Store) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	var setting model.Setting
	if err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &setting, nil
}

func (s *Store) ListSettings(ctx context.Context) ([]*model.Setting, error) {
	var settings []*model.Setting
	if err := s.db.WithContext(ctx).Order("key ASC").Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Store) UpsertSetting(ctx context.Context, key, value string) error {
	setting := &model.Setting{Key: key, Value: value}
	return s.db.WithContext(ctx).Save(setting).Error
}
