package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskwatch/project/internal/contracts"
	"github.com/taskwatch/project/internal/messaging"
)

var ErrTitleRequired = errors.New("title is required")
var ErrTaskIDRequired = errors.New("task_id is required")
var ErrUnsupportedAction = errors.New("unsupported action")
var ErrForbiddenTask = errors.New("task belongs to another user")

// ErrNoticeUnpublished marks a mutation that persisted but whose change
// notice could not reach the bus. The mutation stands; live notification
// is best-effort and the caller only logs the loss.
var ErrNoticeUnpublished = errors.New("change notice not published")

type TaskStore interface {
	Insert(ctx context.Context, snapshot contracts.TaskSnapshot, createdAt time.Time) error
	GetByID(ctx context.Context, taskID string) (contracts.TaskSnapshot, error)
	Update(ctx context.Context, snapshot contracts.TaskSnapshot) error
	Delete(ctx context.Context, taskID string, deletedAt time.Time) error
}

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Store   TaskStore
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

type Actor struct {
	UserID   string
	Username string
}

type TaskRequest struct {
	Action string     `json:"action"`
	TaskID string     `json:"task_id"`
	Title  string     `json:"title"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

type TaskResponse struct {
	Status   string                 `json:"status"`
	ChangeID string                 `json:"change_id"`
	Task     contracts.TaskSnapshot `json:"task"`
}

func NewService(store TaskStore, publish PublishFunc) *Service {
	return &Service{
		Store:   store,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

// Accept applies one task mutation for the actor and raises the change
// notice keyed by the owning user.
func (s *Service) Accept(ctx context.Context, actor Actor, req TaskRequest) (TaskResponse, error) {
	action := strings.TrimSpace(strings.ToLower(req.Action))
	now := s.Now()

	var change contracts.TaskChange
	switch action {
	case "create-task":
		title := strings.TrimSpace(req.Title)
		if title == "" {
			return TaskResponse{}, ErrTitleRequired
		}
		snapshot := contracts.TaskSnapshot{
			TaskID:       s.NewID(),
			OwnerUserID:  actor.UserID,
			Title:        title,
			Status:       contracts.StatusOpen,
			DueAt:        req.DueAt,
			LastModified: now,
		}
		if err := s.Store.Insert(ctx, snapshot, now); err != nil {
			return TaskResponse{}, err
		}
		change = contracts.TaskChange{ChangeType: contracts.ChangeCreated, Task: snapshot}

	case "update-task":
		existing, err := s.ownedTask(ctx, actor, req.TaskID)
		if err != nil {
			return TaskResponse{}, err
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			return TaskResponse{}, ErrTitleRequired
		}
		previous := existing
		existing.Title = title
		if req.DueAt != nil {
			existing.DueAt = req.DueAt
		}
		existing.LastModified = now
		if err := s.Store.Update(ctx, existing); err != nil {
			return TaskResponse{}, err
		}
		change = contracts.TaskChange{ChangeType: contracts.ChangeUpdated, Task: existing, Previous: &previous}

	case "complete-task":
		existing, err := s.ownedTask(ctx, actor, req.TaskID)
		if err != nil {
			return TaskResponse{}, err
		}
		previous := existing
		existing.Status = contracts.StatusDone
		existing.LastModified = now
		if err := s.Store.Update(ctx, existing); err != nil {
			return TaskResponse{}, err
		}
		change = contracts.TaskChange{ChangeType: contracts.ChangeCompleted, Task: existing, Previous: &previous}

	case "delete-task":
		existing, err := s.ownedTask(ctx, actor, req.TaskID)
		if err != nil {
			return TaskResponse{}, err
		}
		if err := s.Store.Delete(ctx, existing.TaskID, now); err != nil {
			return TaskResponse{}, err
		}
		previous := existing
		existing.LastModified = now
		change = contracts.TaskChange{ChangeType: contracts.ChangeDeleted, Task: existing, Previous: &previous}

	default:
		return TaskResponse{}, ErrUnsupportedAction
	}

	change.ChangeID = s.NewID()
	change.OwnerUserID = actor.UserID
	change.OccurredAt = now

	resp := TaskResponse{Status: "applied", ChangeID: change.ChangeID, Task: change.Task}

	payload, err := json.Marshal(change)
	if err != nil {
		return resp, errors.Join(ErrNoticeUnpublished, err)
	}
	if err := s.Publish(messaging.ChangeSubject(actor.UserID), payload); err != nil {
		return resp, errors.Join(ErrNoticeUnpublished, err)
	}
	return resp, nil
}

func (s *Service) ownedTask(ctx context.Context, actor Actor, taskID string) (contracts.TaskSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return contracts.TaskSnapshot{}, ErrTaskIDRequired
	}
	existing, err := s.Store.GetByID(ctx, taskID)
	if err != nil {
		return contracts.TaskSnapshot{}, err
	}
	if existing.OwnerUserID != actor.UserID {
		return contracts.TaskSnapshot{}, ErrForbiddenTask
	}
	return existing, nil
}
