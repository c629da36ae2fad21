package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskwatch/project/internal/app/tasks"
	"github.com/taskwatch/project/internal/contracts"
	"github.com/taskwatch/project/internal/messaging"
)

type fakeStore struct {
	byID    map[string]contracts.TaskSnapshot
	deleted map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]contracts.TaskSnapshot{}, deleted: map[string]time.Time{}}
}

func (s *fakeStore) Insert(_ context.Context, snapshot contracts.TaskSnapshot, _ time.Time) error {
	s.byID[snapshot.TaskID] = snapshot
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, taskID string) (contracts.TaskSnapshot, error) {
	snapshot, ok := s.byID[taskID]
	if !ok {
		return contracts.TaskSnapshot{}, tasks.ErrTaskNotFound
	}
	return snapshot, nil
}

func (s *fakeStore) Update(_ context.Context, snapshot contracts.TaskSnapshot) error {
	if _, ok := s.byID[snapshot.TaskID]; !ok {
		return tasks.ErrTaskNotFound
	}
	s.byID[snapshot.TaskID] = snapshot
	return nil
}

func (s *fakeStore) Delete(_ context.Context, taskID string, deletedAt time.Time) error {
	if _, ok := s.byID[taskID]; !ok {
		return tasks.ErrTaskNotFound
	}
	delete(s.byID, taskID)
	s.deleted[taskID] = deletedAt
	return nil
}

type fakePublisher struct {
	subjects []string
	changes  []contracts.TaskChange
	err      error
}

func (p *fakePublisher) publish(subject string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	var change contracts.TaskChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return err
	}
	p.subjects = append(p.subjects, subject)
	p.changes = append(p.changes, change)
	return nil
}

func newTestService(store *fakeStore, publisher *fakePublisher) *Service {
	service := NewService(store, publisher.publish)
	service.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	seq := 0
	service.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return service
}

func TestAcceptCreateTask(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	service := newTestService(store, publisher)
	actor := Actor{UserID: "u1", Username: "alice"}

	resp, err := service.Accept(context.Background(), actor, TaskRequest{Action: "create-task", Title: "  write report  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "applied" {
		t.Fatalf("unexpected status %q", resp.Status)
	}
	if resp.Task.Title != "write report" {
		t.Fatalf("title not trimmed: %q", resp.Task.Title)
	}
	if resp.Task.Status != contracts.StatusOpen {
		t.Fatalf("new task must be open, got %q", resp.Task.Status)
	}

	stored, ok := store.byID[resp.Task.TaskID]
	if !ok {
		t.Fatal("task was not persisted")
	}
	if stored.OwnerUserID != "u1" {
		t.Fatalf("task owner wrong: %q", stored.OwnerUserID)
	}

	if len(publisher.changes) != 1 {
		t.Fatalf("expected 1 change notice, got %d", len(publisher.changes))
	}
	if publisher.subjects[0] != messaging.ChangeSubject("u1") {
		t.Fatalf("notice published on wrong subject %q", publisher.subjects[0])
	}
	if publisher.changes[0].ChangeType != contracts.ChangeCreated {
		t.Fatalf("unexpected change type %q", publisher.changes[0].ChangeType)
	}
}

func TestAcceptCompleteTaskCarriesPreviousState(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	service := newTestService(store, publisher)
	actor := Actor{UserID: "u1", Username: "alice"}

	created, err := service.Accept(context.Background(), actor, TaskRequest{Action: "create-task", Title: "write report"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := service.Accept(context.Background(), actor, TaskRequest{Action: "complete-task", TaskID: created.Task.TaskID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Task.Status != contracts.StatusDone {
		t.Fatalf("completed task must be done, got %q", resp.Task.Status)
	}

	change := publisher.changes[len(publisher.changes)-1]
	if change.ChangeType != contracts.ChangeCompleted {
		t.Fatalf("unexpected change type %q", change.ChangeType)
	}
	if change.Previous == nil || change.Previous.Status != contracts.StatusOpen {
		t.Fatalf("completion notice must carry previous open state: %+v", change.Previous)
	}
}

func TestAcceptDeleteTask(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	service := newTestService(store, publisher)
	actor := Actor{UserID: "u1", Username: "alice"}

	created, err := service.Accept(context.Background(), actor, TaskRequest{Action: "create-task", Title: "write report"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.Accept(context.Background(), actor, TaskRequest{Action: "delete-task", TaskID: created.Task.TaskID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.byID[created.Task.TaskID]; ok {
		t.Fatal("task not deleted from store")
	}
	if publisher.changes[len(publisher.changes)-1].ChangeType != contracts.ChangeDeleted {
		t.Fatal("expected a deleted change notice")
	}
}

func TestAcceptRejectsForeignTask(t *testing.T) {
	store := newFakeStore()
	store.byID["t-other"] = contracts.TaskSnapshot{TaskID: "t-other", OwnerUserID: "u2", Title: "not yours"}
	service := newTestService(store, &fakePublisher{})

	_, err := service.Accept(context.Background(), Actor{UserID: "u1"}, TaskRequest{Action: "complete-task", TaskID: "t-other"})
	if !errors.Is(err, ErrForbiddenTask) {
		t.Fatalf("expected ErrForbiddenTask, got %v", err)
	}
}

func TestAcceptValidation(t *testing.T) {
	service := newTestService(newFakeStore(), &fakePublisher{})
	actor := Actor{UserID: "u1"}
	ctx := context.Background()

	if _, err := service.Accept(ctx, actor, TaskRequest{Action: "create-task", Title: "   "}); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if _, err := service.Accept(ctx, actor, TaskRequest{Action: "update-task"}); !errors.Is(err, ErrTaskIDRequired) {
		t.Fatalf("expected ErrTaskIDRequired, got %v", err)
	}
	if _, err := service.Accept(ctx, actor, TaskRequest{Action: "frobnicate"}); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
	if _, err := service.Accept(ctx, actor, TaskRequest{Action: "complete-task", TaskID: "missing"}); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestAcceptSurvivesPublishFailure(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePublisher{err: errors.New("stream unavailable")}
	service := newTestService(store, publisher)

	resp, err := service.Accept(context.Background(), Actor{UserID: "u1"}, TaskRequest{Action: "create-task", Title: "write report"})
	if !errors.Is(err, ErrNoticeUnpublished) {
		t.Fatalf("expected ErrNoticeUnpublished, got %v", err)
	}
	if resp.Status != "applied" {
		t.Fatal("mutation must stand even when the notice is lost")
	}
	if _, ok := store.byID[resp.Task.TaskID]; !ok {
		t.Fatal("task must be persisted despite the publish failure")
	}
}
