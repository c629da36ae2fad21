package dispatcher

import (
	"encoding/json"
	"errors"

	"github.com/taskwatch/project/internal/contracts"
)

var ErrInvalidNoticePayload = errors.New("invalid change notice payload")

// Dispatcher consumes task-changed notices off the bus and fans them out
// to the owner's live sessions through the registry.
type Dispatcher struct {
	Registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{Registry: registry}
}

// HandleMessage decodes one bus payload and dispatches it. A notice whose
// owner has no live session is dropped without error; live notification is
// best-effort.
func (d *Dispatcher) HandleMessage(payload []byte) error {
	var change contracts.TaskChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return ErrInvalidNoticePayload
	}
	if change.OwnerUserID == "" {
		return ErrInvalidNoticePayload
	}
	d.Registry.Dispatch(change)
	return nil
}
