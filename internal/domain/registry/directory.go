package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// Directory is the cluster-wide view of where users hold live connections.
// It is fed by presence events from every instance, this one included.
type Directory interface {
	Apply(ctx context.Context, p model.Presence) error
	InstancesFor(ctx context.Context, userID model.UserID) ([]string, error)
}

var _ Directory = (*MemoryDirectory)(nil)

// MemoryDirectory keeps the presence view in process memory. Each instance
// builds its own copy from the presence topic.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[model.UserID]map[string]int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[model.UserID]map[string]int)}
}

func (d *MemoryDirectory) Apply(_ context.Context, p model.Presence) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	instances := d.users[p.UserID]
	if p.Connections <= 0 {
		delete(instances, p.InstanceID)
		if len(instances) == 0 {
			delete(d.users, p.UserID)
		}
		return nil
	}
	if instances == nil {
		instances = make(map[string]int)
		d.users[p.UserID] = instances
	}
	instances[p.InstanceID] = p.Connections
	return nil
}

// InstancesFor returns the sorted instance ids holding at least one connection.
func (d *MemoryDirectory) InstancesFor(_ context.Context, userID model.UserID) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.users[userID]))
	for id := range d.users[userID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
