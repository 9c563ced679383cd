package registry

import (
	"context"

	"github.com/pkg/errors"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
	"github.com/teeline/smarthome-washer/internal/pkg/store"
)

/*
 *   The per-user device registry: resolves a user-scoped device handle
 *   to its static descriptor and current state snapshot, and applies
 *   partial state writes.
 */

// DeviceInfo is a user device resolved against its catalog descriptor
type DeviceInfo struct {
	Handle string
	UserID string
	Type   devices.Type
	Name   string
	Model  string
	State  devices.State
}

// Registry reads and writes device records in the backing store
type Registry struct {
	db *store.DB
}

func New(db *store.DB) *Registry {
	return &Registry{db: db}
}

// Describe resolves a device handle to its descriptor and state
func (r *Registry) Describe(ctx context.Context, handle string) (*DeviceInfo, error) {
	ud, err := r.db.UserDevice(ctx, handle)
	if err != nil {
		return nil, err
	}

	return r.resolve(ctx, *ud)
}

// ForUser lists a user's devices, descriptors resolved
func (r *Registry) ForUser(ctx context.Context, userID string) ([]DeviceInfo, error) {
	uds, err := r.db.UserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}

	infos := make([]DeviceInfo, 0, len(uds))
	for _, ud := range uds {
		info, err := r.resolve(ctx, ud)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}

	return infos, nil
}

// Owner returns the user owning a device handle
func (r *Registry) Owner(ctx context.Context, handle string) (*store.User, error) {
	ud, err := r.db.UserDevice(ctx, handle)
	if err != nil {
		return nil, err
	}

	return r.db.User(ctx, ud.UserID)
}

// MergeState applies a partial state to a device handle.  Attributes
// the partial does not mention keep their prior value.  Returns the
// merged state.
func (r *Registry) MergeState(ctx context.Context, handle string, partial devices.State) (devices.State, error) {
	return r.db.MergeUserDeviceState(ctx, handle, partial)
}

// MergeStateByType applies a partial state to the first device of the
// given type; used by the local update-state caller which identifies
// its device by type alone
func (r *Registry) MergeStateByType(ctx context.Context, t devices.Type, partial devices.State) (devices.State, error) {
	ud, err := r.db.FirstUserDeviceOfType(ctx, t)
	if err != nil {
		return nil, err
	}

	return r.db.MergeUserDeviceState(ctx, ud.ID, partial)
}

func (r *Registry) resolve(ctx context.Context, ud store.UserDevice) (*DeviceInfo, error) {
	d, err := r.db.Device(ctx, ud.DeviceID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving descriptor for %s", ud.ID)
	}

	return &DeviceInfo{
		Handle: ud.ID,
		UserID: ud.UserID,
		Type:   d.Type,
		Name:   ud.Name,
		Model:  d.Name,
		State:  ud.State,
	}, nil
}
