// Package device provides the persisted per-installation device identifier.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/store"
)

const suffixLen = 9

// Identity resolves the device id, generating and persisting it on first use.
type Identity struct {
	store store.Store
	now   func() time.Time

	mu sync.Mutex
	id string
}

// New creates an Identity backed by s.
func New(s store.Store) *Identity {
	return &Identity{store: s, now: time.Now}
}

// ID returns the device id. The same value is returned across calls and
// restarts; concurrent first calls agree on one id.
func (d *Identity) ID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.id != "" {
		return d.id, nil
	}

	stored, found, err := d.store.Get(ctx, store.KeyDeviceID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStoreFailed, "load device id", err)
	}
	if found && stored != "" {
		d.id = stored
		return d.id, nil
	}

	id := Generate(d.now())
	if err := d.store.Set(ctx, store.KeyDeviceID, id); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStoreFailed, "save device id", err)
	}
	d.id = id
	return id, nil
}

// Generate builds a device id of the form device_<ms>_<suffix>.
func Generate(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return fmt.Sprintf("device_%d_%s", at.UnixMilli(), suffix)
}
