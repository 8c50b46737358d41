package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

const deviceIDKey = "device:id"

// DeviceIdentityProvider returns the stable identity of this installation.
type DeviceIdentityProvider interface {
	DeviceID(ctx context.Context) (string, error)
}

// LocalDeviceIdentity generates a device id once and persists it in the local store.
type LocalDeviceIdentity struct {
	store LocalStore
}

// NewLocalDeviceIdentity constructs the provider.
func NewLocalDeviceIdentity(store LocalStore) *LocalDeviceIdentity {
	return &LocalDeviceIdentity{store: store}
}

// DeviceID reads the persisted id, creating it on first use.
func (p *LocalDeviceIdentity) DeviceID(ctx context.Context) (string, error) {
	raw, err := p.store.Get(ctx, deviceIDKey)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, appErrors.ErrKeyNotFound) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := "dev-" + uuid.NewString()
	if err := p.store.Set(ctx, deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
