// Package store persists model artifacts in two fixed slots.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Slot names a persistent model location.
type Slot string

const (
	Active Slot = "active-model"
	Backup Slot = "backup-model"
)

var (
	ErrNotFound    = errors.New("store: slot not found")
	ErrStorage     = errors.New("store: storage error")
	ErrUnknownSlot = errors.New("store: unknown slot")
)

// Store holds at most one artifact per slot. Save replaces a slot entirely or
// leaves it untouched.
type Store interface {
	Save(ctx context.Context, slot Slot, artifact []byte) error
	Load(ctx context.Context, slot Slot) ([]byte, error)
	Exists(ctx context.Context, slot Slot) (bool, error)
	Delete(ctx context.Context, slot Slot) error
	Close() error
}

func (s Slot) validate() error {
	switch s {
	case Active, Backup:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSlot, string(s))
	}
}
