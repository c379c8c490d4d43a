// Package tokenrepo stores per-slot OAuth token records on top of securestore.
//
// Key namespacing is structural: every record lives under
// tenantbridge/<slot>/token, so one slot's data is unreachable from the
// other slot's accessors regardless of storage-layer behavior.
package tokenrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tenantbridge/internal/securestore"
	"tenantbridge/internal/tenant"
)

// ErrNotFound is returned by Get when no record exists for the slot.
var ErrNotFound = errors.New("tokenrepo: no token record for slot")

// TokenRecord is the persisted credential state for one tenant slot.
type TokenRecord struct {
	// AccessToken is the bearer token presented to the resource API.
	AccessToken string `json:"access_token"`
	// RefreshToken is exchanged for a new token pair; rotated on every use.
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt marks the end of validity for AccessToken.
	ExpiresAt time.Time `json:"expires_at"`
	// TenantID is the provider-issued tenant identifier embedded in the token.
	TenantID string `json:"tenant_id"`
	// User is the subject display name (UPN) for status reporting.
	User string `json:"user"`
}

// Repository is the only component that serializes and decrypts TokenRecords.
// Decrypted records are never cached; each Get decrypts a fresh copy.
type Repository struct {
	store securestore.Store
}

// New creates a Repository over the given encrypted store.
func New(store securestore.Store) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("missing secure store")
	}

	return &Repository{store: store}, nil
}

func recordKey(slot tenant.Slot) string {
	return "tenantbridge/" + string(slot) + "/token"
}

// Put serializes and encrypts the record under the slot's namespaced key,
// overwriting any prior record for that slot only.
func (r *Repository) Put(ctx context.Context, slot tenant.Slot, record TokenRecord) error {
	if record.AccessToken == "" {
		return fmt.Errorf("record for slot %s has empty access token", slot)
	}
	if record.TenantID == "" {
		return fmt.Errorf("record for slot %s has empty tenant id", slot)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing token record: %w", err)
	}

	if err := r.store.Set(ctx, recordKey(slot), data); err != nil {
		return fmt.Errorf("storing token record for slot %s: %w", slot, err)
	}

	return nil
}

// Get decrypts and returns the slot's record. Returns ErrNotFound when the
// slot has never been authenticated or was signed out.
func (r *Repository) Get(ctx context.Context, slot tenant.Slot) (*TokenRecord, error) {
	data, err := r.store.Get(ctx, recordKey(slot))
	if err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading token record for slot %s: %w", slot, err)
	}

	var record TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("deserializing token record for slot %s: %w", slot, err)
	}

	return &record, nil
}

// Clear deletes the slot's record; the other slot is untouched. Clearing an
// empty slot is a no-op.
func (r *Repository) Clear(ctx context.Context, slot tenant.Slot) error {
	if err := r.store.Delete(ctx, recordKey(slot)); err != nil {
		return fmt.Errorf("clearing token record for slot %s: %w", slot, err)
	}

	return nil
}
