package database

import (
	"context"
	"errors"
	"sync"
)

var (
	backendMu           sync.RWMutex
	postgresRepository  func() Repository
	postgresReferences  func() ReferenceStore
	postgresInitialized bool
)

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(repo func() Repository, refs func() ReferenceStore) {
	backendMu.Lock()
	defer backendMu.Unlock()
	postgresRepository = repo
	postgresReferences = refs
	postgresInitialized = true
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return postgresInitialized
}

// GetRepository returns the Repository from the PostgreSQL backend
func GetRepository(ctx context.Context) (Repository, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if !postgresInitialized {
		return nil, errors.New("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresRepository == nil {
		return nil, errors.New("PostgreSQL repository not registered")
	}
	return postgresRepository(), nil
}

// GetReferenceStore returns the ReferenceStore from the PostgreSQL backend
func GetReferenceStore(ctx context.Context) (ReferenceStore, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if !postgresInitialized {
		return nil, errors.New("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresReferences == nil {
		return nil, errors.New("PostgreSQL reference store not registered")
	}
	return postgresReferences(), nil
}
