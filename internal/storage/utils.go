package storage

import (
	"fmt"

	"github.com/ignatij/scoutflow/pkg/storage"
)

const (
	PostgresKind = "postgres"
	MemoryKind   = "memory"
)

func InitStore(kind, dbConnStr string) (storage.Store, error) {
	switch kind {
	case MemoryKind:
		return storage.NewMemoryStore(), nil
	case PostgresKind, "":
		store, err := NewPostgresStore(dbConnStr)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
