package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"sharefs/internal/common"
)

// Registry is the SQLite-backed list of mounts the daemon serves. The
// daemon restores its rows on start when restore_mounts is set.
type Registry struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
}

// OpenRegistry opens the registry at path, creating it if missing.
func OpenRegistry(path string, ctx DBContext) (*Registry, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	db, err := sql.Open("libsql", BuildDSN(path, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	// Must be explicit; libsql ignores DSN-based _pragma=value parameters.
	if err := applyPragmas(db, ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := execStatements(db, registrySchema); err != nil {
		db.Close()
		if fresh {
			os.Remove(path)
		}
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initRegistry, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	bunDB := NewBunDB(db)
	fileType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "registry" {
		db.Close()
		return nil, fmt.Errorf("not a mount registry (type=%s)", fileType)
	}

	return &Registry{path: path, db: db, bunDB: bunDB}, nil
}

// Close closes the database connection
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Path returns the file path
func (r *Registry) Path() string {
	return r.path
}

// BunDB returns the Bun database wrapper.
func (r *Registry) BunDB() *BunDB {
	return r.bunDB
}

// Add records e, assigning an id and creation time when unset. A row with
// the same mount point is replaced.
func (r *Registry) Add(ctx context.Context, e *MountEntry) error {
	if e.MountPoint == "" || e.Share == "" {
		return fmt.Errorf("mount entry needs a share and a mount point: %w", common.ErrInvalidPath)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.bunDB.UpsertMount(ctx, mountModelFrom(e))
}

// Remove deletes the mount with the given id.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	rows, err := r.bunDB.DeleteMount(ctx, id.String())
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("mount %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// Get returns the mount with the given id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*MountEntry, error) {
	m, err := r.bunDB.GetMount(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("mount %s: %w", id, common.ErrNotFound)
	}
	return m.ToMountEntry(), nil
}

// GetByMountPoint returns the mount served at mountPoint.
func (r *Registry) GetByMountPoint(ctx context.Context, mountPoint string) (*MountEntry, error) {
	m, err := r.bunDB.GetMountByMountPoint(ctx, mountPoint)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("mount point %s: %w", mountPoint, common.ErrNotFound)
	}
	return m.ToMountEntry(), nil
}

// List returns every registered mount, oldest first. Rows whose id does
// not parse are skipped.
func (r *Registry) List(ctx context.Context) ([]MountEntry, error) {
	models, err := r.bunDB.ListMounts(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]MountEntry, 0, len(models))
	for i := range models {
		e := models[i].ToMountEntry()
		if e.ID == uuid.Nil {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// IsNotFound reports whether err is a registry miss.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
