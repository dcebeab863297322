package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"sharefs/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Mount Operations ---

// GetMount retrieves a mount by id.
func (db *BunDB) GetMount(ctx context.Context, id string) (*MountModel, error) {
	var m MountModel
	err := db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMountByMountPoint finds a mount by its mount point.
func (db *BunDB) GetMountByMountPoint(ctx context.Context, mountPoint string) (*MountModel, error) {
	var m MountModel
	err := db.NewSelect().
		Model(&m).
		Where("mount_point = ?", mountPoint).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMounts retrieves all mounts, oldest first.
func (db *BunDB) ListMounts(ctx context.Context) ([]MountModel, error) {
	var mounts []MountModel
	err := db.NewSelect().
		Model(&mounts).
		Order("created_at", "mount_point").
		Scan(ctx)
	return mounts, err
}

// UpsertMount inserts a mount or replaces the row with the same mount point.
// Retried on "database is locked" since the CLI may hold the file briefly.
func (db *BunDB) UpsertMount(ctx context.Context, m *MountModel) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(m).
			On("CONFLICT (mount_point) DO UPDATE").
			Set("id = EXCLUDED.id").
			Set("share = EXCLUDED.share").
			Set("host_dir = EXCLUDED.host_dir").
			Set("remote = EXCLUDED.remote").
			Set("uid = EXCLUDED.uid").
			Set("gid = EXCLUDED.gid").
			Set("file_mode = EXCLUDED.file_mode").
			Set("dir_mode = EXCLUDED.dir_mode").
			Set("fmask = EXCLUDED.fmask").
			Set("dmask = EXCLUDED.dmask").
			Set("ttl_ms = EXCLUDED.ttl_ms").
			Set("max_io = EXCLUDED.max_io").
			Set("read_only = EXCLUDED.read_only").
			Set("hide_symlinks = EXCLUDED.hide_symlinks").
			Set("single_file = EXCLUDED.single_file").
			Set("created_at = EXCLUDED.created_at").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// DeleteMount deletes a mount by id and returns the number of rows removed.
func (db *BunDB) DeleteMount(ctx context.Context, id string) (int64, error) {
	return util.RetryWithResult(ctx, func() (int64, error) {
		result, err := db.NewDelete().
			Model((*MountModel)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected()
	}, util.DatabaseRetryOptions(ctx)...)
}
