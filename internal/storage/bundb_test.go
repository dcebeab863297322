package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBunDB_SchemaInfo(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	db := r.BunDB()

	fileType, err := db.GetSchemaInfo(ctx, "type")
	if err != nil {
		t.Fatalf("GetSchemaInfo failed: %v", err)
	}
	if fileType != "registry" {
		t.Errorf("Expected type registry, got %q", fileType)
	}

	missing, err := db.GetSchemaInfo(ctx, "nope")
	if err != nil || missing != "" {
		t.Errorf("Expected empty value for missing key, got %q, %v", missing, err)
	}

	if err := db.SetSchemaInfo(ctx, "version", "2"); err != nil {
		t.Fatalf("SetSchemaInfo failed: %v", err)
	}
	if v, _ := db.GetSchemaInfo(ctx, "version"); v != "2" {
		t.Errorf("Expected upserted version 2, got %q", v)
	}
}

func TestBunDB_MountConversion(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	original := &MountEntry{
		ID:           uuid.New(),
		Share:        "src",
		Remote:       "unix:/tmp/host.sock",
		MountPoint:   "/mnt/src",
		UID:          501,
		GID:          20,
		FileMode:     0o644,
		DirMode:      0o755,
		FMask:        0o022,
		DMask:        0o077,
		TTLMillis:    -1,
		MaxIO:        1 << 16,
		ReadOnly:     true,
		HideSymlinks: true,
		SingleFile:   "only.txt",
		CreatedAt:    now,
	}

	back := mountModelFrom(original).ToMountEntry()
	if *back != *original {
		t.Errorf("Round trip mismatch:\n got %+v\nwant %+v", *back, *original)
	}

	bad := &MountModel{ID: "not-a-uuid"}
	if bad.ToMountEntry().ID != uuid.Nil {
		t.Error("Expected uuid.Nil for malformed id")
	}
}

func TestBunDB_UpsertReplacesMountPoint(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	db := r.BunDB()

	first := &MountModel{ID: uuid.NewString(), Share: "a", HostDir: "/srv/a", MountPoint: "/mnt/x", CreatedAt: 1}
	if err := db.UpsertMount(ctx, first); err != nil {
		t.Fatalf("UpsertMount failed: %v", err)
	}
	second := &MountModel{ID: uuid.NewString(), Share: "b", HostDir: "/srv/b", MountPoint: "/mnt/x", CreatedAt: 2}
	if err := db.UpsertMount(ctx, second); err != nil {
		t.Fatalf("UpsertMount failed: %v", err)
	}

	mounts, err := db.ListMounts(ctx)
	if err != nil {
		t.Fatalf("ListMounts failed: %v", err)
	}
	if len(mounts) != 1 {
		t.Fatalf("Expected 1 mount, got %d", len(mounts))
	}
	if mounts[0].ID != second.ID || mounts[0].Share != "b" {
		t.Errorf("Expected row replaced by second upsert, got %+v", mounts[0])
	}

	if m, err := db.GetMount(ctx, first.ID); err != nil || m != nil {
		t.Errorf("Expected first id gone, got %+v, %v", m, err)
	}
	if m, err := db.GetMountByMountPoint(ctx, "/mnt/x"); err != nil || m == nil || m.ID != second.ID {
		t.Errorf("Expected lookup by mount point to find second, got %+v, %v", m, err)
	}
}

func TestBunDB_DeleteMount(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	db := r.BunDB()

	m := &MountModel{ID: uuid.NewString(), Share: "a", HostDir: "/srv/a", MountPoint: "/mnt/a"}
	if err := db.UpsertMount(ctx, m); err != nil {
		t.Fatalf("UpsertMount failed: %v", err)
	}

	n, err := db.DeleteMount(ctx, m.ID)
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 row deleted, got %d, %v", n, err)
	}
	n, err = db.DeleteMount(ctx, m.ID)
	if err != nil || n != 0 {
		t.Errorf("Expected 0 rows on second delete, got %d, %v", n, err)
	}
}
