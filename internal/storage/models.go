// Copyright 2026 ShareFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// MountModel represents the mounts table
type MountModel struct {
	bun.BaseModel `bun:"table:mounts"`

	ID           string `bun:"id,pk"`
	Share        string `bun:"share,notnull"`
	HostDir      string `bun:"host_dir"`
	Remote       string `bun:"remote"`
	MountPoint   string `bun:"mount_point,notnull,unique"`
	UID          int64  `bun:"uid,notnull"`
	GID          int64  `bun:"gid,notnull"`
	FileMode     int64  `bun:"file_mode,notnull"`
	DirMode      int64  `bun:"dir_mode,notnull"`
	FMask        int64  `bun:"fmask,notnull"`
	DMask        int64  `bun:"dmask,notnull"`
	TTLMillis    int64  `bun:"ttl_ms,notnull"`
	MaxIO        int64  `bun:"max_io,notnull"`
	ReadOnly     bool   `bun:"read_only,notnull"`
	HideSymlinks bool   `bun:"hide_symlinks,notnull"`
	SingleFile   string `bun:"single_file"`
	CreatedAt    int64  `bun:"created_at,notnull"` // Unix timestamp
}

// MountEntry is one registered mount.
type MountEntry struct {
	ID    uuid.UUID
	Share string
	// Exactly one of HostDir and Remote is set. Remote is "network:address",
	// e.g. "unix:/tmp/host.sock" or "tcp:10.0.0.2:7070".
	HostDir    string
	Remote     string
	MountPoint string

	UID          uint32
	GID          uint32
	FileMode     uint32
	DirMode      uint32
	FMask        uint32
	DMask        uint32
	TTLMillis    int // negative: use the daemon default
	MaxIO        int
	ReadOnly     bool
	HideSymlinks bool
	SingleFile   string

	CreatedAt time.Time
}

// ToMountEntry converts a MountModel to a MountEntry. Rows with a malformed
// id get uuid.Nil.
func (m *MountModel) ToMountEntry() *MountEntry {
	id, _ := uuid.Parse(m.ID)
	return &MountEntry{
		ID:           id,
		Share:        m.Share,
		HostDir:      m.HostDir,
		Remote:       m.Remote,
		MountPoint:   m.MountPoint,
		UID:          uint32(m.UID),
		GID:          uint32(m.GID),
		FileMode:     uint32(m.FileMode),
		DirMode:      uint32(m.DirMode),
		FMask:        uint32(m.FMask),
		DMask:        uint32(m.DMask),
		TTLMillis:    int(m.TTLMillis),
		MaxIO:        int(m.MaxIO),
		ReadOnly:     m.ReadOnly,
		HideSymlinks: m.HideSymlinks,
		SingleFile:   m.SingleFile,
		CreatedAt:    time.Unix(m.CreatedAt, 0),
	}
}

// mountModelFrom converts a MountEntry to its row.
func mountModelFrom(e *MountEntry) *MountModel {
	return &MountModel{
		ID:           e.ID.String(),
		Share:        e.Share,
		HostDir:      e.HostDir,
		Remote:       e.Remote,
		MountPoint:   e.MountPoint,
		UID:          int64(e.UID),
		GID:          int64(e.GID),
		FileMode:     int64(e.FileMode),
		DirMode:      int64(e.DirMode),
		FMask:        int64(e.FMask),
		DMask:        int64(e.DMask),
		TTLMillis:    int64(e.TTLMillis),
		MaxIO:        int64(e.MaxIO),
		ReadOnly:     e.ReadOnly,
		HideSymlinks: e.HideSymlinks,
		SingleFile:   e.SingleFile,
		CreatedAt:    e.CreatedAt.Unix(),
	}
}
