package model

import (
	"fmt"
	"strings"
)

// StorageKind identifies a storage backend.
type StorageKind string

const (
	// StorageLocal is the on-device library database.
	StorageLocal StorageKind = "local"
	// StorageFilesystem is a directory tree on a local or mounted disk.
	StorageFilesystem StorageKind = "fs"
	// StorageGDrive is Google Drive.
	StorageGDrive StorageKind = "gdrive"
	// StorageOneDrive is Microsoft OneDrive.
	StorageOneDrive StorageKind = "onedrive"
	// StorageBackup is a portable zip archive.
	StorageBackup StorageKind = "backup"
)

// StorageKinds lists every known backend in display order.
var StorageKinds = []StorageKind{StorageLocal, StorageFilesystem, StorageGDrive, StorageOneDrive, StorageBackup}

// ParseStorageKind maps a user supplied name to a StorageKind.
func ParseStorageKind(s string) (StorageKind, error) {
	k := StorageKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range StorageKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown storage backend %q", s)
}

// IsRemote reports whether the backend is reached over the network.
func (k StorageKind) IsRemote() bool {
	return k == StorageGDrive || k == StorageOneDrive
}

// DataType is one replicable kind of per-book data.
type DataType string

const (
	DataBook       DataType = "book"
	DataProgress   DataType = "progress"
	DataStatistics DataType = "statistics"
)

// ParseDataTypes parses a comma separated list such as "book,progress".
// Duplicates are dropped and the canonical order book, progress, statistics
// is restored.
func ParseDataTypes(s string) ([]DataType, error) {
	seen := make(map[DataType]bool)
	for _, part := range strings.Split(s, ",") {
		p := DataType(strings.ToLower(strings.TrimSpace(part)))
		if p == "" {
			continue
		}
		switch p {
		case DataBook, DataProgress, DataStatistics:
			seen[p] = true
		default:
			return nil, fmt.Errorf("unknown data type %q", part)
		}
	}
	var out []DataType
	for _, t := range []DataType{DataBook, DataProgress, DataStatistics} {
		if seen[t] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no data types in %q", s)
	}
	return out, nil
}

// SaveBehavior controls whether writes may replace newer data on the target.
type SaveBehavior string

const (
	// SaveNewOnly skips writes when the target already holds equal or newer data.
	SaveNewOnly SaveBehavior = "new"
	// SaveOverwrite always replaces the target's copy.
	SaveOverwrite SaveBehavior = "overwrite"
)

// MergeMode controls how statistics and reading goals are combined with the
// target's existing set.
type MergeMode string

const (
	MergeModeMerge   MergeMode = "merge"
	MergeModeReplace MergeMode = "replace"
)

// AutoReplication is the direction of scheduled replication between the local
// library and a remote backend.
type AutoReplication string

const (
	AutoOff  AutoReplication = "off"
	AutoUp   AutoReplication = "up"
	AutoDown AutoReplication = "down"
	AutoAll  AutoReplication = "all"
)
