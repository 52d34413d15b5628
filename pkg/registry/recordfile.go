package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RecordFileName is the record mirror kept inside each install directory.
const RecordFileName = ".hangar-record.json"

// RecordFilePath returns the record file location for an install directory
func RecordFilePath(installDir string) string {
	return filepath.Join(installDir, RecordFileName)
}

// WriteRecordFile mirrors rec into its install directory so the registry can
// be rebuilt if the store is lost.
func WriteRecordFile(rec *Record) error {
	if rec.InstallPath == "" {
		return fmt.Errorf("record %s has no install path", rec.Name())
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return writeFileAtomic(RecordFilePath(rec.InstallPath), data, 0644)
}

// ReadRecordFile reads the record mirror from an install directory
func ReadRecordFile(installDir string) (*Record, error) {
	data, err := os.ReadFile(RecordFilePath(installDir))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record file in %s: %w", installDir, err)
	}
	if rec.Manifest == nil {
		return nil, fmt.Errorf("record file in %s has no manifest", installDir)
	}
	return &rec, nil
}
