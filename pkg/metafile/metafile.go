package metafile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/util"
)

// MetaFileName is the name of the backup metadata file.
const MetaFileName = ".pgl-volback.meta.json"

// MetafileContent holds the contents of the metadata file written next to each
// downloaded volume archive.
type MetafileContent struct {
	Version           string    `json:"version"`
	UUID              string    `json:"uuid"`
	TimestampUTC      time.Time `json:"timestampUTC"`
	Volume            string    `json:"volume"`
	Host              string    `json:"host"`
	DonorContainer    string    `json:"donorContainer,omitempty"`
	ArchiveFile       string    `json:"archiveFile"`
	CompressionFormat string    `json:"compressionFormat,omitempty"`
	SizeBytes         int64     `json:"sizeBytes"`
}

// NewUUID returns a random 128-bit identifier as lowercase hex.
func NewUUID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// fixed marker rather than aborting a backup over an ID.
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}

// Write creates and writes the .pgl-volback.meta.json file into a given directory.
func Write(dirPath string, content *MetafileContent) error {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal meta data: %w", err)
	}

	// Use group-writable permissions for the metafile. Unlike the top-level config and lock files,
	// the metafile is part of the backup data itself. In multi-user environments, allowing
	// group members to write to backup contents is a common and useful scenario.
	if err := os.WriteFile(metaFilePath, jsonData, util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}

	return nil
}

// Read opens and parses the .pgl-volback.meta.json file in a given directory.
// It returns the parsed metadata or an error if the file cannot be read or parsed.
func Read(dirPath string) (MetafileContent, error) {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	metaFile, err := os.Open(metaFilePath)
	if err != nil {
		// Note: os.IsNotExist errors are handled by the caller.
		return MetafileContent{}, err // Return the original error so os.IsNotExist works.
	}
	defer metaFile.Close()

	var content MetafileContent
	decoder := json.NewDecoder(metaFile)
	if err := decoder.Decode(&content); err != nil {
		return MetafileContent{}, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}

	return content, nil
}
