// Package snapshot provides content-addressed storage for pre-conversion
// documents. Blobs are stored by their BLAKE3 hash, the same hash family
// that versions rule sets, ensuring deduplication and letting a ledger
// row's snapshot field recover the exact bytes a run started from.
package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// osRename is a variable to allow testing of rename errors.
var osRename = os.Rename

// tempFileWrite is a function variable for writing to temp files (for testing).
var tempFileWrite = func(f *os.File, data []byte) (int, error) {
	return f.Write(data)
}

// tempFileClose is a function variable for closing temp files (for testing).
var tempFileClose = func(f io.Closer) error {
	return f.Close()
}

// ErrNotFound is returned when a snapshot with the given hash does not exist.
var ErrNotFound = errors.New("snapshot not found")

// ErrInvalidHash is returned when a hash string is not a valid BLAKE3 hex string.
var ErrInvalidHash = errors.New("invalid hash format")

// hashPattern matches a valid lowercase BLAKE3-256 hex string (64 characters).
var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Store provides content-addressed storage for documents using BLAKE3 hashing.
type Store struct {
	root string
}

// NewStore creates a new snapshot store at the given root directory.
// The directory structure will be created if it doesn't exist.
func NewStore(root string) (*Store, error) {
	blobDir := filepath.Join(root, "blobs", "blake3")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Save stores the given document and returns its BLAKE3 hash.
// If the snapshot already exists (same hash), this is a no-op and returns the hash.
func (s *Store) Save(data []byte) (string, error) {
	hash := Hash(data)

	blobPath := s.pathForHash(hash)
	if _, err := os.Stat(blobPath); err == nil {
		// Snapshot already exists, return hash
		return hash, nil
	}

	prefixDir := filepath.Dir(blobPath)
	if err := os.MkdirAll(prefixDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create prefix directory: %w", err)
	}

	// Write the snapshot atomically using a temp file
	tempFile, err := os.CreateTemp(prefixDir, ".snap-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFileWrite(tempFile, data); err != nil {
		tempFileClose(tempFile)
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tempFileClose(tempFile); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	// Rename to final path (atomic on POSIX)
	if err := osRename(tempPath, blobPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return hash, nil
}

// Load retrieves the snapshot with the given BLAKE3 hash.
// Returns ErrNotFound if the snapshot does not exist.
// Returns ErrInvalidHash if the hash format is invalid.
func (s *Store) Load(hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, ErrInvalidHash
	}

	data, err := os.ReadFile(s.pathForHash(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Exists checks if a snapshot with the given hash exists in the store.
func (s *Store) Exists(hash string) bool {
	if !isValidHash(hash) {
		return false
	}
	_, err := os.Stat(s.pathForHash(hash))
	return err == nil
}

// Remove deletes the snapshot with the given hash. Removing a snapshot
// that does not exist is not an error.
func (s *Store) Remove(hash string) error {
	if !isValidHash(hash) {
		return ErrInvalidHash
	}
	err := os.Remove(s.pathForHash(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}

// Entry describes one stored snapshot.
type Entry struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// List returns every stored snapshot, ordered by hash.
func (s *Store) List() ([]Entry, error) {
	blobDir := filepath.Join(s.root, "blobs", "blake3")
	prefixes, err := os.ReadDir(blobDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var out []Entry
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(blobDir, prefix.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read prefix directory: %w", err)
		}
		for _, f := range files {
			if !isValidHash(f.Name()) {
				continue // temp files mid-write
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			out = append(out, Entry{
				Hash:    f.Name(),
				Size:    info.Size(),
				SavedAt: info.ModTime().UTC(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

// pathForHash returns the file path for a snapshot with the given hash.
// Snapshots are stored at: <root>/blobs/blake3/<first2>/<hash>
func (s *Store) pathForHash(hash string) string {
	return filepath.Join(s.root, "blobs", "blake3", hash[:2], hash)
}

// isValidHash checks if a hash string is a valid BLAKE3-256 hex string.
func isValidHash(hash string) bool {
	return hashPattern.MatchString(hash)
}

// Hash computes the BLAKE3 hash of the given data without storing it.
func Hash(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}
