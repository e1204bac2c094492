// Package validation provides input validation and sanitization for the
// paths and files the CLI and preview server touch. It guards against path
// traversal, oversized inputs, and files whose content does not match the
// extension they claim.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
)

// Resource limits for user-supplied inputs.
const (
	// MaxDocumentSize is the maximum allowed size of a single HTML
	// document (32 MB).
	MaxDocumentSize = 32 << 20
	// MaxBundleSize is the maximum allowed size of a document bundle
	// archive (256 MB).
	MaxBundleSize = 256 << 20
	// MaxRulesSize is the maximum allowed size of a rules file (4 MB).
	MaxRulesSize = 4 << 20
	// MaxFilenameLength is the maximum allowed filename length.
	MaxFilenameLength = 255
	// MaxPathLength is the maximum allowed path length.
	MaxPathLength = 4096
)

// Common validation errors.
var (
	ErrPathTraversal    = errors.New("path traversal detected")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrPathTooLong      = errors.New("path too long")
	ErrFilenameTooLong  = errors.New("filename too long")
	ErrInvalidCharacter = errors.New("invalid character in path")
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrTooLarge         = errors.New("input too large")
)

// SanitizePath validates a user-supplied path against a base directory and
// rejects anything that would escape it. Returns the cleaned relative path.
func SanitizePath(baseDir, userPath string) (string, error) {
	if userPath == "" {
		return "", ErrEmptyPath
	}

	if len(userPath) > MaxPathLength {
		return "", ErrPathTooLong
	}

	cleanPath := filepath.Clean(userPath)

	if strings.Contains(cleanPath, "..") {
		return "", ErrPathTraversal
	}

	if filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("%w: absolute path not allowed", ErrPathTraversal)
	}

	fullPath := filepath.Join(baseDir, cleanPath)
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", ErrPathTraversal
	}

	return cleanPath, nil
}

// ValidateFilename checks if a filename is safe to use as-is. It rejects
// path separators, control characters, null bytes, and reserved names.
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}

	if len(filename) > MaxFilenameLength {
		return ErrFilenameTooLong
	}

	if filename == "." || filename == ".." {
		return fmt.Errorf("%w: reserved name", ErrInvalidFilename)
	}

	if strings.ContainsAny(filename, "/\\") {
		return fmt.Errorf("%w: path separator not allowed", ErrInvalidFilename)
	}

	if strings.Contains(filename, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidFilename)
	}

	for _, r := range filename {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidFilename)
		}
	}

	// Filenames starting with a hyphen can be confused with flags.
	if strings.HasPrefix(filename, "-") {
		return fmt.Errorf("%w: filename cannot start with hyphen", ErrInvalidFilename)
	}

	return nil
}

// IsPathSafe reports whether SanitizePath would accept the path.
func IsPathSafe(baseDir, userPath string) bool {
	_, err := SanitizePath(baseDir, userPath)
	return err == nil
}

// ValidatePath checks a standalone path for dangerous patterns and length
// limits without anchoring it to a base directory.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}

	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}

	for _, r := range path {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}

	return nil
}

// ValidateSize checks a byte count against the limit for its input kind.
func ValidateSize(size int64, limit int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", ErrTooLarge)
	}
	if size > limit {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, size, limit)
	}
	return nil
}

// SanitizeFilename rewrites a filename derived from user input into a safe
// one, or errors if nothing safe remains.
func SanitizeFilename(filename string) (string, error) {
	if filename == "" {
		return "", ErrInvalidFilename
	}

	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, "\x00", "")

	var cleaned strings.Builder
	for _, r := range filename {
		if !unicode.IsControl(r) {
			cleaned.WriteRune(r)
		}
	}
	filename = cleaned.String()
	filename = strings.TrimLeft(filename, "-")

	if err := ValidateFilename(filename); err != nil {
		return "", err
	}

	return filename, nil
}

// FileType represents a validated file type.
type FileType string

const (
	// Bundle formats.
	FileTypeTarXZ FileType = "tar.xz"
	FileTypeTarGZ FileType = "tar.gz"
	FileTypeGzip  FileType = "gzip"
	FileTypeXZ    FileType = "xz"
	FileTypeZip   FileType = "zip"

	// Ledger databases.
	FileTypeSQLite FileType = "sqlite"

	// Documents and rules.
	FileTypeHTML FileType = "html"
	FileTypeJSON FileType = "json"
	FileTypeText FileType = "text"

	FileTypeUnknown FileType = "unknown"
)

// magicBytes defines magic byte signatures for file type detection.
var magicBytes = []struct {
	fileType FileType
	magic    []byte
	offset   int
}{
	{FileTypeGzip, []byte{0x1f, 0x8b}, 0},
	{FileTypeXZ, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, 0},
	{FileTypeZip, []byte{0x50, 0x4b, 0x03, 0x04}, 0},
	{FileTypeSQLite, []byte("SQLite format 3"), 0},
}

// ValidateFileType verifies that a file's content matches the type its
// extension claims, reading the leading bytes for magic signatures.
// Returns the detected file type or an error on a mismatch.
func ValidateFileType(reader io.Reader, filename string) (FileType, error) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(reader, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileTypeUnknown, fmt.Errorf("failed to read file header: %w", err)
	}
	buf = buf[:n]

	detectedType := detectFileTypeFromMagic(buf)
	expectedType := detectFileTypeFromExtension(filename)

	// XZ and gzip are compression wrappers, so a .tar.xz or .tar.gz
	// bundle only shows the compressor's magic.
	if expectedType == FileTypeTarXZ && detectedType == FileTypeXZ {
		return FileTypeTarXZ, nil
	}
	if expectedType == FileTypeTarGZ && detectedType == FileTypeGzip {
		return FileTypeTarGZ, nil
	}

	if detectedType == expectedType {
		return detectedType, nil
	}

	// HTML, JSON and plain text have no reliable magic bytes.
	if detectedType == FileTypeUnknown {
		switch expectedType {
		case FileTypeHTML:
			if isLikelyText(buf) && isLikelyHTML(buf) {
				return FileTypeHTML, nil
			}
			if isLikelyText(buf) {
				return FileTypeUnknown, fmt.Errorf("file type mismatch: extension suggests %s but content is not markup", expectedType)
			}
			return FileTypeUnknown, fmt.Errorf("file type mismatch: extension suggests %s but content is binary", expectedType)
		case FileTypeJSON, FileTypeText:
			if isLikelyText(buf) {
				return expectedType, nil
			}
			return FileTypeUnknown, fmt.Errorf("file type mismatch: extension suggests %s but content is binary", expectedType)
		}
	}

	if detectedType != FileTypeUnknown && expectedType != FileTypeUnknown {
		return FileTypeUnknown, fmt.Errorf("file type mismatch: extension suggests %s but content is %s", expectedType, detectedType)
	}

	if detectedType == FileTypeUnknown {
		return expectedType, nil
	}

	return detectedType, nil
}

// detectFileTypeFromMagic detects file type from magic bytes.
func detectFileTypeFromMagic(buf []byte) FileType {
	for _, sig := range magicBytes {
		if sig.offset+len(sig.magic) <= len(buf) {
			if bytes.Equal(buf[sig.offset:sig.offset+len(sig.magic)], sig.magic) {
				return sig.fileType
			}
		}
	}
	return FileTypeUnknown
}

// detectFileTypeFromExtension determines expected file type from filename extension.
func detectFileTypeFromExtension(filename string) FileType {
	lower := strings.ToLower(filename)

	if strings.HasSuffix(lower, ".tar.xz") {
		return FileTypeTarXZ
	}
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		return FileTypeTarGZ
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".xz":
		return FileTypeXZ
	case ".gz":
		return FileTypeGzip
	case ".zip":
		return FileTypeZip
	case ".sqlite", ".db", ".sqlite3":
		return FileTypeSQLite
	case ".html", ".htm", ".xhtml":
		return FileTypeHTML
	case ".json":
		return FileTypeJSON
	case ".txt", ".md", ".css", ".js":
		return FileTypeText
	default:
		return FileTypeUnknown
	}
}

// isLikelyHTML checks whether the buffer starts like an HTML document or
// fragment after optional whitespace and a BOM.
func isLikelyHTML(buf []byte) bool {
	s := bytes.TrimPrefix(buf, []byte{0xef, 0xbb, 0xbf})
	s = bytes.TrimLeft(s, " \t\r\n")
	if len(s) == 0 {
		return false
	}
	lower := bytes.ToLower(s)
	for _, prefix := range [][]byte{
		[]byte("<!doctype"),
		[]byte("<html"),
		[]byte("<head"),
		[]byte("<body"),
		[]byte("<!--"),
	} {
		if bytes.HasPrefix(lower, prefix) {
			return true
		}
	}
	// Fragments count too: any tag start is acceptable.
	return lower[0] == '<'
}

// isLikelyText checks if the buffer contains likely text content.
func isLikelyText(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}

	if bytes.IndexByte(buf, 0) != -1 {
		return false
	}

	printable := 0
	control := 0
	for _, b := range buf {
		if b >= 0x20 && b <= 0x7e || b == '\t' || b == '\n' || b == '\r' {
			printable++
		} else if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			control++
		}
		// UTF-8 continuation and start bytes are neutral
	}

	if printable > 0 && float64(printable)/float64(printable+control) > 0.95 {
		return true
	}

	return false
}
