package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/FocuswithJustin/Glossa/internal/validation"
)

// Supported bundle formats, as reported by DetectFormat.
const (
	FormatTarGz = "tar.gz"
	FormatTarXz = "tar.xz"
)

// ManifestName is the manifest entry Transform appends to a converted
// bundle. The name is namespaced so it cannot collide with a manifest.json
// the source archive already carries.
const ManifestName = "glossa-manifest.json"

// BundleManifest records what a conversion did to a bundle.
type BundleManifest struct {
	Version      string            `json:"version"`
	RulesVersion string            `json:"rules_version,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
	Documents    []string          `json:"documents,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// BundleID derives the bundle name from a filename by removing the archive extension.
func BundleID(filename string) string {
	for _, ext := range []string{".tar.xz", ".tar.gz"} {
		if strings.HasSuffix(filename, ext) {
			return strings.TrimSuffix(filename, ext)
		}
	}
	return filename
}

// DetectFormat detects the archive format from the file extension.
// It returns an empty string for unsupported paths.
func DetectFormat(path string) string {
	switch {
	case strings.HasSuffix(path, ".tar.xz"):
		return FormatTarXz
	case strings.HasSuffix(path, ".tar.gz"):
		return FormatTarGz
	default:
		return ""
	}
}

// IsSupportedFormat returns true if the file has a supported archive extension.
func IsSupportedFormat(path string) bool {
	return DetectFormat(path) != ""
}

// ReadManifest reads the conversion manifest from a bundle.
func ReadManifest(path string) (*BundleManifest, error) {
	content, err := ReadFile(path, ManifestName)
	if err != nil {
		return nil, err
	}
	var m BundleManifest
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// TransformFunc rewrites the content of one archive entry.
type TransformFunc func(name string, content []byte) ([]byte, error)

// TransformStats reports what Transform did.
type TransformStats struct {
	Entries   int // regular files seen
	Converted int // entries rewritten by the transform
	Copied    int // entries copied unchanged
}

// Transform reads src entry by entry and writes dst in the format implied
// by dst's extension. Regular files whose name matches are rewritten by
// fn; everything else is copied as it is. When a manifest is given it is
// appended as the last entry, replacing any manifest from an earlier
// conversion. On error the partial destination file is removed.
func Transform(src, dst string, match func(name string) bool, fn TransformFunc, manifest *BundleManifest) (TransformStats, error) {
	var stats TransformStats

	r, err := NewReader(src)
	if err != nil {
		return stats, err
	}
	defer r.Close()

	w, err := NewWriter(dst)
	if err != nil {
		return stats, err
	}

	var converted []string
	err = r.Iterate(func(header *tar.Header, content io.Reader) (bool, error) {
		// Entry names are copied into the output bundle; refuse names that
		// would escape an extraction directory.
		if !validation.IsPathSafe(".", header.Name) {
			return false, fmt.Errorf("unsafe entry path %q", header.Name)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			return false, w.AddDir(header.Name, header.ModTime)
		case tar.TypeReg:
			if header.Name == ManifestName || strings.HasSuffix(header.Name, "/"+ManifestName) {
				return false, nil
			}
			data, err := io.ReadAll(content)
			if err != nil {
				return false, fmt.Errorf("read entry %s: %w", header.Name, err)
			}
			stats.Entries++
			if match != nil && match(header.Name) {
				out, err := fn(header.Name, data)
				if err != nil {
					return false, fmt.Errorf("transform %s: %w", header.Name, err)
				}
				data = out
				stats.Converted++
				converted = append(converted, header.Name)
			} else {
				stats.Copied++
			}
			return false, w.AddFile(header.Name, header.Mode, header.ModTime, data)
		default:
			// Links and specials carry no content worth converting.
			return false, nil
		}
	})
	if err != nil {
		w.Abort()
		return stats, err
	}

	if manifest != nil {
		m := *manifest
		if m.Version == "" {
			m.Version = "1"
		}
		if m.CreatedAt == "" {
			m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		sort.Strings(converted)
		m.Documents = converted
		encoded, err := json.MarshalIndent(&m, "", "  ")
		if err != nil {
			w.Abort()
			return stats, fmt.Errorf("encode manifest: %w", err)
		}
		if err := w.AddFile(ManifestName, 0644, time.Now().UTC(), encoded); err != nil {
			w.Abort()
			return stats, err
		}
	}

	if err := w.Close(); err != nil {
		os.Remove(dst)
		return stats, err
	}
	return stats, nil
}
