package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ulikunitz/xz"
)

// Writer writes a compressed tar archive entry by entry. The compression
// is chosen from the destination suffix, matching what NewReader detects.
type Writer struct {
	*tar.Writer
	file       *os.File
	compressor io.Closer
	path       string
}

// NewWriter creates an archive writer at the given path. The parent
// directory must exist; an existing file is truncated.
func NewWriter(path string) (*Writer, error) {
	format := DetectFormat(path)
	if format == "" {
		return nil, fmt.Errorf("unsupported archive format: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	var out io.Writer = f
	var compressor io.Closer

	switch format {
	case FormatTarXz:
		xzw, err := xz.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("xz writer: %w", err)
		}
		out = xzw
		compressor = xzw
	case FormatTarGz:
		gzw := gzip.NewWriter(f)
		out = gzw
		compressor = gzw
	}

	return &Writer{
		Writer:     tar.NewWriter(out),
		file:       f,
		compressor: compressor,
		path:       path,
	}, nil
}

// AddFile writes one regular file entry.
func (w *Writer) AddFile(name string, mode int64, modTime time.Time, data []byte) error {
	if mode == 0 {
		mode = 0644
	}
	header := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  modTime,
	}
	if err := w.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// AddDir writes one directory entry.
func (w *Writer) AddDir(name string, modTime time.Time) error {
	if name == "" {
		return fmt.Errorf("directory entry needs a name")
	}
	if name[len(name)-1] != '/' {
		name += "/"
	}
	header := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeDir,
		Mode:     0755,
		ModTime:  modTime,
	}
	if err := w.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	return nil
}

// Close flushes the tar stream, then the compressor, then the file.
// The archive is not complete until Close returns nil.
func (w *Writer) Close() error {
	var errs []error
	if err := w.Writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tar stream: %w", err))
	}
	if w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close compressor: %w", err))
		}
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close archive: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Abort closes and deletes a partially written archive.
func (w *Writer) Abort() {
	w.Writer.Close()
	if w.compressor != nil {
		w.compressor.Close()
	}
	w.file.Close()
	os.Remove(w.path)
}
