package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestBundleID(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"news.tar.gz", "news"},
		{"news.tar.xz", "news"},
		{"site-2026.tar.gz", "site-2026"},
		{"plain.html", "plain.html"},
		{"archive.tar", "archive.tar"},
	}
	for _, tt := range tests {
		if got := BundleID(tt.filename); got != tt.want {
			t.Errorf("BundleID(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path      string
		want      string
		supported bool
	}{
		{"bundle.tar.gz", FormatTarGz, true},
		{"bundle.tar.xz", FormatTarXz, true},
		{"dir/bundle.tar.gz", FormatTarGz, true},
		{"bundle.tar", "", false},
		{"bundle.zip", "", false},
		{"bundle", "", false},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.path); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.path, got, tt.want)
		}
		if got := IsSupportedFormat(tt.path); got != tt.supported {
			t.Errorf("IsSupportedFormat(%q) = %v, want %v", tt.path, got, tt.supported)
		}
	}
}

func TestTransform(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tar.gz")
	dst := filepath.Join(dir, "dst.tar.gz")
	writeBundle(t, src, sampleEntries())

	isHTML := func(name string) bool { return strings.HasSuffix(name, ".html") }
	upper := func(name string, content []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(content))), nil
	}

	stats, err := Transform(src, dst, isHTML, upper, &BundleManifest{RulesVersion: "v1"})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if stats.Entries != 3 || stats.Converted != 2 || stats.Copied != 1 {
		t.Errorf("stats = %+v, want 3 entries, 2 converted, 1 copied", stats)
	}

	got, err := ReadFile(dst, "docs/index.html")
	if err != nil {
		t.Fatalf("read converted entry: %v", err)
	}
	if !strings.Contains(string(got), "TRUMP SPOKE.") {
		t.Errorf("converted entry = %q", got)
	}

	got, err = ReadFile(dst, "style.css")
	if err != nil {
		t.Fatalf("read copied entry: %v", err)
	}
	if string(got) != sampleEntries()["style.css"] {
		t.Errorf("copied entry changed: %q", got)
	}

	m, err := ReadManifest(dst)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.Version != "1" {
		t.Errorf("manifest version = %q, want 1", m.Version)
	}
	if m.RulesVersion != "v1" {
		t.Errorf("manifest rules version = %q, want v1", m.RulesVersion)
	}
	wantDocs := []string{"docs/about.html", "docs/index.html"}
	if !reflect.DeepEqual(m.Documents, wantDocs) {
		t.Errorf("manifest documents = %v, want %v", m.Documents, wantDocs)
	}
	if _, err := time.Parse(time.RFC3339, m.CreatedAt); err != nil {
		t.Errorf("manifest created_at %q: %v", m.CreatedAt, err)
	}
}

func TestTransform_CrossFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tar.gz")
	dst := filepath.Join(dir, "dst.tar.xz")
	writeBundle(t, src, sampleEntries())

	stats, err := Transform(src, dst, nil, nil, nil)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if stats.Converted != 0 || stats.Copied != 3 {
		t.Errorf("stats = %+v, want pure copy", stats)
	}

	for name, content := range sampleEntries() {
		got, err := ReadFile(dst, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != content {
			t.Errorf("entry %s = %q, want %q", name, got, content)
		}
	}

	// No manifest was requested, so none was written.
	if _, err := ReadManifest(dst); err == nil {
		t.Error("expected missing manifest error")
	}
}

func TestTransform_ReplacesManifest(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tar.gz")
	dst := filepath.Join(dir, "dst.tar.gz")

	entries := sampleEntries()
	entries[ManifestName] = `{"version":"1","rules_version":"old"}`
	writeBundle(t, src, entries)

	if _, err := Transform(src, dst, nil, nil, &BundleManifest{RulesVersion: "new"}); err != nil {
		t.Fatalf("transform: %v", err)
	}

	var manifests int
	err := Walk(dst, func(header *tar.Header, _ io.Reader) (bool, error) {
		if header.Name == ManifestName {
			manifests++
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if manifests != 1 {
		t.Errorf("found %d manifest entries, want 1", manifests)
	}

	m, err := ReadManifest(dst)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.RulesVersion != "new" {
		t.Errorf("rules version = %q, want new", m.RulesVersion)
	}
}

func TestTransform_Error(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tar.gz")
	dst := filepath.Join(dir, "dst.tar.gz")
	writeBundle(t, src, sampleEntries())

	fail := func(name string, content []byte) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	}
	matchAll := func(string) bool { return true }

	if _, err := Transform(src, dst, matchAll, fail, nil); err == nil {
		t.Fatal("expected transform error")
	} else if !strings.Contains(err.Error(), "boom") {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("expected partial output to be removed, stat err = %v", err)
	}
}

func TestTransform_RejectsUnsafeEntryPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tar.gz")
	dst := filepath.Join(dir, "dst.tar.gz")
	writeBundle(t, src, map[string]string{
		"../evil.html": `<html><body><p>escape</p></body></html>`,
	})

	matchAll := func(string) bool { return true }
	identity := func(name string, content []byte) ([]byte, error) { return content, nil }

	if _, err := Transform(src, dst, matchAll, identity, nil); err == nil {
		t.Fatal("expected error for traversal entry name")
	} else if !strings.Contains(err.Error(), "unsafe entry path") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadManifest_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.tar.gz")
	writeBundle(t, path, sampleEntries())

	if _, err := ReadManifest(path); err == nil {
		t.Error("expected error when manifest is absent")
	}
}
