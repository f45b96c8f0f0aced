package apt

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeIndex(t *testing.T, name, content string) MetadataFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)

	data := []byte(content)
	if strings.HasSuffix(name, ".gz") {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		gw.Write(data)
		gw.Close()
		data = buf.Bytes()
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	return ClassifyMetadata(path)
}

func readAll(t *testing.T, file MetadataFile) []IndexEntry {
	t.Helper()

	reader, err := OpenIndexFile(file)
	if err != nil {
		t.Fatalf("OpenIndexFile failed: %v", err)
	}
	defer reader.Close()

	var entries []IndexEntry
	for {
		entry, err := reader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if entry == nil {
			break
		}
		entries = append(entries, *entry)
	}

	if reader.BytesRead() == 0 {
		t.Errorf("compressed byte counter never moved")
	}
	if reader.Size() == 0 {
		t.Errorf("index size is zero")
	}

	return entries
}

const samplePackages = `Package: foo
Version: 1.0
Architecture: amd64
Filename: pool/main/f/foo/foo_1.0_amd64.deb
Size: 1234
MD5sum: 11111111111111111111111111111111
SHA256: 2222222222222222222222222222222222222222222222222222222222222222

Package: bar
Version: 2.0
Architecture: amd64
Filename: pool/main/b/bar/bar_2.0_amd64.deb
Size: 5678
SHA256: 3333333333333333333333333333333333333333333333333333333333333333
`

func TestPackagesReader(t *testing.T) {
	for _, name := range []string{"Packages", "Packages.gz"} {
		entries := readAll(t, writeIndex(t, name, samplePackages))

		if len(entries) != 2 {
			t.Fatalf("%s: got %d entries", name, len(entries))
		}

		first := entries[0]
		if first.Path != "pool/main/f/foo/foo_1.0_amd64.deb" {
			t.Errorf("path = %s", first.Path)
		}
		if !first.SizeKnown || first.Size != 1234 {
			t.Errorf("size = %d known=%v", first.Size, first.SizeKnown)
		}
		if first.Checksum.Kind != SHA256 {
			t.Errorf("strongest digest should win, got %v", first.Checksum.Kind)
		}
	}
}

const sampleSources = `Package: foo
Binary: foo
Version: 1.0-1
Directory: pool/main/f/foo
Files:
 11111111111111111111111111111111 100 foo_1.0-1.dsc
 22222222222222222222222222222222 200 foo_1.0.orig.tar.gz
Checksums-Sha256:
 3333333333333333333333333333333333333333333333333333333333333333 100 foo_1.0-1.dsc
 4444444444444444444444444444444444444444444444444444444444444444 200 foo_1.0.orig.tar.gz
`

func TestSourcesReader(t *testing.T) {
	entries := readAll(t, writeIndex(t, "Sources", sampleSources))

	if len(entries) != 2 {
		t.Fatalf("got %d entries: %v", len(entries), entries)
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Path, "pool/main/f/foo/") {
			t.Errorf("directory prefix missing: %s", entry.Path)
		}
		if entry.Checksum.Kind != SHA256 {
			t.Errorf("blocks did not merge to the stronger digest: %v", entry.Checksum.Kind)
		}
	}
}

const sampleDiffIndex = `SHA256-Current: 9999999999999999999999999999999999999999999999999999999999999999 100
SHA256-History:
 8888888888888888888888888888888888888888888888888888888888888888 50 2024-01-01-0000.00
SHA256-Download:
 5555555555555555555555555555555555555555555555555555555555555555 60 2024-01-01-0000.00.gz
 6666666666666666666666666666666666666666666666666666666666666666 70 2024-01-02-0000.00.gz
`

func TestDiffIndexReader(t *testing.T) {
	entries := readAll(t, writeIndex(t, "Index", sampleDiffIndex))

	if len(entries) != 2 {
		t.Fatalf("got %d entries: %v", len(entries), entries)
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Path, ".gz") {
			t.Errorf("only Download-section paths should emit, got %s", entry.Path)
		}
		if !entry.SizeKnown {
			t.Errorf("diff entries carry sizes")
		}
	}
}

func TestSumFileReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "installer-amd64", "SHA256SUMS")
	os.MkdirAll(filepath.Dir(path), 0o755)

	content := "2222222222222222222222222222222222222222222222222222222222222222  ./netboot/mini.iso\n" +
		"3333333333333333333333333333333333333333333333333333333333333333  MANIFEST\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	entries := readAll(t, ClassifyMetadata(path))

	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Path != "netboot/mini.iso" {
		t.Errorf("leading ./ should strip: %s", entries[0].Path)
	}
	if entries[0].SizeKnown {
		t.Errorf("sum file entries have unknown size")
	}
	if entries[0].Checksum.Kind != SHA256 {
		t.Errorf("checksum kind = %v", entries[0].Checksum.Kind)
	}
}

func TestOpenIndexFileRejectsOther(t *testing.T) {
	if _, err := OpenIndexFile(MetadataFile{Path: "x/Release", Kind: KindOther}); err == nil {
		t.Errorf("expected error for non-index file")
	}
}
