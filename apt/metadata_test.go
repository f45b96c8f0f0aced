package apt

import (
	"testing"
)

func TestClassifyMetadata(t *testing.T) {
	cases := []struct {
		path string
		kind MetadataKind
	}{
		{"main/binary-amd64/Packages.gz", KindPackages},
		{"main/binary-amd64/Packages", KindPackages},
		{"main/source/Sources.xz", KindSources},
		{"main/binary-amd64/Packages.diff/Index", KindDiffIndex},
		{"main/installer-amd64/current/images/SHA256SUMS", KindSumFile},
		{"main/installer-amd64/current/images/MD5SUMS", KindSumFile},
		{"main/SHA256SUMS", KindOther}, // SUMS outside an installer tree
		{"main/binary-amd64/Release", KindOther},
		{"main/Contents-amd64.gz", KindOther},
	}

	for _, c := range cases {
		got := ClassifyMetadata(c.path)
		if got.Kind != c.kind {
			t.Errorf("ClassifyMetadata(%s) = %v, want %v", c.path, got.Kind, c.kind)
		}
	}
}

func TestCanonicalPath(t *testing.T) {
	packages := ClassifyMetadata("main/binary-amd64/Packages.gz")
	packagesXz := ClassifyMetadata("main/binary-amd64/Packages.xz")
	if packages.CanonicalPath() != packagesXz.CanonicalPath() {
		t.Errorf("compression variants should share a canonical path")
	}

	sums := ClassifyMetadata("main/installer-amd64/current/images/SHA256SUMS")
	sums512 := ClassifyMetadata("main/installer-amd64/current/images/SHA512SUMS")
	if sums.CanonicalPath() != sums512.CanonicalPath() {
		t.Errorf("sum file variants should share a canonical path")
	}

	diff := ClassifyMetadata("main/binary-amd64/Packages.diff/Index")
	if diff.CanonicalPath() != "main/binary-amd64/Packages.diff/Index" {
		t.Errorf("diff index canonical path = %s", diff.CanonicalPath())
	}
}

func TestDeduplicateMetadata(t *testing.T) {
	files := []MetadataFile{
		ClassifyMetadata("main/binary-amd64/Packages"),
		ClassifyMetadata("main/binary-amd64/Packages.gz"),
		ClassifyMetadata("main/binary-amd64/Packages.xz"),
		ClassifyMetadata("main/installer-amd64/current/images/MD5SUMS"),
		ClassifyMetadata("main/installer-amd64/current/images/SHA256SUMS"),
		ClassifyMetadata("main/installer-amd64/current/images/SHA512SUMS"),
		ClassifyMetadata("main/binary-amd64/Packages.diff/Index"),
	}

	kept := DeduplicateMetadata(files)

	if len(kept) != 3 {
		t.Fatalf("kept %d files: %v", len(kept), kept)
	}

	byKind := map[MetadataKind]string{}
	for _, f := range kept {
		byKind[f.Kind] = f.Path
	}

	if Extension(byKind[KindPackages]) == "" {
		t.Errorf("compressed representation should win: %s", byKind[KindPackages])
	}
	if FileName(byKind[KindSumFile]) != "SHA512SUMS" {
		t.Errorf("strongest sum file should win: %s", byKind[KindSumFile])
	}
}
