package apt

import (
	"strings"
)

// MetadataKind classifies a manifest-listed file by its name. Every kind
// except KindOther is an index that the mirror traverses for further file
// references; Other files are downloaded but never opened.
type MetadataKind int

const (
	KindOther MetadataKind = iota
	KindPackages
	KindSources
	KindDiffIndex
	KindSumFile
)

func (k MetadataKind) String() string {
	switch k {
	case KindPackages:
		return "Packages"
	case KindSources:
		return "Sources"
	case KindDiffIndex:
		return "DiffIndex"
	case KindSumFile:
		return "SumFile"
	}
	return "Other"
}

// MetadataFile is a classified metadata path. Path may be relative to the
// dist root or absolute on disk depending on which stage produced it.
type MetadataFile struct {
	Path string
	Kind MetadataKind
}

// ClassifyMetadata tags a path with its metadata kind based on file naming
// conventions of the archive format.
func ClassifyMetadata(path string) MetadataFile {
	stem := FileStem(path)

	switch {
	case stem == "Packages":
		return MetadataFile{Path: path, Kind: KindPackages}
	case stem == "Sources":
		return MetadataFile{Path: path, Kind: KindSources}
	case stem == "Index":
		return MetadataFile{Path: path, Kind: KindDiffIndex}
	case strings.HasSuffix(stem, "SUMS") && strings.Contains(Parent(path), "installer-"):
		return MetadataFile{Path: path, Kind: KindSumFile}
	}

	return MetadataFile{Path: path, Kind: KindOther}
}

// IsIndex reports whether the file should be traversed for further file
// references.
func (m MetadataFile) IsIndex() bool {
	return m.Kind != KindOther
}

// CanonicalPath is the identity used when collapsing representation
// redundancy. Packages and Sources indices are identified by parent + stem
// so "Packages", "Packages.gz" and "Packages.xz" coincide; sum files are
// identified by their directory so the per-algorithm variants coincide;
// everything else is identified by its full path.
func (m MetadataFile) CanonicalPath() string {
	switch m.Kind {
	case KindPackages, KindSources:
		return Join(Parent(m.Path), FileStem(m.Path))
	case KindSumFile:
		return Parent(m.Path)
	}
	return m.Path
}

// DeduplicateMetadata collapses multi-representation redundancy: for a set
// of Packages/Sources files differing only by compression extension exactly
// one survives (compressed preferred), and for sum files in one directory
// only the strongest algorithm survives.
func DeduplicateMetadata(files []MetadataFile) []MetadataFile {
	byCanonical := make(map[string]MetadataFile, len(files))
	var order []string

	for _, file := range files {
		canonical := file.CanonicalPath()

		old, ok := byCanonical[canonical]
		if !ok {
			byCanonical[canonical] = file
			order = append(order, canonical)
			continue
		}

		switch file.Kind {
		case KindPackages, KindSources:
			if extensionPreferred(Extension(file.Path)) {
				byCanonical[canonical] = file
			}
		case KindSumFile:
			if sumFilePreferred(FileName(old.Path), FileName(file.Path)) {
				byCanonical[canonical] = file
			}
		}
	}

	kept := make([]MetadataFile, 0, len(order))
	for _, canonical := range order {
		kept = append(kept, byCanonical[canonical])
	}

	return kept
}

func extensionPreferred(ext string) bool {
	switch ext {
	case "gz", "xz", "bz2":
		return true
	}
	return false
}

func sumFilePreferred(old, new string) bool {
	rank := func(name string) int {
		switch name {
		case "SHA512SUMS":
			return 3
		case "SHA256SUMS":
			return 2
		case "SHA1SUMS":
			return 1
		}
		return 0
	}
	return rank(new) > rank(old)
}
