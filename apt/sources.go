package apt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// sourcesReader streams a Sources index. Each paragraph describes one
// source package: a Directory field plus one file-list block per digest
// algorithm (Files, Checksums-Sha1/Sha256/Sha512). One entry is emitted per
// listed file, prefixed with the directory; entries repeated across blocks
// merge with checksum strength upgraded monotonically.
//
// Reference: https://wiki.debian.org/DebianRepository/Format#A.22Sources.22_Indices
type sourcesReader struct {
	*indexStream
	pending []IndexEntry
}

func newSourcesReader(file MetadataFile) (IndexReader, error) {
	stream, err := openIndexStream(file)
	if err != nil {
		return nil, err
	}
	return &sourcesReader{indexStream: stream}, nil
}

func (r *sourcesReader) Next() (*IndexEntry, error) {
	for len(r.pending) == 0 {
		paragraph, err := r.nextParagraph()
		if err != nil {
			return nil, err
		}
		if paragraph == nil {
			return nil, nil
		}

		if err := r.parseParagraph(paragraph); err != nil {
			return nil, err
		}
	}

	entry := r.pending[0]
	r.pending = r.pending[1:]
	return &entry, nil
}

func (r *sourcesReader) parseParagraph(paragraph []string) error {
	dir := ""
	merged := make(map[string]*IndexEntry)

	inFileBlock := false

	for _, line := range paragraph {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if !inFileBlock {
				continue
			}
			if err := r.parseFileLine(line, merged); err != nil {
				return err
			}
			continue
		}

		inFileBlock = false

		if d, ok := strings.CutPrefix(line, "Directory: "); ok {
			dir = strings.TrimSpace(d)
			continue
		}

		switch strings.TrimSpace(line) {
		case "Files:", "Checksums-Sha1:", "Checksums-Sha256:", "Checksums-Sha512:":
			inFileBlock = true
		}
	}

	if len(merged) == 0 {
		return nil
	}
	if dir == "" {
		return fmt.Errorf("unable to parse sources file %s: paragraph without Directory", r.file.Path)
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := *merged[name]
		entry.Path = Join(dir, name)
		r.pending = append(r.pending, entry)
	}

	return nil
}

// parseFileLine merges one "<hex> <size> <name>" line into the paragraph
// buffer, keyed by the bare file name; the Directory prefix is applied once
// the whole paragraph is read.
func (r *sourcesReader) parseFileLine(line string, merged map[string]*IndexEntry) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("unable to parse sources file %s: bad file line %q", r.file.Path, line)
	}

	sum, err := ParseChecksum(fields[0])
	if err != nil {
		return fmt.Errorf("unable to parse sources file %s: %w", r.file.Path, err)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("unable to parse sources file %s: %w", r.file.Path, err)
	}

	name := fields[2]

	if entry, ok := merged[name]; ok {
		entry.Checksum.ReplaceIfStronger(sum)
		return nil
	}

	merged[name] = &IndexEntry{
		Size:      size,
		SizeKnown: true,
		Checksum:  sum,
	}

	return nil
}
