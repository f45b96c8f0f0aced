package apt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// diffIndexReader streams a Packages.diff/Index descriptor. Lines under a
// header ending in "Download:" name the incremental patches a client would
// fetch; the mirror downloads the referenced files whole rather than
// applying them. Hash lines for the same path across different Download
// sections merge into one entry.
type diffIndexReader struct {
	*indexStream
	parsed  bool
	pending []IndexEntry
}

func newDiffIndexReader(file MetadataFile) (IndexReader, error) {
	stream, err := openIndexStream(file)
	if err != nil {
		return nil, err
	}
	return &diffIndexReader{indexStream: stream}, nil
}

func (r *diffIndexReader) Next() (*IndexEntry, error) {
	if !r.parsed {
		if err := r.parse(); err != nil {
			return nil, err
		}
		r.parsed = true
	}

	if len(r.pending) == 0 {
		return nil, nil
	}

	entry := r.pending[0]
	r.pending = r.pending[1:]
	return &entry, nil
}

func (r *diffIndexReader) parse() error {
	files := make(map[string]*FileEntry)

	inDownload := false

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), " \t\r")

		switch {
		case strings.HasSuffix(line, "Download:"):
			inDownload = true
		case strings.HasPrefix(line, " ") && inDownload:
			fields := strings.Fields(line)
			if len(fields) != 3 {
				return fmt.Errorf("unable to parse index diff file %s: bad line %q", r.file.Path, line)
			}

			sum, err := ParseChecksum(fields[0])
			if err != nil {
				return fmt.Errorf("unable to parse index diff file %s: %w", r.file.Path, err)
			}

			size, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return fmt.Errorf("unable to parse index diff file %s: %w", r.file.Path, err)
			}

			path := fields[2]

			entry, ok := files[path]
			if !ok {
				entry = &FileEntry{Size: size}
				files[path] = entry
			}
			entry.set(sum)
		default:
			inDownload = false
		}
	}
	if err := r.scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", r.file.Path, err)
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		entry := files[path]
		r.pending = append(r.pending, IndexEntry{
			Path:      path,
			Size:      entry.Size,
			SizeKnown: true,
			Checksum:  entry.StrongestHash(),
		})
	}

	return nil
}
