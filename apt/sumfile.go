package apt

import (
	"fmt"
	"strings"
)

// sumFileReader streams a debian-installer SUMS file: two-column lines of
// "<digest>  <relative path>". Entry sizes are unknown; the digest alone
// identifies the image content.
type sumFileReader struct {
	*indexStream
}

func newSumFileReader(file MetadataFile) (IndexReader, error) {
	stream, err := openIndexStream(file)
	if err != nil {
		return nil, err
	}
	return &sumFileReader{indexStream: stream}, nil
}

func (r *sumFileReader) Next() (*IndexEntry, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid entry in sum file %s: %q", r.file.Path, line)
		}

		sum, err := ParseChecksum(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid entry in sum file %s: %w", r.file.Path, err)
		}

		// installer sum files prefix entries with "./"
		path := strings.TrimPrefix(fields[1], "./")

		return &IndexEntry{Path: path, Checksum: sum}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", r.file.Path, err)
	}

	return nil, nil
}
