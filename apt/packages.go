package apt

import (
	"fmt"
	"strconv"
	"strings"
)

// packagesReader streams a Packages index: RFC-822-style paragraphs
// separated by blank lines, one binary package per paragraph. Each entry
// captures Filename, Size and the strongest advertised digest.
//
// Reference: https://wiki.debian.org/DebianRepository/Format#A.22Packages.22_Indices
type packagesReader struct {
	*indexStream
}

func newPackagesReader(file MetadataFile) (IndexReader, error) {
	stream, err := openIndexStream(file)
	if err != nil {
		return nil, err
	}
	return &packagesReader{indexStream: stream}, nil
}

func (r *packagesReader) Next() (*IndexEntry, error) {
	for {
		paragraph, err := r.nextParagraph()
		if err != nil {
			return nil, err
		}
		if paragraph == nil {
			return nil, nil
		}

		entry := IndexEntry{}

		for _, line := range paragraph {
			if filename, ok := strings.CutPrefix(line, "Filename: "); ok {
				entry.Path = strings.TrimSpace(filename)
				continue
			}
			if sizeStr, ok := strings.CutPrefix(line, "Size: "); ok {
				size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("unable to parse packages file %s: %w", r.file.Path, err)
				}
				entry.Size = size
				entry.SizeKnown = true
				continue
			}

			for _, field := range [...]string{"MD5sum: ", "MD5Sum: ", "SHA1: ", "SHA256: ", "SHA512: "} {
				if hexDigest, ok := strings.CutPrefix(line, field); ok {
					sum, err := ParseChecksum(strings.TrimSpace(hexDigest))
					if err != nil {
						return nil, fmt.Errorf("unable to parse packages file %s: %w", r.file.Path, err)
					}
					if entry.Checksum.IsZero() {
						entry.Checksum = sum
					} else {
						entry.Checksum.ReplaceIfStronger(sum)
					}
					break
				}
			}
		}

		// Paragraphs without a Filename (e.g. trailing index metadata)
		// reference nothing to fetch.
		if entry.Path == "" {
			continue
		}

		return &entry, nil
	}
}
