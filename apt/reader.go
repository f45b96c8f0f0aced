package apt

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ulikunitz/xz"
)

// IndexEntry is one file reference yielded by an index stream: a path
// relative to the index's base, the advertised size when the format carries
// one, and the strongest advertised digest when present.
type IndexEntry struct {
	Path      string
	Size      int64
	SizeKnown bool
	Checksum  Checksum
}

// IndexReader is a lazy iterator over the file references of one physical
// index file. Next returns (nil, nil) when the stream is exhausted.
//
// Size and BytesRead report the compressed on-disk representation, so
// progress charged against them stays meaningful regardless of what the
// decompressed stream expands to.
type IndexReader interface {
	Next() (*IndexEntry, error)
	File() MetadataFile
	Size() int64
	BytesRead() int64
	Close() error
}

// OpenIndexFile opens a classified metadata file as an entry stream,
// dispatching on its kind and transparently decompressing by extension.
func OpenIndexFile(file MetadataFile) (IndexReader, error) {
	switch file.Kind {
	case KindPackages:
		return newPackagesReader(file)
	case KindSources:
		return newSourcesReader(file)
	case KindDiffIndex:
		return newDiffIndexReader(file)
	case KindSumFile:
		return newSumFileReader(file)
	}
	return nil, fmt.Errorf("%s is not a traversable index", file.Path)
}

// trackingReader counts raw bytes as they are consumed, before any
// decompression, so observers can charge progress against input size.
type trackingReader struct {
	inner io.Reader
	read  atomic.Int64
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	t.read.Add(int64(n))
	return n, err
}

// indexStream is the shared plumbing of every index reader: the open file,
// the counting wrapper, and the decompressing buffered scanner above it.
type indexStream struct {
	file    MetadataFile
	handle  *os.File
	tracker *trackingReader
	scanner *bufio.Scanner
	size    int64
}

func openIndexStream(file MetadataFile) (*indexStream, error) {
	handle, err := os.Open(file.Path)
	if err != nil {
		return nil, err
	}

	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, err
	}

	tracker := &trackingReader{inner: handle}

	var decompressed io.Reader
	switch ext := Extension(file.Path); ext {
	case "gz":
		gz, err := gzip.NewReader(tracker)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("unable to open %s: %w", file.Path, err)
		}
		decompressed = gz
	case "bz2":
		decompressed = bzip2.NewReader(tracker)
	case "xz":
		xzr, err := xz.NewReader(tracker)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("unable to open %s: %w", file.Path, err)
		}
		decompressed = xzr
	case "":
		decompressed = tracker
	default:
		handle.Close()
		return nil, fmt.Errorf("unable to open %s: unsupported extension %q", file.Path, ext)
	}

	scanner := bufio.NewScanner(decompressed)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &indexStream{
		file:    file,
		handle:  handle,
		tracker: tracker,
		scanner: scanner,
		size:    info.Size(),
	}, nil
}

func (s *indexStream) File() MetadataFile { return s.file }
func (s *indexStream) Size() int64        { return s.size }
func (s *indexStream) BytesRead() int64   { return s.tracker.read.Load() }
func (s *indexStream) Close() error       { return s.handle.Close() }

// nextParagraph accumulates lines until a blank separator or EOF. It
// returns nil at end of stream.
func (s *indexStream) nextParagraph() ([]string, error) {
	var lines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if strings.TrimSpace(line) == "" {
			if len(lines) > 0 {
				return lines, nil
			}
			continue
		}
		lines = append(lines, line)
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", s.file.Path, err)
	}

	if len(lines) > 0 {
		return lines, nil
	}
	return nil, nil
}
