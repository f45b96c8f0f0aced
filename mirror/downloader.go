package mirror

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/etnz/apt-mirror/apt"
)

// ErrChecksumMismatch tags downloads whose streamed content did not hash to
// the manifest's expectation. The destination is deleted before the error
// is reported.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrDownload tags transport-level failures, including 404s; the expected
// size of such a file is moved to skipped bytes to keep accounting
// conserved.
var ErrDownload = errors.New("download failed")

// Download is one unit of work for the pool: fetch url into Path, verify
// against Checksum while streaming, then fan out SymlinkPaths as relative
// symlinks to Path.
type Download struct {
	URL       string
	Size      int64
	SizeKnown bool
	Checksum  apt.Checksum

	Path         string
	SymlinkPaths []string

	// AlwaysFetch bypasses the existing-file check, for files whose name
	// does not pin their content (Release files, installer images).
	AlwaysFetch bool
}

// Downloader is a bounded worker pool fetching files over HTTP with
// streaming checksum verification. Counter discipline: total increments on
// enqueue, exactly one of success/skipped/failed increments per terminal
// outcome.
type Downloader struct {
	queue    chan *Download
	client   *http.Client
	progress *Progress
	wg       sync.WaitGroup
}

// NewDownloader starts workers goroutines consuming a queue of capacity
// 1024. Enqueueing suspends when the queue is full.
func NewDownloader(workers int, client *http.Client, progress *Progress) *Downloader {
	if workers <= 0 {
		workers = 8
	}
	if client == nil {
		client = http.DefaultClient
	}

	d := &Downloader{
		queue:    make(chan *Download, 1024),
		client:   client,
		progress: progress,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Progress exposes the pool's shared counters.
func (d *Downloader) Progress() *Progress {
	return d.progress
}

// Queue hands a download to the pool, blocking when the queue is full.
func (d *Downloader) Queue(dl *Download) {
	if dl.SizeKnown {
		d.progress.Bytes.AddTotal(uint64(dl.Size))
	}
	d.progress.Files.AddTotal(1)

	d.queue <- dl
}

// Fetch executes one download synchronously on the calling goroutine,
// updating the same counters as queued work. The release step uses it so
// verification can happen before anything else is scheduled.
func (d *Downloader) Fetch(dl *Download) error {
	d.progress.Files.AddTotal(1)
	if dl.SizeKnown {
		d.progress.Bytes.AddTotal(uint64(dl.Size))
	}
	return d.execute(dl)
}

// Close shuts the queue down and waits for the workers to drain.
func (d *Downloader) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Downloader) worker() {
	defer d.wg.Done()
	for dl := range d.queue {
		d.execute(dl)
	}
}

// execute runs one download to a terminal outcome and settles the counters.
func (d *Downloader) execute(dl *Download) error {
	fetched, err := d.fetch(dl)
	switch {
	case err != nil:
		if errors.Is(err, ErrDownload) && dl.SizeKnown {
			d.progress.Bytes.AddSkipped(uint64(dl.Size))
		}
		d.progress.Files.AddFailed(1)
	case fetched:
		d.progress.Files.AddSuccess(1)
	default:
		if dl.SizeKnown {
			d.progress.Bytes.AddSkipped(uint64(dl.Size))
		}
		d.progress.Files.AddSkipped(1)
	}
	return err
}

// fetch downloads the file if needed and fans out its symlinks. The bool
// result reports whether any bytes were actually transferred.
func (d *Downloader) fetch(dl *Download) (bool, error) {
	fetched := false

	if d.needsDownloading(dl) {
		if err := os.MkdirAll(filepath.Dir(dl.Path), 0o755); err != nil {
			return false, err
		}

		out, err := os.Create(dl.Path)
		if err != nil {
			return false, err
		}

		// a zero expected size means an empty file is the valid content
		if !dl.SizeKnown || dl.Size > 0 {
			if err := d.stream(dl, out); err != nil {
				out.Close()
				os.Remove(dl.Path)
				return false, err
			}
			fetched = true
		}

		if err := out.Close(); err != nil {
			return false, err
		}
	}

	for _, link := range dl.SymlinkPaths {
		if _, err := os.Lstat(link); err == nil {
			continue
		}

		rel, err := filepath.Rel(filepath.Dir(link), dl.Path)
		if err != nil {
			return fetched, err
		}

		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return fetched, err
		}

		if err := os.Symlink(rel, link); err != nil {
			return fetched, err
		}
	}

	return fetched, nil
}

// stream issues the GET and copies the body in chunks, charging the byte
// counter and the incremental hasher as chunks arrive.
func (d *Downloader) stream(dl *Download, out *os.File) error {
	resp, err := d.client.Get(dl.URL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, dl.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrDownload, dl.URL, resp.StatusCode)
	}

	var hasher *apt.Hasher
	if !dl.Checksum.IsZero() {
		hasher = dl.Checksum.Hasher()
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			if hasher != nil {
				hasher.Write(buf[:n])
			}
			d.progress.Bytes.AddSuccess(uint64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDownload, dl.URL, err)
		}
	}

	if hasher != nil {
		computed := hasher.Checksum()
		if !computed.Equal(dl.Checksum) {
			return fmt.Errorf("%w for %s: expected %s, calculated %s",
				ErrChecksumMismatch, dl.URL, dl.Checksum, computed)
		}
	}

	return nil
}

// needsDownloading decides whether the target can be reused as-is: an
// existing file with the expected size (or any existing file when no size
// is known) is trusted, because everything placed there was hash-verified
// by an earlier run.
func (d *Downloader) needsDownloading(dl *Download) bool {
	if dl.AlwaysFetch {
		return true
	}

	info, err := os.Stat(dl.Path)
	if err != nil {
		return true
	}

	if dl.SizeKnown {
		return info.Size() != dl.Size
	}

	return false
}
