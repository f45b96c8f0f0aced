package mirror

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/etnz/apt-mirror/apt"
	"github.com/etnz/apt-mirror/config"
)

// VerifyTask asks the verifier pool to confirm that each listed path exists
// and hashes to the expected digest.
type VerifyTask struct {
	Size      int64
	SizeKnown bool
	Checksum  apt.Checksum
	Paths     []string
}

// Verifier is a worker pool hashing local files, configured identically to
// the downloader: bounded queue, fixed worker count, shared counters.
// Outcome mapping: success = valid, failed = corrupt, skipped = missing.
type Verifier struct {
	queue    chan *VerifyTask
	progress *Progress
	wg       sync.WaitGroup

	mu   sync.Mutex
	seen map[string]bool
}

// NewVerifier starts the pool.
func NewVerifier(workers int, progress *Progress) *Verifier {
	if workers <= 0 {
		workers = 8
	}

	v := &Verifier{
		queue:    make(chan *VerifyTask, 1024),
		progress: progress,
		seen:     make(map[string]bool),
	}

	for i := 0; i < workers; i++ {
		v.wg.Add(1)
		go v.worker()
	}

	return v
}

// Queue hands a task to the pool, coalescing paths that were already
// queued this run so overlapping indices do not check the same content
// twice.
func (v *Verifier) Queue(task *VerifyTask) {
	v.mu.Lock()
	paths := task.Paths[:0]
	for _, p := range task.Paths {
		if !v.seen[p] {
			v.seen[p] = true
			paths = append(paths, p)
		}
	}
	task.Paths = paths
	v.mu.Unlock()

	if len(task.Paths) == 0 {
		return
	}

	if task.SizeKnown {
		v.progress.Bytes.AddTotal(uint64(task.Size))
	}
	v.progress.Files.AddTotal(1)

	v.queue <- task
}

// Close shuts the queue down and waits for the workers to drain.
func (v *Verifier) Close() {
	close(v.queue)
	v.wg.Wait()
}

func (v *Verifier) worker() {
	defer v.wg.Done()

	buf := make([]byte, 1024*1024)

	for task := range v.queue {
		v.run(task, buf)
	}
}

func (v *Verifier) run(task *VerifyTask, buf []byte) {
	for _, path := range task.Paths {
		f, err := os.Open(path)
		if err != nil {
			v.progress.Files.AddSkipped(1)
			if task.SizeKnown {
				v.progress.Bytes.AddSkipped(uint64(task.Size))
			}
			return
		}

		hasher := task.Checksum.Hasher()
		for {
			n, err := f.Read(buf)
			if n > 0 {
				hasher.Write(buf[:n])
				v.progress.Bytes.AddSuccess(uint64(n))
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				v.progress.Files.AddFailed(1)
				return
			}
		}
		f.Close()

		if !hasher.Checksum().Equal(task.Checksum) {
			v.progress.Files.AddFailed(1)
			return
		}
	}

	v.progress.Files.AddSuccess(1)
}

// NewVerifyContext prepares the verification pipeline for one target. The
// committed tree is only read, so no staging directory is involved.
func NewVerifyContext(t *config.Target, outputDir string, verifier *Verifier) (*Context, error) {
	repo, err := NewRepository(t, outputDir)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		Target:   t,
		Repo:     repo,
		Progress: verifier.progress,
		State:    &State{},
		verifier: verifier,
	}

	ctx.finalize = func(result Result) Result {
		if result == nil {
			return VerifyDone{
				Valid:   ctx.State.Valid,
				Corrupt: ctx.State.Corrupt,
				Missing: ctx.State.Missing,
			}
		}
		return result
	}

	return ctx, nil
}

// VerifySteps returns the single verification stage.
func VerifySteps() []Step {
	return []Step{&verifyStep{}}
}

// verifyStep walks the committed manifest and hashes everything it
// certifies: the manifest-listed metadata first, then every artifact the
// retained indices reference.
type verifyStep struct{}

func (verifyStep) Name() string { return "verifying" }

func (verifyStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	release, distDir, err := openCommittedRelease(ctx)
	if err != nil {
		return nil, err
	}

	byHash := release.AcquireByHash()

	var indices []apt.MetadataFile

	for _, kept := range release.FilteredFiles(ctx.Selection()) {
		local := apt.Join(distDir, kept.Path)
		primary, _ := kept.Entry.DownloadPaths(local, byHash)

		checksum := kept.Entry.StrongestHash()
		if checksum.IsZero() {
			return nil, fmt.Errorf("unable to verify %s: manifest carries no digest", primary)
		}

		ctx.verifier.Queue(&VerifyTask{
			Size:      kept.Entry.Size,
			SizeKnown: true,
			Checksum:  checksum,
			Paths:     []string{primary},
		})

		file := apt.ClassifyMetadata(kept.Path)
		if file.IsIndex() && apt.Exists(local) {
			indices = append(indices, apt.MetadataFile{Path: local, Kind: file.Kind})
		}
	}

	indices = apt.DeduplicateMetadata(indices)

	errc := make(chan error, 1)
	go func() {
		errc <- queueIndexVerifications(ctx, indices)
	}()
	err = <-errc

	ctx.Progress.WaitForCompletion(ctx.Observe)

	state.Valid = ctx.Progress.Files.Success()
	state.Corrupt = ctx.Progress.Files.Failed()
	state.Missing = ctx.Progress.Files.Skipped()

	return nil, err
}

func queueIndexVerifications(ctx *Context, indices []apt.MetadataFile) error {
	for _, index := range indices {
		reader, err := apt.OpenIndexFile(index)
		if err != nil {
			return err
		}

		// Packages and Sources reference paths from the archive root; diff
		// indices and sum files reference paths from their own directory.
		base := ctx.Repo.RootDir
		switch index.Kind {
		case apt.KindDiffIndex, apt.KindSumFile:
			base = apt.Parent(index.Path)
		}

		for {
			entry, err := reader.Next()
			if err != nil {
				reader.Close()
				return err
			}
			if entry == nil {
				break
			}

			if entry.Checksum.IsZero() {
				continue
			}

			ctx.verifier.Queue(&VerifyTask{
				Size:      entry.Size,
				SizeKnown: entry.SizeKnown,
				Checksum:  entry.Checksum,
				Paths:     []string{apt.Join(base, entry.Path)},
			})
		}

		reader.Close()
	}

	return nil
}

// openCommittedRelease locates and parses the committed manifest of the
// target, returning it with the dist directory it lives in.
func openCommittedRelease(ctx *Context) (*apt.Release, string, error) {
	distDir := ctx.Repo.RootPath(ctx.Repo.DistURL)

	for _, name := range [...]string{"InRelease", "Release"} {
		path := apt.Join(distDir, name)
		if !apt.Exists(path) {
			continue
		}

		release, err := apt.ParseReleaseFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("invalid release file %s: %w", path, err)
		}
		return release, distDir, nil
	}

	return nil, "", ErrNoReleaseFile
}
