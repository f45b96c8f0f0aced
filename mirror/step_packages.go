package mirror

import (
	"github.com/etnz/apt-mirror/apt"
)

// downloadFromPackageIndicesStep streams every retained Packages and
// Sources index and queues the artifacts they reference. Index
// decompression and parsing are CPU-bound, so the streaming runs on its
// own goroutine and re-enters the pool through the queue's backpressure;
// the stage itself just drains.
type downloadFromPackageIndicesStep struct{}

func (downloadFromPackageIndicesStep) Name() string { return "downloading packages" }

func (downloadFromPackageIndicesStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	// one index per canonical path: Packages, Packages.gz and Packages.xz
	// are the same logical index in different encodings
	indices := apt.DeduplicateMetadata(state.PackageIndices)

	errc := make(chan error, 1)

	go func() {
		errc <- streamIndices(ctx, indices)
	}()

	err := <-errc

	ctx.Progress.WaitForCompletion(ctx.Observe)

	state.TotalBytes += ctx.Progress.Bytes.Success()
	state.TotalPackages += ctx.Progress.Files.Success()

	if err != nil {
		return nil, err
	}

	return nil, nil
}

func streamIndices(ctx *Context, indices []apt.MetadataFile) error {
	for _, index := range indices {
		reader, err := apt.OpenIndexFile(index)
		if err != nil {
			return err
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

			ctx.Downloader.Queue(ctx.Repo.FileDownload(*entry))
		}

		reader.Close()
	}

	return nil
}
