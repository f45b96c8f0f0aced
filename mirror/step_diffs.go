package mirror

import (
	"fmt"

	"github.com/etnz/apt-mirror/apt"
)

// downloadFromDiffsStep walks every retained diff index and fetches the
// files it references. Diff targets go into the committed layout directly;
// the descriptors name files under the archive root whose names pin their
// content.
type downloadFromDiffsStep struct{}

func (downloadFromDiffsStep) Name() string { return "downloading diffs" }

func (downloadFromDiffsStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	for _, diffIndex := range state.DiffIndices {
		relPath, ok := ctx.Repo.RelFromStaging(diffIndex.Path)
		if !ok {
			return nil, fmt.Errorf("diff index %s is outside the staging tree", diffIndex.Path)
		}
		relBase := apt.Parent(relPath)

		reader, err := apt.OpenIndexFile(diffIndex)
		if err != nil {
			return nil, err
		}

		for {
			entry, err := reader.Next()
			if err != nil {
				reader.Close()
				return nil, err
			}
			if entry == nil {
				break
			}

			url := ctx.Repo.URLInRoot(apt.Join(relBase, entry.Path))

			ctx.Downloader.Queue(&Download{
				URL:       url,
				Size:      entry.Size,
				SizeKnown: entry.SizeKnown,
				Checksum:  entry.Checksum,
				Path:      ctx.Repo.RootPath(url),
			})
		}

		reader.Close()
	}

	ctx.Progress.WaitForCompletion(ctx.Observe)

	state.TotalBytes += ctx.Progress.Bytes.Success()

	return nil, nil
}
