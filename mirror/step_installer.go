package mirror

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/etnz/apt-mirror/apt"
)

// downloadDebianInstallerStep replaces installer image trees. For every
// retained sum file (one per directory after collapsing to the strongest
// algorithm), images byte-matched by the previously committed sum file are
// carried over locally, the rest are fetched fresh, and the old image
// directory is marked for deletion at commit time.
type downloadDebianInstallerStep struct{}

func (downloadDebianInstallerStep) Name() string { return "downloading debian installer" }

func (downloadDebianInstallerStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	sumFiles := apt.DeduplicateMetadata(state.SumFiles)

	for _, sumFile := range sumFiles {
		base := apt.Parent(sumFile.Path)

		relBase, ok := ctx.Repo.RelFromStaging(base)
		if !ok {
			return nil, fmt.Errorf("sum file %s is outside the staging tree", sumFile.Path)
		}

		// the whole previous image directory goes away at commit; its
		// surviving files are staged below
		oldDir := ctx.Repo.RebaseToRoot(relBase)
		state.DeletePaths = append(state.DeletePaths, oldDir)

		oldSums, err := readOldSums(ctx, sumFile)
		if err != nil {
			return nil, err
		}

		reader, err := apt.OpenIndexFile(sumFile)
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

			stagingPath := apt.Join(base, entry.Path)
			committedPath := apt.Join(oldDir, entry.Path)

			// an image whose digest the old sum file already certified is
			// carried over instead of re-downloaded
			if old, ok := oldSums[entry.Path]; ok && old.Equal(entry.Checksum) && apt.Exists(committedPath) {
				if err := carryOver(ctx, committedPath, stagingPath); err != nil {
					reader.Close()
					return nil, err
				}
				continue
			}

			url := ctx.Repo.URLInRoot(apt.Join(relBase, entry.Path))
			ctx.Downloader.Queue(ctx.Repo.RawDownload(stagingPath, url, entry.Checksum))
		}

		reader.Close()
	}

	ctx.Progress.WaitForCompletion(ctx.Observe)

	state.TotalBytes += ctx.Progress.Bytes.Success()

	return nil, nil
}

// readOldSums loads the committed counterpart of a staged sum file,
// returning the digests it certified, or nothing when no previous image
// tree exists.
func readOldSums(ctx *Context, sumFile apt.MetadataFile) (map[string]apt.Checksum, error) {
	committed, ok := ctx.Repo.StagingToRoot(sumFile.Path)
	if !ok || !apt.Exists(committed) {
		return nil, nil
	}

	reader, err := apt.OpenIndexFile(apt.MetadataFile{Path: committed, Kind: apt.KindSumFile})
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	sums := make(map[string]apt.Checksum)
	for {
		entry, err := reader.Next()
		if err != nil {
			// a corrupt old sum file only forfeits the carry-over
			return nil, nil
		}
		if entry == nil {
			break
		}
		sums[entry.Path] = entry.Checksum
	}

	return sums, nil
}

func carryOver(ctx *Context, committedPath, stagingPath string) error {
	if err := os.MkdirAll(filepath.Dir(stagingPath), 0o755); err != nil {
		return err
	}

	if err := copyFile(committedPath, stagingPath); err != nil {
		return err
	}

	ctx.Progress.Files.AddTotal(1)
	ctx.Progress.Files.AddSkipped(1)

	return nil
}
