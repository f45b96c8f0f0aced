package mirror

import (
	"github.com/etnz/apt-mirror/apt"
)

// downloadMetadataStep queues every manifest-certified file the selection
// retains, classifying indices for the later traversal stages. Metadata is
// the skeleton of the snapshot: any failed download here makes the
// repository inconsistent and aborts the target.
type downloadMetadataStep struct{}

func (downloadMetadataStep) Name() string { return "downloading metadata" }

func (downloadMetadataStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	release := state.Release
	if release == nil {
		return nil, ErrNoReleaseFile
	}

	byHash := release.AcquireByHash()

	for _, kept := range release.FilteredFiles(ctx.Selection()) {
		url := ctx.Repo.URLInDist(kept.Path)
		stagingPath := ctx.Repo.StagingPath(url)
		rootPath := ctx.Repo.RootPath(url)

		file := apt.ClassifyMetadata(kept.Path)

		// Anything a previous run committed was verified on download, so a
		// present primary (and, under by-hash, its strongest hash-addressed
		// neighbor) does not need to be fetched again.
		if !ctx.Force && alreadyCommitted(kept.Entry, rootPath, byHash, file.Kind) {
			continue
		}

		useByHash := byHash
		switch file.Kind {
		case apt.KindPackages, apt.KindSources:
			state.PackageIndices = append(state.PackageIndices, apt.MetadataFile{Path: stagingPath, Kind: file.Kind})
		case apt.KindDiffIndex:
			state.DiffIndices = append(state.DiffIndices, apt.MetadataFile{Path: stagingPath, Kind: file.Kind})
		case apt.KindSumFile:
			state.SumFiles = append(state.SumFiles, apt.MetadataFile{Path: stagingPath, Kind: file.Kind})
			useByHash = false
		}

		ctx.Downloader.Queue(ctx.Repo.MetadataDownload(url, stagingPath, kept.Entry, useByHash))
	}

	ctx.Progress.WaitForCompletion(ctx.Observe)

	if ctx.Progress.Files.Failed() > 0 {
		return nil, ErrInconsistentRepository
	}

	state.DropMissing()
	state.TotalBytes += ctx.Progress.Bytes.Success()

	if state.Empty() {
		return IrrelevantChanges{}, nil
	}

	return nil, nil
}

func alreadyCommitted(entry *apt.FileEntry, rootPath string, byHash bool, kind apt.MetadataKind) bool {
	strongest := entry.StrongestHash()
	if strongest.IsZero() {
		return false
	}

	if kind == apt.KindSumFile {
		return apt.Exists(rootPath)
	}

	hashPath := apt.Join(apt.Parent(rootPath), strongest.ByHashPath())

	return (!byHash || apt.Exists(hashPath)) && apt.Exists(rootPath)
}
