package mirror

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/etnz/apt-mirror/apt"
	"github.com/etnz/apt-mirror/pgp"
)

// downloadReleaseStep fetches the three release files, verifies the
// signature when the target asks for it, and decides whether the run can
// stop early because upstream has not moved.
type downloadReleaseStep struct{}

func (downloadReleaseStep) Name() string { return "downloading release" }

func (downloadReleaseStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	var files []string

	for _, fileURL := range ctx.Repo.ReleaseURLs() {
		destination := ctx.Repo.StagingPath(fileURL)

		dl := ctx.Repo.RawDownload(destination, fileURL, apt.Checksum{})
		if err := ctx.Downloader.Fetch(dl); err != nil {
			// any single release file may legitimately be absent
			slog.Info("release file not available", "url", fileURL, "error", err)
			continue
		}

		files = append(files, destination)
	}

	if ctx.Target.PgpVerify {
		if err := verifyReleaseSignature(ctx, files); err != nil {
			return nil, err
		}
	}

	releaseFile := pickReleaseFile(files)
	if releaseFile == "" {
		return nil, ErrNoReleaseFile
	}

	// If the committed release matches the downloaded one byte for byte,
	// the previous run already produced this snapshot; unless files have
	// gone missing locally there is nothing to do.
	var oldRelease *apt.Release
	if committed, ok := ctx.Repo.StagingToRoot(releaseFile); ok && apt.Exists(committed) && !ctx.Force {
		oldSum, err := apt.ChecksumFile(committed)
		if err != nil {
			return nil, err
		}
		newSum, err := apt.ChecksumFile(releaseFile)
		if err != nil {
			return nil, err
		}

		oldRelease, err = apt.ParseReleaseFile(committed)
		if err != nil {
			return nil, fmt.Errorf("invalid release file %s: %w", committed, err)
		}

		if oldSum.Equal(newSum) {
			if treeComplete(ctx, oldRelease) {
				return ReleaseUnchanged{}, nil
			}
			state.Incomplete = true
		}
	}

	release, err := apt.ParseReleaseFile(releaseFile)
	if err != nil {
		return nil, fmt.Errorf("invalid release file %s: %w", releaseFile, err)
	}

	if oldRelease != nil {
		distDir := ctx.Repo.RootPath(ctx.Repo.DistURL)
		release.StripUnchanged(oldRelease, distDir, release.AcquireByHash())
	}

	if components := release.Components(); components != "" {
		available := strings.Fields(components)
		for _, requested := range ctx.Target.Components {
			found := false
			for _, c := range available {
				if c == requested {
					found = true
					break
				}
			}
			if !found {
				slog.Warn("component is not in this repo", "component", requested)
			}
		}
	}

	state.TotalBytes += ctx.Progress.Bytes.Success()
	state.Release = release

	return nil, nil
}

// verifyReleaseSignature checks the preferred signature form: the inline
// signed InRelease when present, otherwise Release with its detached
// Release.gpg. A per-mirror key overrides the global keystore.
func verifyReleaseSignature(ctx *Context, files []string) error {
	keys := ctx.Keys
	if ctx.Repo.Key != nil {
		keys = ctx.Repo.Key
	}

	var inline, release, detached string
	for _, f := range files {
		switch apt.FileName(f) {
		case "InRelease":
			inline = f
		case "Release":
			release = f
		case "Release.gpg":
			detached = f
		}
	}

	switch {
	case inline != "":
		return keys.VerifyInlineFile(inline)
	case release != "" && detached != "":
		return keys.VerifyDetachedFile(detached, release)
	}

	return pgp.ErrNoSignature
}

func pickReleaseFile(files []string) string {
	for _, f := range files {
		switch apt.FileName(f) {
		case "InRelease", "Release":
			return f
		}
	}
	return ""
}

// treeComplete reports whether every file the committed manifest certifies
// for the configured selection is present locally.
func treeComplete(ctx *Context, release *apt.Release) bool {
	byHash := release.AcquireByHash()
	distDir := ctx.Repo.RootPath(ctx.Repo.DistURL)

	for _, kept := range release.FilteredFiles(ctx.Selection()) {
		primary, _ := kept.Entry.DownloadPaths(apt.Join(distDir, kept.Path), byHash)
		if !apt.Exists(primary) {
			return false
		}
	}

	return true
}
