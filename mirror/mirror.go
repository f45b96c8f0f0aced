// Package mirror implements the staged pipeline that keeps a local tree a
// consistent snapshot of an upstream Debian-style archive, plus the verify
// and prune commands that run against an existing tree.
package mirror

import (
	"github.com/etnz/apt-mirror/config"
	"github.com/etnz/apt-mirror/pgp"
)

// NewMirrorContext prepares the pipeline context for one target, creating
// the staging directory (exclusively) in the process.
func NewMirrorContext(t *config.Target, outputDir string, dl *Downloader, keys *pgp.KeyStore, force bool) (*Context, error) {
	repo, err := NewRepositoryWithStaging(t, outputDir)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		Target:     t,
		Repo:       repo,
		Downloader: dl,
		Progress:   dl.Progress(),
		Keys:       keys,
		Force:      force,
		State:      &State{},
	}

	ctx.finalize = func(result Result) Result {
		return finalizeMirror(ctx, result)
	}

	return ctx, nil
}

// MirrorSteps returns the five mirror stages in execution order.
func MirrorSteps() []Step {
	return []Step{
		&downloadReleaseStep{},
		&downloadMetadataStep{},
		&downloadFromDiffsStep{},
		&downloadFromPackageIndicesStep{},
		&downloadDebianInstallerStep{},
	}
}

// finalizeMirror owns the terminal transition of a mirror run. Outcomes
// that produced new content commit the staging tree; an unchanged release
// or a failure discards it. A commit failure leaves staging in place for
// diagnosis and turns the outcome into a failure.
func finalizeMirror(ctx *Context, result Result) Result {
	if result == nil {
		if ctx.State.Incomplete {
			result = ReleaseUnchangedButIncomplete{TotalBytes: ctx.State.TotalBytes}
		} else {
			result = NewRelease{
				TotalBytes:  ctx.State.TotalBytes,
				NumPackages: ctx.State.TotalPackages,
			}
		}
	}

	switch result.(type) {
	case NewRelease, ReleaseUnchangedButIncomplete, IrrelevantChanges:
		if err := ctx.Repo.Commit(ctx.State.DeletePaths); err != nil {
			return Failure{Inner: &StepError{Step: "finalizing mirror operation", Inner: err}}
		}
	default:
		ctx.Repo.Discard()
	}

	return result
}
