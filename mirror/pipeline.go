package mirror

import (
	"sync"

	"github.com/etnz/apt-mirror/apt"
	"github.com/etnz/apt-mirror/config"
	"github.com/etnz/apt-mirror/pgp"
)

// Step is one stage of a command pipeline. Execute returns a non-nil Result
// to end the run early (successfully or not), or nil to let the driver
// advance to the next step. Errors are wrapped with the step's identity and
// end the run.
type Step interface {
	Name() string
	Execute(ctx *Context) (Result, error)
}

// Context is the shared environment a pipeline runs in. The repository is
// read-only after construction; State is the only mutable aggregate and is
// guarded by its own mutex, held across entire stage bodies (stages are
// sequential, so coarse locking costs nothing).
type Context struct {
	Target     *config.Target
	Repo       *Repository
	Downloader *Downloader
	Progress   *Progress
	Keys       *pgp.KeyStore
	Force      bool

	// Observe, when non-nil, is polled by drain loops so a renderer can
	// refresh.
	Observe func()

	State *State

	verifier *Verifier
	prune    *PruneGroup

	finalize func(Result) Result
}

// Selection translates the target's configuration into the manifest
// content filter.
func (c *Context) Selection() apt.Selection {
	return apt.Selection{
		Components:             c.Target.Components,
		Architectures:          c.Target.Architectures,
		InstallerArchitectures: c.Target.InstallerArchitectures,
		Source:                 c.Target.Source,
		Packages:               c.Target.Packages,
		Udeb:                   c.Target.Udeb,
		Flat:                   c.Target.Flat(),
	}
}

// State is the per-run output aggregate shared between stages.
type State struct {
	mu sync.Mutex

	Release    *apt.Release
	Incomplete bool

	// classified metadata retained for traversal, as staging paths
	PackageIndices []apt.MetadataFile
	DiffIndices    []apt.MetadataFile
	SumFiles       []apt.MetadataFile

	// directories removed at commit time, before the rename walk
	DeletePaths []string

	TotalBytes    uint64
	TotalPackages uint64

	// verify outcome
	Valid   uint64
	Corrupt uint64
	Missing uint64

	// prune inventory: archive-root-relative paths still referenced
	Referenced map[string]bool

	// prune outcome
	PrunedFiles uint64
	PrunedBytes uint64
}

// Lock acquires the aggregate for the duration of a stage body.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Empty reports whether no index of any kind was retained.
func (s *State) Empty() bool {
	return len(s.PackageIndices) == 0 && len(s.DiffIndices) == 0 && len(s.SumFiles) == 0
}

// DropMissing removes retained index paths whose download failed and left
// nothing on disk.
func (s *State) DropMissing() {
	s.PackageIndices = keepExisting(s.PackageIndices)
	s.DiffIndices = keepExisting(s.DiffIndices)
	s.SumFiles = keepExisting(s.SumFiles)
}

func keepExisting(files []apt.MetadataFile) []apt.MetadataFile {
	kept := files[:0]
	for _, f := range files {
		if apt.Exists(f.Path) {
			kept = append(kept, f)
		}
	}
	return kept
}

// Run drives the pipeline: steps execute in order over the shared context,
// each one either continuing, ending with a result, or failing. Whatever
// ends the run is passed through the context's finalizer, which owns the
// commit-or-discard decision.
func Run(ctx *Context, steps []Step) Result {
	ctx.Progress.Reset()
	ctx.Progress.SetTotalSteps(len(steps))

	for _, step := range steps {
		ctx.Progress.NextStep(step.Name())

		result, err := step.Execute(ctx)
		if err != nil {
			return ctx.end(Failure{Inner: &StepError{Step: step.Name(), Inner: err}})
		}
		if result != nil {
			return ctx.end(result)
		}
	}

	return ctx.end(nil)
}

func (c *Context) end(result Result) Result {
	if c.finalize != nil {
		return c.finalize(result)
	}
	return result
}
