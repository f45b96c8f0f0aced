package mirror

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/etnz/apt-mirror/apt"
	"github.com/etnz/apt-mirror/config"
)

// PruneGroup is the unit pruning operates on: every configured target
// sharing one committed root directory. Suites of the same archive must be
// inventoried together or one suite's walk would delete the others' files.
type PruneGroup struct {
	Targets []*config.Target
	Repo    *Repository

	// ExcludePaths are absolute roots the deletion walk must not enter,
	// e.g. another mirror's tree nested inside this one.
	ExcludePaths []string

	DryRun bool
}

// GroupForPrune buckets targets by their committed root directory and
// computes the nested-root exclusions between groups.
func GroupForPrune(targets []*config.Target, outputDir string) ([]*PruneGroup, error) {
	byRoot := make(map[string]*PruneGroup)
	var order []string

	for _, t := range targets {
		repo, err := NewRepository(t, outputDir)
		if err != nil {
			return nil, err
		}

		group, ok := byRoot[repo.RootDir]
		if !ok {
			group = &PruneGroup{Repo: repo}
			byRoot[repo.RootDir] = group
			order = append(order, repo.RootDir)
		}
		group.Targets = append(group.Targets, t)
	}

	groups := make([]*PruneGroup, 0, len(order))
	for _, root := range order {
		group := byRoot[root]
		for _, other := range order {
			if other != root && strings.HasPrefix(other, root+string(filepath.Separator)) {
				group.ExcludePaths = append(group.ExcludePaths, other)
			}
		}
		groups = append(groups, group)
	}

	return groups, nil
}

// NewPruneContext prepares the pruning pipeline for one group.
func NewPruneContext(group *PruneGroup, progress *Progress) *Context {
	ctx := &Context{
		Target:   group.Targets[0],
		Repo:     group.Repo,
		Progress: progress,
		State:    &State{Referenced: make(map[string]bool)},
		prune:    group,
	}

	ctx.finalize = func(result Result) Result {
		if result == nil {
			return PruneDone{
				Files: ctx.State.PrunedFiles,
				Bytes: ctx.State.PrunedBytes,
			}
		}
		return result
	}

	return ctx
}

// PruneSteps returns the pruning stages: inventory, then deletion.
func PruneSteps() []Step {
	return []Step{&inventoryStep{}, &deleteStep{}}
}

// inventoryStep collects every archive-root-relative path the committed
// manifests still reference: the release files themselves, every
// manifest-listed file under both readable and hash-addressed names, and
// every file the retained indices point at.
type inventoryStep struct{}

func (inventoryStep) Name() string { return "taking inventory" }

func (inventoryStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	for _, target := range ctx.prune.Targets {
		if err := inventoryTarget(ctx, target); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

func inventoryTarget(ctx *Context, target *config.Target) error {
	repo := ctx.Repo
	state := ctx.State

	distURL := repo.RootURL
	if part := target.DistPart(); part != "" {
		distURL = repo.RootURL + "/" + part
	}
	distDir := repo.pathUnder(repo.RootDir, distURL)

	var releaseFile string
	for _, name := range [...]string{"InRelease", "Release", "Release.gpg"} {
		path := apt.Join(distDir, name)
		if !apt.Exists(path) {
			continue
		}
		state.Referenced[repo.RelFromRoot(path)] = true
		if releaseFile == "" && name != "Release.gpg" {
			releaseFile = path
		}
	}
	if releaseFile == "" {
		return ErrNoReleaseFile
	}

	release, err := apt.ParseReleaseFile(releaseFile)
	if err != nil {
		return fmt.Errorf("invalid release file %s: %w", releaseFile, err)
	}

	byHash := release.AcquireByHash()

	selection := apt.Selection{
		Components:             target.Components,
		Architectures:          target.Architectures,
		InstallerArchitectures: target.InstallerArchitectures,
		Source:                 target.Source,
		Packages:               target.Packages,
		Udeb:                   target.Udeb,
		Flat:                   target.Flat(),
	}

	var indices []apt.MetadataFile

	for _, kept := range release.FilteredFiles(selection) {
		local := apt.Join(distDir, kept.Path)
		primary, symlinks := kept.Entry.DownloadPaths(local, byHash)

		state.Referenced[repo.RelFromRoot(primary)] = true
		for _, link := range symlinks {
			state.Referenced[repo.RelFromRoot(link)] = true
		}

		file := apt.ClassifyMetadata(kept.Path)
		if file.IsIndex() && apt.Exists(local) {
			indices = append(indices, apt.MetadataFile{Path: local, Kind: file.Kind})
		}
	}

	indices = apt.DeduplicateMetadata(indices)

	for _, index := range indices {
		if err := inventoryIndex(ctx, index); err != nil {
			return err
		}
	}

	return nil
}

func inventoryIndex(ctx *Context, index apt.MetadataFile) error {
	reader, err := apt.OpenIndexFile(index)
	if err != nil {
		return err
	}
	defer reader.Close()

	base := ""
	switch index.Kind {
	case apt.KindDiffIndex, apt.KindSumFile:
		base = ctx.Repo.RelFromRoot(apt.Parent(index.Path))
	}

	for {
		entry, err := reader.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		ctx.State.Referenced[apt.Join(base, entry.Path)] = true
	}
}

// deleteStep walks the committed tree and removes everything the inventory
// does not reference. Dangling symlinks and non-regular files are removed
// regardless; referenced files are kept and counted as skipped.
type deleteStep struct{}

func (deleteStep) Name() string { return "pruning" }

func (deleteStep) Execute(ctx *Context) (Result, error) {
	state := ctx.State
	state.Lock()
	defer state.Unlock()

	repo := ctx.Repo

	err := filepath.WalkDir(repo.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			for _, excl := range ctx.prune.ExcludePaths {
				if path == excl {
					return filepath.SkipDir
				}
			}
			return nil
		}

		rel := repo.RelFromRoot(path)

		var size uint64
		if info, err := d.Info(); err == nil {
			size = uint64(info.Size())
		}

		ctx.Progress.Files.AddTotal(1)

		if state.Referenced[rel] && isHealthy(path, d) {
			ctx.Progress.Files.AddSkipped(1)
			ctx.Progress.Bytes.AddSkipped(size)
			return nil
		}

		ctx.Progress.Files.AddSuccess(1)
		ctx.Progress.Bytes.AddSuccess(size)

		if ctx.prune.DryRun {
			fmt.Println(rel)
			return nil
		}

		return os.Remove(path)
	})
	if err != nil {
		return nil, err
	}

	state.PrunedFiles = ctx.Progress.Files.Success()
	state.PrunedBytes = ctx.Progress.Bytes.Success()

	return nil, nil
}

// isHealthy reports whether a referenced path is worth keeping: regular
// files and symlinks that resolve. Dangling links, sockets and FIFOs are
// pruned even when referenced.
func isHealthy(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink != 0 {
		_, err := os.Stat(path)
		return err == nil
	}
	return d.Type().IsRegular()
}
