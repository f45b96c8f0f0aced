package mirror

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/etnz/apt-mirror/apt"
	"github.com/etnz/apt-mirror/config"
	"github.com/etnz/apt-mirror/pgp"
)

// ErrStagingExists means the per-target staging directory was already
// present, which almost always means another run is mirroring the same
// target right now.
var ErrStagingExists = errors.New("staging directory already exists")

// Repository is the on-disk and upstream layout derived from one target:
// where the archive lives upstream, where the committed tree lives locally,
// and where in-flight downloads are staged. It is read-only after
// construction; its lifecycle ends at Commit or Discard.
type Repository struct {
	RootURL string
	DistURL string

	RootDir    string
	StagingDir string

	// Key overrides the global keystore for this mirror when non-nil.
	Key *pgp.KeyStore
}

// NewRepository derives the layout for a target under outputDir without
// creating anything on disk; the only file it reads is the target's
// per-mirror public key, when one is configured. Used by verify and prune,
// which only read the committed tree.
func NewRepository(t *config.Target, outputDir string) (*Repository, error) {
	rootURL := strings.TrimSuffix(t.URL, "/")

	parsed, err := url.Parse(rootURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("unable to parse url %s", t.URL)
	}

	distURL := rootURL
	if part := t.DistPart(); part != "" {
		distURL = rootURL + "/" + part
	}

	rootDir := filepath.Join(outputDir, parsed.Host)
	if p := strings.TrimPrefix(parsed.Path, "/"); p != "" {
		rootDir = filepath.Join(rootDir, filepath.FromSlash(p))
	}

	repo := &Repository{
		RootURL: rootURL,
		DistURL: distURL,
		RootDir: rootDir,
	}

	if t.PgpPubKey != "" {
		key, err := pgp.LoadKeyFile(t.PgpPubKey)
		if err != nil {
			return nil, err
		}
		repo.Key = key
	}

	return repo, nil
}

// NewRepositoryWithStaging derives the layout and creates the staging
// directory exclusively: a pre-existing staging directory aborts the run
// with ErrStagingExists, acting as a per-target lock against concurrent
// invocations.
func NewRepositoryWithStaging(t *config.Target, outputDir string) (*Repository, error) {
	repo, err := NewRepository(t, outputDir)
	if err != nil {
		return nil, err
	}

	parsed, _ := url.Parse(repo.RootURL)

	pathPart := ""
	if parsed.Path != "" && parsed.Path != "/" {
		pathPart = strings.ReplaceAll(parsed.Path, "/", "_")
	}

	staging := filepath.Join(outputDir, ".tmp", parsed.Host+pathPart+"_"+sanitizeSuite(t.Suite))

	switch _, err := os.Stat(staging); {
	case err == nil:
		return nil, fmt.Errorf("%w for this repository: if no other run is active, delete %s",
			ErrStagingExists, staging)
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}

	repo.StagingDir = staging
	return repo, nil
}

func sanitizeSuite(suite string) string {
	return strings.ReplaceAll(suite, "/", "_")
}

// ReleaseURLs returns the three candidate manifest URLs, preferred form
// first.
func (r *Repository) ReleaseURLs() [3]string {
	return [3]string{
		r.DistURL + "/InRelease",
		r.DistURL + "/Release",
		r.DistURL + "/Release.gpg",
	}
}

// URLInDist resolves a manifest-relative path to its upstream URL.
func (r *Repository) URLInDist(path string) string {
	return r.DistURL + "/" + strings.TrimPrefix(path, "/")
}

// URLInRoot resolves an archive-root-relative path to its upstream URL.
func (r *Repository) URLInRoot(path string) string {
	return r.RootURL + "/" + strings.TrimPrefix(path, "/")
}

func (r *Repository) pathUnder(base, rawURL string) string {
	rel := strings.TrimPrefix(rawURL, r.RootURL)
	rel = strings.TrimPrefix(rel, "/")
	return filepath.Join(base, filepath.FromSlash(rel))
}

// StagingPath maps a URL under the archive root to its staging location.
func (r *Repository) StagingPath(rawURL string) string {
	return r.pathUnder(r.StagingDir, rawURL)
}

// RootPath maps a URL under the archive root to its committed location.
func (r *Repository) RootPath(rawURL string) string {
	return r.pathUnder(r.RootDir, rawURL)
}

// StagingToRoot rebases an absolute staging path to its committed
// equivalent. ok is false when the path is not under staging.
func (r *Repository) StagingToRoot(path string) (string, bool) {
	rel, err := filepath.Rel(r.StagingDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.Join(r.RootDir, rel), true
}

// RelFromStaging strips the staging prefix, returning a forward-slash
// relative path.
func (r *Repository) RelFromStaging(path string) (string, bool) {
	rel, err := filepath.Rel(r.StagingDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// RelFromRoot strips the committed-root prefix, returning a forward-slash
// relative path; paths outside the root come back unchanged.
func (r *Repository) RelFromRoot(path string) string {
	rel, err := filepath.Rel(r.RootDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// RebaseToRoot joins an archive-root-relative path onto the committed tree.
func (r *Repository) RebaseToRoot(rel string) string {
	return filepath.Join(r.RootDir, filepath.FromSlash(rel))
}

// FileDownload builds the request for an artifact referenced by a Packages
// or Sources index: fetched into the committed layout directly, since its
// name pins its content.
func (r *Repository) FileDownload(entry apt.IndexEntry) *Download {
	u := r.URLInRoot(entry.Path)
	return &Download{
		URL:       u,
		Size:      entry.Size,
		SizeKnown: entry.SizeKnown,
		Checksum:  entry.Checksum,
		Path:      r.RootPath(u),
	}
}

// RawDownload builds an always-fetch request with an optional expected
// digest, used for release files and installer images.
func (r *Repository) RawDownload(path, url string, checksum apt.Checksum) *Download {
	return &Download{
		URL:         url,
		Checksum:    checksum,
		Path:        path,
		AlwaysFetch: true,
	}
}

// MetadataDownload builds the request for one manifest-listed file into the
// staging tree, expanding by-hash addressing when active: the primary
// target becomes the strongest hash-addressed name and the readable name
// plus weaker hash names become symlinks.
func (r *Repository) MetadataDownload(url, stagingPath string, entry *apt.FileEntry, byHash bool) *Download {
	primary, symlinks := entry.DownloadPaths(filepath.ToSlash(stagingPath), byHash)

	return &Download{
		URL:          url,
		Size:         entry.Size,
		SizeKnown:    true,
		Checksum:     entry.StrongestHash(),
		Path:         filepath.FromSlash(primary),
		SymlinkPaths: fromSlashAll(symlinks),
	}
}

func fromSlashAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.FromSlash(p)
	}
	return out
}

// Commit publishes the staging tree: pathsToDelete are removed first (a
// crash after removal only costs re-downloadable data), then every staged
// file is renamed into the committed tree with a copy fallback for
// cross-device moves, and finally the emptied staging directory is removed.
func (r *Repository) Commit(pathsToDelete []string) error {
	for _, path := range pathsToDelete {
		if apt.Exists(path) {
			if err := os.RemoveAll(path); err != nil {
				return err
			}
		}
	}

	if err := r.rebaseDir(r.StagingDir); err != nil {
		return err
	}

	return os.RemoveAll(r.StagingDir)
}

func (r *Repository) rebaseDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if err := r.rebaseDir(path); err != nil {
				return err
			}
			continue
		}

		rel, err := filepath.Rel(r.StagingDir, path)
		if err != nil {
			return err
		}

		target := filepath.Join(r.RootDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		if err := os.Rename(path, target); err != nil {
			if err := copyFile(path, target); err != nil {
				return err
			}
			os.Remove(path)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	// symlinks are re-created rather than copied so the by-hash fan-out
	// stays relative after a cross-device commit
	if info, err := os.Lstat(src); err == nil && info.Mode()&os.ModeSymlink != 0 {
		linkTarget, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dst)
		return os.Symlink(linkTarget, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// Discard rolls the run back by removing the staging directory wholesale.
func (r *Repository) Discard() {
	if r.StagingDir != "" {
		os.RemoveAll(r.StagingDir)
	}
}
