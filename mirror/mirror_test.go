package mirror

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// upstream is a fake archive served over HTTP for pipeline tests.
type upstream struct {
	files map[string][]byte
}

func newUpstream() *upstream {
	return &upstream{files: make(map[string][]byte)}
}

func (u *upstream) add(path string, content []byte) {
	u.files[path] = content
}

func (u *upstream) addGz(path string, content []byte) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(content)
	gw.Close()
	u.files[path] = buf.Bytes()
}

// addRelease writes the manifest listing the given dist-relative paths with
// their SHA256 digests and sizes.
func (u *upstream) addRelease(distPath string, listed []string) {
	u.addReleaseWithHeader(distPath, "Origin: Test\nSuite: bookworm\nComponents: main\nArchitectures: amd64\n", listed)
}

func (u *upstream) addReleaseWithHeader(distPath, header string, listed []string) {
	var release bytes.Buffer
	release.WriteString(header + "SHA256:\n")

	for _, rel := range listed {
		content := u.files[distPath+"/"+rel]
		sum := sha256.Sum256(content)
		fmt.Fprintf(&release, " %s %d %s\n", hex.EncodeToString(sum[:]), len(content), rel)
	}

	u.files[distPath+"/Release"] = release.Bytes()
}

func (u *upstream) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := u.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

// buildArchive assembles a minimal coherent archive: one Packages index (in
// both encodings) referencing one pool artifact.
func buildArchive(t *testing.T, debContent []byte, advertised string) *upstream {
	t.Helper()

	u := newUpstream()

	u.add("/debian/pool/main/p/pkg/pkg_1.0_amd64.deb", debContent)

	if advertised == "" {
		sum := sha256.Sum256(debContent)
		advertised = hex.EncodeToString(sum[:])
	}

	packages := fmt.Sprintf(`Package: pkg
Version: 1.0
Architecture: amd64
Filename: pool/main/p/pkg/pkg_1.0_amd64.deb
Size: %d
SHA256: %s
`, len(debContent), advertised)

	u.add("/debian/dists/bookworm/main/binary-amd64/Packages", []byte(packages))
	u.addGz("/debian/dists/bookworm/main/binary-amd64/Packages.gz", []byte(packages))

	u.addRelease("/debian/dists/bookworm", []string{
		"main/binary-amd64/Packages",
		"main/binary-amd64/Packages.gz",
	})

	return u
}

func runPipeline(t *testing.T, serverURL, output string) Result {
	t.Helper()

	target := testTarget(t, fmt.Sprintf("deb %s/debian bookworm main", serverURL))

	downloader := NewDownloader(2, nil, NewProgress())
	defer downloader.Close()

	ctx, err := NewMirrorContext(target, output, downloader, nil, false)
	if err != nil {
		t.Fatalf("context build failed: %v", err)
	}

	return Run(ctx, MirrorSteps())
}

func TestMirrorPipeline(t *testing.T) {
	debContent := []byte("definitely a debian package")
	u := buildArchive(t, debContent, "")
	server := u.serve(t)

	output := t.TempDir()

	result := runPipeline(t, server.URL, output)

	release, ok := result.(NewRelease)
	if !ok {
		t.Fatalf("result = %v", result)
	}
	if release.NumPackages != 1 {
		t.Errorf("packages downloaded = %d", release.NumPackages)
	}

	host := strings.TrimPrefix(server.URL, "http://")
	root := filepath.Join(output, host, "debian")

	committedDeb := filepath.Join(root, "pool", "main", "p", "pkg", "pkg_1.0_amd64.deb")
	if got, err := os.ReadFile(committedDeb); err != nil || !bytes.Equal(got, debContent) {
		t.Errorf("pool artifact wrong: %v", err)
	}

	for _, rel := range []string{
		"dists/bookworm/Release",
		"dists/bookworm/main/binary-amd64/Packages",
		"dists/bookworm/main/binary-amd64/Packages.gz",
	} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing committed file %s: %v", rel, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(output, ".tmp"))
	if err == nil && len(entries) != 0 {
		t.Errorf("staging not cleaned up: %v", entries)
	}
}

func TestMirrorPipelineUnchanged(t *testing.T) {
	u := buildArchive(t, []byte("package bytes"), "")
	server := u.serve(t)

	output := t.TempDir()

	if result := runPipeline(t, server.URL, output); result.Err() != nil {
		t.Fatalf("first run failed: %v", result)
	}

	result := runPipeline(t, server.URL, output)
	if _, ok := result.(ReleaseUnchanged); !ok {
		t.Fatalf("second run result = %v", result)
	}

	entries, err := os.ReadDir(filepath.Join(output, ".tmp"))
	if err == nil && len(entries) != 0 {
		t.Errorf("staging not cleaned up after unchanged run: %v", entries)
	}
}

func TestMirrorPipelineIncomplete(t *testing.T) {
	debContent := []byte("package bytes")
	u := buildArchive(t, debContent, "")
	server := u.serve(t)

	output := t.TempDir()

	if result := runPipeline(t, server.URL, output); result.Err() != nil {
		t.Fatalf("first run failed: %v", result)
	}

	// damage the local tree: the manifest still matches but a file is gone
	host := strings.TrimPrefix(server.URL, "http://")
	packagesGz := filepath.Join(output, host, "debian", "dists", "bookworm", "main", "binary-amd64", "Packages.gz")
	if err := os.Remove(packagesGz); err != nil {
		t.Fatal(err)
	}

	result := runPipeline(t, server.URL, output)
	if _, ok := result.(ReleaseUnchangedButIncomplete); !ok {
		t.Fatalf("result = %v", result)
	}

	if _, err := os.Stat(packagesGz); err != nil {
		t.Errorf("missing file was not re-fetched: %v", err)
	}
}

func TestMirrorPipelineBadChecksum(t *testing.T) {
	debContent := []byte("the served bytes")
	wrong := sha256.Sum256([]byte("what the index promised"))

	u := buildArchive(t, debContent, hex.EncodeToString(wrong[:]))
	server := u.serve(t)

	output := t.TempDir()

	result := runPipeline(t, server.URL, output)

	// a bad artifact fails that file, not the stage: the run still commits
	release, ok := result.(NewRelease)
	if !ok {
		t.Fatalf("result = %v", result)
	}
	if release.NumPackages != 0 {
		t.Errorf("corrupt package counted as downloaded")
	}

	host := strings.TrimPrefix(server.URL, "http://")
	committedDeb := filepath.Join(output, host, "debian", "pool", "main", "p", "pkg", "pkg_1.0_amd64.deb")
	if _, err := os.Stat(committedDeb); !os.IsNotExist(err) {
		t.Errorf("corrupt artifact should not exist")
	}
}

func TestMirrorPipelineNoRelease(t *testing.T) {
	u := newUpstream()
	server := u.serve(t)

	output := t.TempDir()

	result := runPipeline(t, server.URL, output)
	if result.Err() == nil {
		t.Fatalf("expected failure, got %v", result)
	}

	entries, err := os.ReadDir(filepath.Join(output, ".tmp"))
	if err == nil && len(entries) != 0 {
		t.Errorf("staging should roll back on failure: %v", entries)
	}
}

// fake steps for driver-level tests

type scriptedStep struct {
	name   string
	result Result
	err    error
	ran    *[]string
}

func (s *scriptedStep) Name() string { return s.name }

func (s *scriptedStep) Execute(*Context) (Result, error) {
	*s.ran = append(*s.ran, s.name)
	return s.result, s.err
}

func driverContext() *Context {
	return &Context{
		Progress: NewProgress(),
		State:    &State{},
		Repo:     &Repository{},
	}
}

func TestRunAdvancesThroughSteps(t *testing.T) {
	var ran []string

	ctx := driverContext()
	ctx.finalize = func(r Result) Result {
		if r == nil {
			return ReleaseUnchanged{}
		}
		return r
	}

	result := Run(ctx, []Step{
		&scriptedStep{name: "one", ran: &ran},
		&scriptedStep{name: "two", ran: &ran},
	})

	if len(ran) != 2 {
		t.Errorf("ran %v", ran)
	}
	if _, ok := result.(ReleaseUnchanged); !ok {
		t.Errorf("result = %v", result)
	}
}

func TestRunStopsOnEnd(t *testing.T) {
	var ran []string

	ctx := driverContext()

	result := Run(ctx, []Step{
		&scriptedStep{name: "one", result: IrrelevantChanges{}, ran: &ran},
		&scriptedStep{name: "two", ran: &ran},
	})

	if len(ran) != 1 {
		t.Errorf("later steps should not run after End: %v", ran)
	}
	if _, ok := result.(IrrelevantChanges); !ok {
		t.Errorf("result = %v", result)
	}
}

func TestRunWrapsStepErrors(t *testing.T) {
	var ran []string

	ctx := driverContext()

	result := Run(ctx, []Step{
		&scriptedStep{name: "exploding stage", err: ErrNoReleaseFile, ran: &ran},
	})

	err := result.Err()
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "exploding stage") {
		t.Errorf("step identity lost: %v", err)
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Errorf("error should unwrap to StepError")
	}
}

func TestMirrorPipelineByHash(t *testing.T) {
	u := buildArchive(t, []byte("hashed artifact"), "")
	u.addReleaseWithHeader("/debian/dists/bookworm",
		"Origin: Test\nSuite: bookworm\nComponents: main\nArchitectures: amd64\nAcquire-By-Hash: yes\n",
		[]string{"main/binary-amd64/Packages", "main/binary-amd64/Packages.gz"})
	server := u.serve(t)

	output := t.TempDir()

	if result := runPipeline(t, server.URL, output); result.Err() != nil {
		t.Fatalf("run failed: %v", result)
	}

	host := strings.TrimPrefix(server.URL, "http://")
	binDir := filepath.Join(output, host, "debian", "dists", "bookworm", "main", "binary-amd64")

	// the readable name and the hash-addressed primary appear together
	readable := filepath.Join(binDir, "Packages")
	if _, err := os.Readlink(readable); err != nil {
		t.Errorf("readable name should be a symlink under by-hash: %v", err)
	}

	packagesContent, err := os.ReadFile(readable)
	if err != nil {
		t.Fatalf("reading through symlink failed: %v", err)
	}

	sum := sha256.Sum256(packagesContent)
	primary := filepath.Join(binDir, "by-hash", "SHA256", hex.EncodeToString(sum[:]))
	if _, err := os.Stat(primary); err != nil {
		t.Errorf("hash-addressed primary missing: %v", err)
	}

	// an unchanged upstream short-circuits on the second run
	result := runPipeline(t, server.URL, output)
	if _, ok := result.(ReleaseUnchanged); !ok {
		t.Errorf("second run result = %v", result)
	}
}
