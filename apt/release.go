package apt

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FileEntry is the per-file record of a Release manifest: the expected size
// plus every digest the manifest advertised for the path.
type FileEntry struct {
	Size   int64
	MD5    []byte
	SHA1   []byte
	SHA256 []byte
	SHA512 []byte
}

// StrongestHash returns the strongest digest present, or a zero Checksum if
// the entry carries none.
func (e *FileEntry) StrongestHash() Checksum {
	switch {
	case e.SHA512 != nil:
		return Checksum{Kind: SHA512, Sum: e.SHA512}
	case e.SHA256 != nil:
		return Checksum{Kind: SHA256, Sum: e.SHA256}
	case e.SHA1 != nil:
		return Checksum{Kind: SHA1, Sum: e.SHA1}
	case e.MD5 != nil:
		return Checksum{Kind: MD5, Sum: e.MD5}
	}
	return Checksum{}
}

// Checksums returns every digest present, strongest first.
func (e *FileEntry) Checksums() []Checksum {
	var sums []Checksum
	if e.SHA512 != nil {
		sums = append(sums, Checksum{Kind: SHA512, Sum: e.SHA512})
	}
	if e.SHA256 != nil {
		sums = append(sums, Checksum{Kind: SHA256, Sum: e.SHA256})
	}
	if e.SHA1 != nil {
		sums = append(sums, Checksum{Kind: SHA1, Sum: e.SHA1})
	}
	if e.MD5 != nil {
		sums = append(sums, Checksum{Kind: MD5, Sum: e.MD5})
	}
	return sums
}

func (e *FileEntry) set(c Checksum) {
	switch c.Kind {
	case MD5:
		e.MD5 = c.Sum
	case SHA1:
		e.SHA1 = c.Sum
	case SHA256:
		e.SHA256 = c.Sum
	case SHA512:
		e.SHA512 = c.Sum
	}
}

// DownloadPaths resolves where the file's content should live and which
// names should point at it. path is the local path of the human-readable
// name. When byHash is set and the entry has at least one digest, the
// primary becomes the strongest hash-addressed name next to path, and the
// readable name plus every weaker hash-addressed name become symlinks.
// Either all of them are created or none; the downloader guarantees that by
// fanning the symlinks out only after the primary verified.
func (e *FileEntry) DownloadPaths(path string, byHash bool) (primary string, symlinks []string) {
	sums := e.Checksums()

	if !byHash || len(sums) == 0 {
		return path, nil
	}

	parent := Parent(path)

	primary = Join(parent, sums[0].ByHashPath())
	symlinks = append(symlinks, path)
	for _, c := range sums[1:] {
		symlinks = append(symlinks, Join(parent, c.ByHashPath()))
	}

	return primary, symlinks
}

// Release is the parsed signed manifest of one suite: its header fields and
// the table of files it certifies.
//
// Reference: https://wiki.debian.org/DebianRepository/Format#A.22Release.22_files
type Release struct {
	Header map[string]string
	Files  map[string]*FileEntry
}

// AcquireByHash reports whether the manifest advertises hash-addressed
// metadata acquisition.
func (r *Release) AcquireByHash() bool {
	return r.Header["Acquire-By-Hash"] == "yes"
}

// Components returns the space-separated component list from the header, or
// "" when the manifest does not name any.
func (r *Release) Components() string {
	return r.Header["Components"]
}

type parseState int

const (
	stateNone parseState = iota
	stateMD5
	stateSHA1
	stateSHA256
	stateSHA512
	statePgpMessage
	statePgpSignature
)

// ParseReleaseFile parses a Release or InRelease file from disk.
func ParseReleaseFile(path string) (*Release, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	release := &Release{
		Header: make(map[string]string),
		Files:  make(map[string]*FileEntry),
	}

	state := stateNone

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")

		switch {
		case line == "-----BEGIN PGP SIGNED MESSAGE-----":
			state = statePgpMessage
		case line == "-----BEGIN PGP SIGNATURE-----":
			state = statePgpSignature
		case line == "-----END PGP SIGNATURE-----":
			state = stateNone
		case strings.HasPrefix(line, " "):
			kind, ok := hashState(state)
			if !ok {
				if state == statePgpMessage || state == statePgpSignature {
					continue
				}
				return nil, fmt.Errorf("release: file entry outside checksum section: %q", line)
			}
			if err := parseFileLine(release.Files, line, kind); err != nil {
				return nil, err
			}
		case strings.HasSuffix(line, ":") && !strings.Contains(strings.TrimSuffix(line, ":"), " "):
			switch line {
			case "MD5Sum:":
				state = stateMD5
			case "SHA1:":
				state = stateSHA1
			case "SHA256:":
				state = stateSHA256
			case "SHA512:":
				state = stateSHA512
			default:
				return nil, fmt.Errorf("release: unrecognized checksum section %q", line)
			}
		case strings.Contains(line, ":"):
			if state == statePgpMessage || state == statePgpSignature {
				continue
			}
			state = stateNone
			k, v, _ := strings.Cut(line, ":")
			release.Header[k] = strings.TrimSpace(v)
		default:
			// blank lines and armor payload
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return release, nil
}

func hashState(s parseState) (ChecksumKind, bool) {
	switch s {
	case stateMD5:
		return MD5, true
	case stateSHA1:
		return SHA1, true
	case stateSHA256:
		return SHA256, true
	case stateSHA512:
		return SHA512, true
	}
	return 0, false
}

// parseFileLine merges one "<hex> <size> <path>" line into the file table.
// Later sections accumulate onto entries created by earlier ones.
func parseFileLine(files map[string]*FileEntry, line string, kind ChecksumKind) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("release: failed to parse line %q", line)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("release: failed to parse line %q: %w", line, err)
	}

	sum, err := ParseChecksum(fields[0])
	if err != nil {
		return fmt.Errorf("release: failed to parse line %q: %w", line, err)
	}
	if sum.Kind != kind {
		return fmt.Errorf("release: digest length does not match section on line %q", line)
	}

	path := fields[2]

	entry, ok := files[path]
	if !ok {
		entry = &FileEntry{Size: size}
		files[path] = entry
	}
	entry.set(sum)

	return nil
}

// Selection describes which slices of a suite the user asked to mirror. It
// drives the post-parse content filter applied to the manifest file table.
type Selection struct {
	Components             []string
	Architectures          []string
	InstallerArchitectures []string
	Source                 bool
	Packages               bool
	Udeb                   bool
	Flat                   bool
}

// ReleaseEntry pairs a manifest path with its file entry.
type ReleaseEntry struct {
	Path  string
	Entry *FileEntry
}

// FilteredFiles applies the selection to the manifest and returns the kept
// entries in ascending path order.
//
// Hierarchical suites keep a file when its first path element is a requested
// component, every intermediate directory is whitelisted for the selection,
// and its name matches one of the known index/metadata prefixes. Flat suites
// keep any root-level file matching the prefix set.
func (r *Release) FilteredFiles(sel Selection) []ReleaseEntry {
	prefixes := []string{
		"Release",
		"Packages",
		"Sources",
		"Contents-",
		"Translation",
		"Index",
		"MD5SUMS",
		"SHA256SUMS",
		"SHA512SUMS",
	}

	dirs := map[string]bool{
		"dep11":            true,
		"i18n":             true,
		"binary-all":       true,
		"cnf":              true,
		"Contents-all.diff": true,
		"Packages.diff":    true,
	}
	for _, arch := range sel.Architectures {
		dirs["binary-"+arch] = true
		dirs["Contents-"+arch+".diff"] = true
	}
	if sel.Source {
		dirs["source"] = true
	}
	if sel.Udeb {
		dirs["debian-installer"] = true
	}
	for _, arch := range sel.InstallerArchitectures {
		dirs["installer-"+arch] = true
	}

	var kept []ReleaseEntry

	for path, entry := range r.Files {
		if r.keep(path, sel, prefixes, dirs) {
			kept = append(kept, ReleaseEntry{Path: path, Entry: entry})
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })

	return kept
}

func (r *Release) keep(path string, sel Selection, prefixes []string, dirs map[string]bool) bool {
	parts := strings.Split(path, "/")

	if sel.Flat {
		return len(parts) == 1 && matchesPrefix(parts[0], prefixes)
	}

	if len(parts) < 2 {
		return false
	}

	component := parts[0]
	found := false
	for _, c := range sel.Components {
		if c == component {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	for i, part := range parts[1:] {
		last := i == len(parts)-2
		if last {
			return matchesPrefix(part, prefixes)
		}
		if !dirs[part] {
			return false
		}
		// installer image trees nest arbitrarily (current/images/...); the
		// final prefix check is the only gate below the arch directory
		if strings.HasPrefix(part, "installer-") {
			return matchesPrefix(parts[len(parts)-1], prefixes)
		}
	}

	return false
}

func matchesPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// StripUnchanged removes entries whose strongest digest is identical in the
// previously committed manifest and whose primary file is already on disk
// under rootDir. It returns the number of entries removed. This lets a rerun
// against a changed manifest skip re-queueing content the tree already
// holds.
func (r *Release) StripUnchanged(old *Release, rootDir string, byHash bool) int {
	if old == nil {
		return 0
	}

	removed := 0

	for path, entry := range r.Files {
		oldEntry, ok := old.Files[path]
		if !ok {
			continue
		}

		newest := entry.StrongestHash()
		previous := oldEntry.StrongestHash()
		if newest.IsZero() || !newest.Equal(previous) {
			continue
		}

		primary, _ := entry.DownloadPaths(Join(rootDir, path), byHash)
		if !Exists(primary) {
			continue
		}

		delete(r.Files, path)
		removed++
	}

	return removed
}
