package mirror

import (
	"fmt"
)

// Result is the user-visible outcome of running one command against one
// target.
type Result interface {
	fmt.Stringer
	// Err returns the failure, or nil for any of the success outcomes.
	Err() error
}

// NewRelease reports a successful mirror run that brought content in.
type NewRelease struct {
	TotalBytes   uint64
	NumPackages  uint64
}

func (r NewRelease) String() string {
	return fmt.Sprintf("Ok: %s downloaded, %d packages/source files", humanBytes(r.TotalBytes), r.NumPackages)
}
func (NewRelease) Err() error { return nil }

// ReleaseUnchanged reports the upstream manifest matched the committed one
// byte for byte; nothing was done.
type ReleaseUnchanged struct{}

func (ReleaseUnchanged) String() string { return "Ok: release unchanged" }
func (ReleaseUnchanged) Err() error     { return nil }

// ReleaseUnchangedButIncomplete reports a matching manifest whose local
// tree was missing files; the holes were re-fetched.
type ReleaseUnchangedButIncomplete struct {
	TotalBytes uint64
}

func (r ReleaseUnchangedButIncomplete) String() string {
	return fmt.Sprintf("Ok: release unchanged, but local copy was incomplete; %s fetched", humanBytes(r.TotalBytes))
}
func (ReleaseUnchangedButIncomplete) Err() error { return nil }

// IrrelevantChanges reports a new manifest whose changes fall entirely
// outside the configured selection.
type IrrelevantChanges struct{}

func (IrrelevantChanges) String() string {
	return "Ok: new release, but changes do not apply to configured selections"
}
func (IrrelevantChanges) Err() error { return nil }

// Failure wraps the error that ended a run.
type Failure struct {
	Inner error
}

func (f Failure) String() string { return "Fail: " + f.Inner.Error() }
func (f Failure) Err() error     { return f.Inner }

// VerifyDone summarizes a verification walk.
type VerifyDone struct {
	Valid   uint64
	Corrupt uint64
	Missing uint64
}

func (r VerifyDone) String() string {
	return fmt.Sprintf("Ok: %d valid, %d corrupt, %d missing", r.Valid, r.Corrupt, r.Missing)
}
func (VerifyDone) Err() error { return nil }

// PruneDone summarizes a prune walk.
type PruneDone struct {
	Files uint64
	Bytes uint64
}

func (r PruneDone) String() string {
	return fmt.Sprintf("Ok: pruned %d files, total: %s", r.Files, humanBytes(r.Bytes))
}
func (PruneDone) Err() error { return nil }

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
