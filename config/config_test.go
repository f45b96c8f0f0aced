package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseLineBracketedOptions(t *testing.T) {
	target, err := ParseLine("deb [ arch=amd64,arm64 udeb=true ] http://example/ bookworm main contrib")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if !reflect.DeepEqual(target.Architectures, []string{"amd64", "arm64"}) {
		t.Errorf("arch = %v", target.Architectures)
	}
	if !target.Udeb {
		t.Errorf("udeb not set")
	}
	if !reflect.DeepEqual(target.Components, []string{"main", "contrib"}) {
		t.Errorf("components = %v", target.Components)
	}
	if !target.Packages || target.Source {
		t.Errorf("deb line should set packages only: packages=%v source=%v", target.Packages, target.Source)
	}
	if target.URL != "http://example" {
		t.Errorf("trailing slash should strip: %s", target.URL)
	}
}

func TestParseLineDefaults(t *testing.T) {
	target, err := ParseLine("deb http://example/debian bookworm")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !reflect.DeepEqual(target.Components, []string{"main"}) {
		t.Errorf("default components = %v", target.Components)
	}
	if !reflect.DeepEqual(target.Architectures, []string{"amd64"}) {
		t.Errorf("default arch = %v", target.Architectures)
	}
}

func TestParseLineDebSrc(t *testing.T) {
	target, err := ParseLine("deb-src http://example/debian bookworm main")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !target.Source || target.Packages {
		t.Errorf("deb-src should set source only")
	}
}

func TestParseLinePgpOptions(t *testing.T) {
	target, err := ParseLine("deb [ pgp_pub_key=/etc/keys/debian.asc di_arch=amd64 ] http://example/debian bookworm main")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if target.PgpPubKey != "/etc/keys/debian.asc" {
		t.Errorf("pgp_pub_key = %s", target.PgpPubKey)
	}
	if !target.PgpVerify {
		t.Errorf("pgp_pub_key implies pgp_verify")
	}
	if !reflect.DeepEqual(target.InstallerArchitectures, []string{"amd64"}) {
		t.Errorf("di_arch = %v", target.InstallerArchitectures)
	}
}

func TestParseLineErrors(t *testing.T) {
	for _, bad := range []string{
		"rpm http://example/ suite main",
		"deb [ arch=amd64 http://example/ suite main",
		"deb [ arch= ] http://example/ suite main",
		"deb",
		"deb http://example/",
	} {
		if _, err := ParseLine(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestFlatSuite(t *testing.T) {
	target, err := ParseLine("deb http://example/flat / main")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !target.Flat() {
		t.Errorf("suite / should be flat")
	}
	if target.DistPart() != "" {
		t.Errorf("flat repos have no dist part, got %q", target.DistPart())
	}

	hier, _ := ParseLine("deb http://example/debian bookworm main")
	if hier.DistPart() != "dists/bookworm" {
		t.Errorf("dist part = %q", hier.DistPart())
	}
}

func TestMergeSimilarLines(t *testing.T) {
	a, _ := ParseLine("deb-src http://x/ bookworm main")
	b, _ := ParseLine("deb-src http://x/ bookworm contrib")
	c, _ := ParseLine("deb http://y/ bookworm main")

	merged := Merge([]*Target{a, b, c})

	if len(merged) != 2 {
		t.Fatalf("merged to %d targets", len(merged))
	}

	x := merged[0]
	if !reflect.DeepEqual(x.Components, []string{"contrib", "main"}) {
		t.Errorf("components = %v", x.Components)
	}
	if !x.Source || x.Packages {
		t.Errorf("merged flags wrong: source=%v packages=%v", x.Source, x.Packages)
	}
}

func TestMergeUnionsFlags(t *testing.T) {
	a, _ := ParseLine("deb http://x/ bookworm main")
	b, _ := ParseLine("deb-src [ arch=arm64 udeb=true ] http://x/ bookworm main")

	merged := Merge([]*Target{a, b})
	if len(merged) != 1 {
		t.Fatalf("merged to %d targets", len(merged))
	}

	x := merged[0]
	if !x.Source || !x.Packages || !x.Udeb {
		t.Errorf("flags did not union: %+v", x)
	}
	if !reflect.DeepEqual(x.Architectures, []string{"amd64", "arm64"}) {
		t.Errorf("arch union = %v", x.Architectures)
	}
}

func TestReadFileSkipsJunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.list")
	content := `# comment

deb http://example/debian bookworm main
this line is garbage
deb http://example/debian bookworm contrib
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	targets, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("got %d targets", len(targets))
	}
	if !reflect.DeepEqual(targets[0].Components, []string{"contrib", "main"}) {
		t.Errorf("components = %v", targets[0].Components)
	}
}
