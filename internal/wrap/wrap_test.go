package wrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/verdantlabs/green/internal/base"
	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/image"
)

func TestSafeify(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "bare word", input: "release", want: "release"},
		{name: "path", input: "/tmp/target/debug/deps", want: "/tmp/target/debug/deps"},
		{name: "spaces", input: "The Rust Project Developers", want: "'The Rust Project Developers'"},
		{name: "dollar", input: "$VAR=val", want: "'$VAR=val'"},
		{name: "single quote", input: "it's", want: `'it'\''s'`},
		{name: "newline", input: "a\nb", want: "'a\\\nb'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := safeify(tt.input); got != tt.want {
				t.Errorf("safeify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPassEnv(t *testing.T) {
	tests := []struct {
		name        string
		passthrough bool
		skip        bool
		buildrsOnly bool
	}{
		{name: "CARGO_PKG_NAME", passthrough: true},
		{name: "CARGO_TARGET_DIR", passthrough: true, skip: true},
		{name: "CARGO_HOME", passthrough: true, skip: true},
		{name: "RUSTFLAGS", passthrough: true},
		{name: "OUT_DIR", passthrough: true, buildrsOnly: true},
		{name: "DEP_OPENSSL_INCLUDE", buildrsOnly: true},
		{name: "NUM_JOBS", buildrsOnly: true},
		{name: "LD_LIBRARY_PATH", skip: true},
		{name: "RUSTC_WRAPPER", skip: true, buildrsOnly: true},
		{name: "PATH"},
		{name: "http_proxy", passthrough: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pass, skip, only := passEnv(tt.name)
			if pass != tt.passthrough || skip != tt.skip || only != tt.buildrsOnly {
				t.Errorf("passEnv(%q) = %v, %v, %v; want %v, %v, %v",
					tt.name, pass, skip, only, tt.passthrough, tt.skip, tt.buildrsOnly)
			}
		})
	}
}

func TestForwardEnv(t *testing.T) {
	if _, ok := forwardEnv("CARGO_TARGET_DIR", "/t", false); ok {
		t.Error("CARGO_TARGET_DIR forwarded")
	}
	if _, ok := forwardEnv("TERM", "xterm", false); ok {
		t.Error("TERM forwarded")
	}
	if _, ok := forwardEnv("NUM_JOBS", "8", false); ok {
		t.Error("buildrs-only var forwarded to a regular crate")
	}
	if v, ok := forwardEnv("NUM_JOBS", "8", true); !ok || v != "8" {
		t.Errorf("NUM_JOBS for buildrs = %q, %v", v, ok)
	}
	if v, ok := forwardEnv("RUSTC", "/home/x/.rustup/bin/rustc", true); !ok || v != "rustc" {
		t.Errorf("RUSTC = %q, %v; want rustc", v, ok)
	}

	dir := "/home/x/.cargo/registry/src/index.crates.io-6f17d22bba15001f/slab-0.4.9"
	v, ok := forwardEnv("CARGO_MANIFEST_DIR", dir, false)
	if !ok || v != "/home/x/.cargo/registry/src/index.crates.io-0000000000000000/slab-0.4.9" {
		t.Errorf("CARGO_MANIFEST_DIR = %q, %v", v, ok)
	}
}

func TestForwardEnvDeterministic(t *testing.T) {
	// Forwarding is a pure function of the name and value; permuting
	// the environment cannot change the outcome set.
	names := []string{"CARGO_PKG_NAME", "RUSTFLAGS", "PATH", "NUM_JOBS", "TERM"}
	got := map[string]bool{}
	for _, n := range names {
		_, ok := forwardEnv(n, "v", false)
		got[n] = ok
	}
	for i := len(names) - 1; i >= 0; i-- {
		_, ok := forwardEnv(names[i], "v", false)
		if got[names[i]] != ok {
			t.Errorf("forwardEnv(%q) unstable", names[i])
		}
	}
}

func TestRewriteCratesioIndex(t *testing.T) {
	in := "/h/.cargo/registry/src/index.crates.io-6f17d22bba15001f/rustix-0.38.20/build.rs"
	want := "/h/.cargo/registry/src/index.crates.io-0000000000000000/rustix-0.38.20/build.rs"
	if got := rewriteCratesioIndex(in); got != want {
		t.Errorf("rewriteCratesioIndex = %q, want %q", got, want)
	}

	// Already-placeholder paths are untouched.
	if got := rewriteCratesioIndex(want); got != want {
		t.Errorf("placeholder rewritten: %q", got)
	}
}

func TestFromCratesioInputPath(t *testing.T) {
	cargoHome := "/home/x/.cargo"
	tests := []struct {
		input   string
		name    string
		version string
	}{
		{
			input:   cargoHome + "/registry/src/index.crates.io-6f17d22bba15001f/rustix-0.38.20/build.rs",
			name:    "rustix",
			version: "0.38.20",
		},
		{
			input:   cargoHome + "/registry/src/index.crates.io-6f17d22bba15001f/time-macros-0.2.14/src/lib.rs",
			name:    "time-macros",
			version: "0.2.14",
		},
		{
			input:   cargoHome + "/registry/src/index.crates.io-6f17d22bba15001f/sha-1-0.10.0/src/lib.rs",
			name:    "sha-1",
			version: "0.10.0",
		},
	}

	for _, tt := range tests {
		name, version, index, err := fromCratesioInputPath(cargoHome, tt.input)
		if err != nil {
			t.Errorf("fromCratesioInputPath(%q): %v", tt.input, err)
			continue
		}
		if name != tt.name || version != tt.version {
			t.Errorf("parsed %q as %s-%s, want %s-%s", tt.input, name, version, tt.name, tt.version)
		}
		if index != "index.crates.io-6f17d22bba15001f" {
			t.Errorf("index = %q", index)
		}
	}
}

func TestBuildScriptExe(t *testing.T) {
	id, targetPath, err := buildScriptExe("/w/target/debug/build/lock_api-a60f4042e32867e8/build-script-build")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "a60f4042e32867e8" {
		t.Errorf("id = %q", id)
	}
	if targetPath != "/w/target/debug" {
		t.Errorf("targetPath = %q", targetPath)
	}

	if _, _, err := buildScriptExe("/w/nodash/build-script-build"); err == nil {
		t.Error("malformed exe accepted")
	}
}

func TestOutDirMdID(t *testing.T) {
	id, err := outDirMdID("/w/target/debug/build/slab-94793bb2b78c57b5/out")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "94793bb2b78c57b5" {
		t.Errorf("id = %q", id)
	}
}

func TestSourceMounts(t *testing.T) {
	script := `FROM rust-base AS dep-x-slab-0.4.9-94793bb2b78c57b5
SHELL ["/bin/sh", "-eux", "-c"]
WORKDIR /w/target/debug/build/slab-94793bb2b78c57b5
RUN \
  --mount=from=cratesio-slab-0.4.9,source=/slab-0.4.9,dst=/h/.cargo/registry/src/index.crates.io-0000000000000000/slab-0.4.9 \
  --mount=from=out-aaaaaaaaaaaaaaaa,source=/libx-aaaaaaaaaaaaaaaa.rlib,dst=/w/target/debug/deps/libx-aaaaaaaaaaaaaaaa.rlib \
    env CARGO="$(which cargo)" \
      rustc --crate-name build_script_build`

	mounts := sourceMounts(script)
	if len(mounts) != 1 {
		t.Fatalf("mounts = %q, want only the source mount", mounts)
	}
	if !strings.Contains(mounts[0], "from=cratesio-slab-0.4.9") {
		t.Errorf("wrong mount kept: %q", mounts[0])
	}
}

func TestRewriteMain(t *testing.T) {
	step := rewriteMain("94793bb2b78c57b5", "/src/build.rs")
	for _, want := range []string{
		"fn +main/",
		"actual_94793bb2b78c57b5_main",
		config.EnvExecuteBuildrs,
		"Command::new(\"green\")",
	} {
		if !strings.Contains(step, want) {
			t.Errorf("rewrite step lacks %q:\n%s", want, step)
		}
	}
}

func TestNormalizeWrites(t *testing.T) {
	dir := t.TempDir()
	stem := "primeorder-06397107ab8300fa"
	for _, f := range []string{"lib" + stem + ".rmeta", "lib" + stem + ".rlib"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// Only the rmeta was observed; the rlib exists on disk.
	writes := []string{
		filepath.Join(dir, stem+".d"),
		filepath.Join(dir, "lib"+stem+".rmeta"),
	}
	got := normalizeWrites(writes, dir)
	want := []string{
		filepath.Join(dir, stem+".d"),
		filepath.Join(dir, "lib"+stem+".rmeta"),
		filepath.Join(dir, "lib"+stem+".rlib"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeWritesOrdering(t *testing.T) {
	// Out-of-order observations come back as .d, .rmeta, .rlib.
	writes := []string{
		"/t/deps/libx-0000000000000000.rlib",
		"/t/deps/x-0000000000000000.d",
		"/t/deps/libx-0000000000000000.rmeta",
	}
	got := normalizeWrites(writes, "/t/deps")
	want := []string{
		"/t/deps/x-0000000000000000.d",
		"/t/deps/libx-0000000000000000.rmeta",
		"/t/deps/libx-0000000000000000.rlib",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestScrubReproduction(t *testing.T) {
	call := "docker build --network=default --platform=local --pull=false --target=out-0123456789abcdef --output=type=local,dest=/out --build-context=cwd-0123456789abcdef=/work -"
	got := scrubReproduction(call)
	for _, dropped := range []string{"--target=", "--platform=local", "--pull=false", "--network=default", "--output="} {
		if strings.Contains(got, dropped) {
			t.Errorf("scrub kept %q: %s", dropped, got)
		}
	}
	if !strings.Contains(got, "--build-context=cwd-0123456789abcdef=/work") {
		t.Errorf("scrub dropped the build context: %s", got)
	}
}

func TestKindLetter(t *testing.T) {
	if got := kindLetter("bin", false); got != "b" {
		t.Errorf("bin = %q", got)
	}
	if got := kindLetter("proc-macro", false); got != "p" {
		t.Errorf("proc-macro = %q", got)
	}
	if got := kindLetter("bin", true); got != "x" {
		t.Errorf("buildrs = %q", got)
	}
}

func TestExtFor(t *testing.T) {
	tests := []struct {
		crateType string
		emit      string
		want      string
		wantErr   bool
	}{
		{crateType: "lib", emit: "dep-info,metadata,link", want: "rmeta"},
		{crateType: "bin", emit: "dep-info,link", want: "rlib"},
		{crateType: "rlib", emit: "dep-info,link", want: "rlib"},
		{crateType: "proc-macro", emit: "dep-info,link", want: "rlib"},
		{crateType: "bin", emit: "dep-info,metadata", want: "rmeta"},
		{crateType: "cdylib", wantErr: true},
	}
	for _, tt := range tests {
		got, err := extFor(tt.crateType, tt.emit)
		if tt.wantErr {
			if err == nil {
				t.Errorf("extFor(%q) accepted", tt.crateType)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("extFor(%q, %q) = %q, %v; want %q", tt.crateType, tt.emit, got, err, tt.want)
		}
	}
}

func TestValidExtern(t *testing.T) {
	for _, ok := range []string{
		"libstrsim-8ed1051e7e58e636.rlib",
		"liblibc-c53783e3f8edcfe4.rmeta",
		"libclap_derive-fcea659dae5440c4.so",
	} {
		if err := validExtern(ok); err != nil {
			t.Errorf("validExtern(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{
		"strsim-8ed1051e7e58e636.rlib",
		"libstrsim-8ed1051e7e58e636.a",
		"libstrsim-8ed1051e7e58e636.dylib",
	} {
		if err := validExtern(bad); err == nil {
			t.Errorf("validExtern(%q) accepted", bad)
		}
	}
}

func TestShortExterns(t *testing.T) {
	got := shortExterns([]string{"libstrsim-8ed1051e7e58e636.rlib", "liblibc-c53783e3f8edcfe4.rmeta"})
	want := []string{"libc-c53783e3f8edcfe4", "strsim-8ed1051e7e58e636"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("shorts mismatch (-want +got):\n%s", diff)
	}
}

func TestLockfile(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "member", "src")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := `version = 3

[[package]]
name = "serde"
version = "1.0.197"
source = "registry+https://github.com/rust-lang/crates.io-index"
checksum = "3fb1c873e1b9b056a4dc4c0c198b24c3ffa059243875552b2bd0933b1aee4ce2"

[[package]]
name = "member"
version = "0.1.0"
`
	if err := os.WriteFile(filepath.Join(dir, "Cargo.lock"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}

	found, err := findLockfile(nested)
	if err != nil {
		t.Fatalf("findLockfile: %v", err)
	}
	if found != filepath.Join(dir, "Cargo.lock") {
		t.Errorf("found = %q", found)
	}

	sum, ok := lockedChecksum(found, "serde", "1.0.197")
	if !ok || sum != "3fb1c873e1b9b056a4dc4c0c198b24c3ffa059243875552b2bd0933b1aee4ce2" {
		t.Errorf("checksum = %q, %v", sum, ok)
	}
	if _, ok := lockedChecksum(found, "member", "0.1.0"); ok {
		t.Error("workspace member has a checksum")
	}
}

func TestFetchDockerfileChunks(t *testing.T) {
	g := &config.Green{
		Syntax: mustURI(t, config.DefaultSyntax),
		Image:  base.BaseImage{WithNetwork: base.NetworkNone},
	}

	pkgs := make([]lockedPackage, 0, 130)
	for i := 0; i < 130; i++ {
		pkgs = append(pkgs, lockedPackage{
			Name:     "crate" + string(rune('a'+i%26)),
			Version:  "1.0.0",
			Checksum: strings.Repeat("ab", 32),
		})
	}

	out := fetchDockerfile(g, pkgs)

	// 130 crates at 127 per ADD stage: two leaves plus the merge stage.
	if !strings.Contains(out, "FROM scratch AS cargo-fetch-0\n") ||
		!strings.Contains(out, "FROM scratch AS cargo-fetch-1\n") {
		t.Errorf("chunk stages missing:\n%s", out)
	}
	if strings.Contains(out, "cargo-fetch-2\n") {
		t.Errorf("unexpected third chunk:\n%s", out)
	}
	if !strings.Contains(out, "FROM scratch AS cargo-fetch\n") ||
		!strings.Contains(out, "COPY --from=cargo-fetch-0 / /\n") ||
		!strings.Contains(out, "COPY --from=cargo-fetch-1 / /\n") {
		t.Errorf("merge stage incomplete:\n%s", out)
	}
	if got := strings.Count(out, "ADD --chmod=0664"); got != 130 {
		t.Errorf("ADD steps = %d, want 130", got)
	}
	if !strings.HasPrefix(out, "# syntax=docker.io/docker/dockerfile:1\n") {
		t.Errorf("syntax header missing:\n%s", out)
	}
}

func TestWriteRunBlockShape(t *testing.T) {
	g := &config.Green{}
	var b strings.Builder
	writeRunBlock(&b, g, image.OutputStage("0123456789abcdef"), "/t/deps", "rustc --crate-name x src/lib.rs", false, "0123456789abcdef")
	out := b.String()

	for _, want := range []string{
		`env CARGO="$(which cargo)"`,
		"CARGOGREEN=1",
		"1>          /t/deps/out-0123456789abcdef-stdout",
		"2>          /t/deps/out-0123456789abcdef-stderr",
		"|| echo $? >/t/deps/out-0123456789abcdef-errcode",
		"find /t/deps/*-0123456789abcdef* -print0 | xargs -0 touch --no-dereference",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("run block lacks %q:\n%s", want, out)
		}
	}
}

func mustURI(t *testing.T, s string) image.URI {
	t.Helper()
	uri, err := image.ParseURI(s)
	if err != nil {
		t.Fatal(err)
	}
	return uri
}
