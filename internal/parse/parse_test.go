package parse

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	home = "/home/maison"
	pwd  = home + "/work/project.git"
)

// Substitutes $PWD and $HOME placeholders in a fixture argument.
func arg(s string) string {
	s = strings.ReplaceAll(s, "$PWD", pwd)
	return strings.ReplaceAll(s, "$HOME", home)
}

func args(xs ...string) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = arg(x)
	}
	return out
}

func TestParseFinalBinary(t *testing.T) {
	argv := args(
		"$PWD/./dbg/debug/green",
		"$HOME/.rustup/toolchains/stable-x86_64-unknown-linux-gnu/bin/rustc",
		"--crate-name", "green",
		"--edition=2021",
		"src/main.rs",
		"--error-format=json",
		"--json=diagnostic-rendered-ansi,artifacts,future-incompat",
		"--crate-type", "bin",
		"--emit=dep-info,link",
		"-C", "embed-bitcode=no",
		"-C", "debuginfo=2",
		"-C", "metadata=710b4516f388a5e4",
		"-C", "extra-filename=-710b4516f388a5e4",
		"--out-dir", "$PWD/target/debug/deps",
		"-C", "linker=/usr/bin/clang",
		"-C", "incremental=$PWD/target/debug/incremental",
		"-L", "dependency=$PWD/target/debug/deps",
		"--extern", "anyhow=$PWD/target/debug/deps/libanyhow-f96497119bad6f50.rlib",
		"--extern", "log=$PWD/target/debug/deps/liblog-27d1dc50ab631e5f.rlib",
		"-C", "link-arg=-fuse-ld=/usr/local/bin/mold",
	)

	st, norm, err := Parse(pwd, argv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Args{
		CrateType: "bin",
		Emit:      "dep-info,link",
		Externs: []string{
			"libanyhow-f96497119bad6f50.rlib",
			"liblog-27d1dc50ab631e5f.rlib",
		},
		MdID:        "710b4516f388a5e4",
		Incremental: arg("$PWD/target/debug/incremental"),
		Input:       "src/main.rs",
		OutDir:      arg("$PWD/target/debug/deps"),
		TargetPath:  arg("$PWD/target/debug"),
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}

	wantNorm := args(
		"$PWD/./dbg/debug/green",
		"$HOME/.rustup/toolchains/stable-x86_64-unknown-linux-gnu/bin/rustc",
		"--crate-name", "green",
		"--edition", "2021",
		"--error-format", "json",
		"--json", "diagnostic-rendered-ansi,artifacts,future-incompat",
		"--crate-type", "bin",
		"--emit", "dep-info,link",
		"-C", "embed-bitcode=no",
		"-C", "debuginfo=2",
		"-C", "metadata=710b4516f388a5e4",
		"-C", "extra-filename=-710b4516f388a5e4",
		"--out-dir", "$PWD/target/debug/deps",
		"-C", "incremental=$PWD/target/debug/incremental",
		"-L", "dependency=$PWD/target/debug/deps",
		"--extern", "anyhow=$PWD/target/debug/deps/libanyhow-f96497119bad6f50.rlib",
		"--extern", "log=$PWD/target/debug/deps/liblog-27d1dc50ab631e5f.rlib",
	)
	if diff := cmp.Diff(wantNorm, norm); diff != "" {
		t.Errorf("normalized argv mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTestBinary(t *testing.T) {
	argv := args(
		"green",
		"$HOME/.rustup/toolchains/stable-x86_64-unknown-linux-gnu/bin/rustc",
		"--crate-name", "green",
		"--edition=2021",
		"src/main.rs",
		"--emit=dep-info,link",
		"--test",
		"-C", "metadata=7c7a0950383d41d3",
		"--out-dir", "$PWD/target/debug/deps",
		"-L", "dependency=$PWD/target/debug/deps",
	)

	st, norm, err := Parse(pwd, argv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.CrateType != "test" {
		t.Errorf("CrateType = %q, want test", st.CrateType)
	}

	// --test is a pseudo crate type but stays in the argv.
	found := false
	for _, a := range norm {
		if a == "--test" {
			found = true
		}
	}
	if !found {
		t.Error("--test dropped from normalized argv")
	}
}

func TestParseBuildScriptCompilation(t *testing.T) {
	argv := args(
		"green",
		"$HOME/.rustup/toolchains/stable-x86_64-unknown-linux-gnu/bin/rustc",
		"--crate-name", "build_script_build",
		"--edition=2021",
		"$HOME/.cargo/registry/src/index.crates.io-6f17d22bba15001f/rustix-0.38.20/./build.rs",
		"--crate-type", "bin",
		"--emit=dep-info,link",
		"-C", "metadata=c7101a3d6c8e4dce",
		"--out-dir", "$PWD/target/debug/build/rustix-c7101a3d6c8e4dce",
		"-L", "dependency=$PWD/target/debug/deps",
		"--cap-lints", "warn",
	)

	st, _, err := Parse(pwd, argv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// /./ segments are collapsed.
	if want := arg("$HOME/.cargo/registry/src/index.crates.io-6f17d22bba15001f/rustix-0.38.20/build.rs"); st.Input != want {
		t.Errorf("Input = %q, want %q", st.Input, want)
	}
	if want := arg("$PWD/target/debug"); st.TargetPath != want {
		t.Errorf("TargetPath = %q, want %q", st.TargetPath, want)
	}
}

func TestParseSysrootExternsKeptInArgv(t *testing.T) {
	argv := args(
		"green",
		"rustc",
		"--crate-name", "time_macros",
		"src/lib.rs",
		"--crate-type", "proc-macro",
		"--emit=dep-info,link",
		"-C", "metadata=89438a15ab938e2f",
		"--out-dir", "/tmp/build/release/deps",
		"--extern", "time_core=/tmp/build/release/deps/libtime_core-c880e75c55528c08.rlib",
		"--extern", "proc_macro",
	)

	st, norm, err := Parse(pwd, argv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"libtime_core-c880e75c55528c08.rlib"}, st.Externs); diff != "" {
		t.Errorf("Externs mismatch (-want +got):\n%s", diff)
	}
	kept := false
	for i, a := range norm {
		if a == "--extern" && i+1 < len(norm) && norm[i+1] == "proc_macro" {
			kept = true
		}
	}
	if !kept {
		t.Error("sysroot extern proc_macro dropped from argv")
	}
}

func TestParseBuildScriptExecution(t *testing.T) {
	exe := arg("$PWD/target/debug/build/slab-b0340a0384800aca/build-script-build")
	outDir := arg("$PWD/target/debug/build/slab-94793bb2b78c57b5/out")

	st, norm, err := Parse(pwd, []string{exe}, outDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Input != exe {
		t.Errorf("Input = %q, want %q", st.Input, exe)
	}
	// The metadata id comes from $OUT_DIR's build directory, not the exe.
	if st.MdID != "94793bb2b78c57b5" {
		t.Errorf("MdID = %q, want 94793bb2b78c57b5", st.MdID)
	}
	if want := arg("$PWD/target/debug"); st.TargetPath != want {
		t.Errorf("TargetPath = %q, want %q", st.TargetPath, want)
	}
	if len(norm) != 0 {
		t.Errorf("normalized argv = %q, want empty", norm)
	}
}

func TestParseRelativeOutDirAbsolutized(t *testing.T) {
	argv := []string{
		"green", "rustc",
		"--crate-name", "x",
		"src/lib.rs",
		"--crate-type", "lib",
		"-C", "metadata=0123456789abcdef",
		"--out-dir", "target/debug/deps",
	}
	st, _, err := Parse(pwd, argv, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := pwd + "/target/debug/deps"; st.OutDir != want {
		t.Errorf("OutDir = %q, want %q", st.OutDir, want)
	}
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		outDir  string
		wantErr error
	}{
		{
			name: "unknown crate type",
			argv: []string{
				"green", "rustc", "--crate-name", "x", "src/lib.rs",
				"--crate-type", "wasm",
				"-C", "metadata=0123456789abcdef",
				"--out-dir", "/t/debug/deps",
			},
			wantErr: ErrUnhandledCrateType,
		},
		{
			name: "missing metadata",
			argv: []string{
				"green", "rustc", "--crate-name", "x", "src/lib.rs",
				"--crate-type", "lib",
				"--out-dir", "/t/debug/deps",
			},
			wantErr: ErrMissingMetadata,
		},
		{
			name: "underivable target path",
			argv: []string{
				"green", "rustc", "--crate-name", "x", "src/lib.rs",
				"--crate-type", "lib",
				"-C", "metadata=0123456789abcdef",
				"--out-dir", "/somewhere/else",
			},
			wantErr: ErrMissingOutDir,
		},
		{
			name:    "build script with surprising OUT_DIR",
			argv:    []string{"/t/debug/build/slab-b0340a0384800aca/build-script-build"},
			outDir:  "/t/debug/somewhere",
			wantErr: ErrMalformedBuildScriptPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(pwd, tt.argv, tt.outDir)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOutDirToTargetPath(t *testing.T) {
	for _, outDir := range []string{
		"/t/p/build/rustix-2a01a00f5bdd1924",
		"/t/p/build/slab-3e929764daead7d0/out",
		"/t/p/deps",
	} {
		tp, ok := outDirToTargetPath(outDir)
		if !ok || tp != "/t/p" {
			t.Errorf("outDirToTargetPath(%q) = %q, %v, want /t/p, true", outDir, tp, ok)
		}
	}

	if _, ok := outDirToTargetPath("/unrelated"); ok {
		t.Error("unrelated path derived a target path")
	}
}
