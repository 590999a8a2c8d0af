package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/verdantlabs/green/internal"
	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/wrap"
)

// Represents the operational command tree; the rustc-wrapper path never
// reaches it.
var RootCmd struct {
	Ver     kong.VersionFlag `name:"version" short:"V" help:"Show version and quit."`
	Env     EnvCmd           `cmd:"" help:"Show the resolved configuration values."`
	Fetch   FetchCmd         `cmd:"" help:"Pre-fetch every locked crate tarball into the build cache."`
	Pull    PullCmd          `cmd:"" help:"Pull the syntax, base, and builder images (respects $DOCKER_HOST)."`
	Push    PushCmd          `cmd:"" help:"Push every tag of each cache image."`
	Version VersionCmd       `cmd:"" help:"Show version information."`
}

// Dispatches the invocation and returns the process exit code.
//
// Matching order: a compiled build script (single bare argv or the
// reentry env), then a rustc argv (wrapped, or passed through for
// driver and query forms), then the kong subcommands.
func Execute(ctx context.Context) int {
	args := os.Args[1:]

	switch kind, program, rest := classify(args, os.Getenv(config.EnvExecuteBuildrs)); kind {
	case invokeBuildScript:
		return execBuildScript(ctx, program)
	case invokeWrap:
		return wrapRustc(ctx, rest[0], args)
	case invokePassthrough:
		return passthrough(ctx, program, rest)
	}

	kongCtx := kong.Parse(&RootCmd,
		kong.Name("green"),
		kong.Description("Turns rustc calls into cached container builds.\n\nInstall as cargo's RUSTC_WRAPPER."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := kongCtx.Run(); err != nil {
		slog.Error(err.Error())
		return 1
	}
	return 0
}

// How one invocation should be handled.
type invocationKind int

const (
	invokeSubcommand invocationKind = iota
	invokeWrap
	invokePassthrough
	invokeBuildScript
)

// Matches the argv against the shapes cargo produces.
//
// Returns the program to run (build-script exe or passthrough binary)
// and the remaining arguments; for the wrap path, rest[0] is the crate
// name.
func classify(args []string, executeBuildrs string) (kind invocationKind, program string, rest []string) {
	// A rewritten build-script main re-enters with the exe in the env.
	if executeBuildrs != "" && len(args) == 0 {
		return invokeBuildScript, executeBuildrs, nil
	}
	if len(args) == 1 && strings.HasSuffix(args[0], "build-script-build") {
		return invokeBuildScript, args[0], nil
	}

	switch {
	case len(args) >= 3 && endsInRustc(args[0]) && args[1] == "--crate-name":
		return invokeWrap, args[0], args[2:]
	case len(args) >= 3 && endsInRustc(args[1]) && (args[2] == "-" || args[2] == "--crate-name"):
		// Driver invocations (e.g. clippy-driver) pass through whole.
		return invokePassthrough, args[0], args[2:]
	case len(args) >= 2 && endsInRustc(args[1]):
		return invokePassthrough, args[1], args[2:]
	case len(args) >= 1 && endsInRustc(args[0]):
		// Query forms like `rustc --print=cfg -` run natively.
		return invokePassthrough, args[0], args[1:]
	}
	return invokeSubcommand, "", args
}

func endsInRustc(s string) bool {
	return strings.HasSuffix(s, "rustc")
}

// Guards against the wrapper recursively invoking itself.
func guardReentry() {
	if os.Getenv(config.EnvSentinel) != "" {
		panic("It's turtles all the way down!")
	}
	os.Setenv(config.EnvSentinel, "1")
}

// The parse-and-translate path.
//
// args starts at the rustc path; the parser expects the wrapper's own
// argv0 ahead of it, completing the leading program pair.
func wrapRustc(ctx context.Context, crateName string, args []string) int {
	guardReentry()

	g, err := config.FromEnv(ctx)
	if err != nil {
		slog.Error(err.Error())
		return 1
	}
	lockImages(ctx, g)

	if g.Runner != config.RunnerNone {
		if err := wrap.PrebuildBase(ctx, g); err != nil {
			slog.Warn("base prebuild failed", "error", err)
		}
	}

	argv := append([]string{os.Args[0]}, args...)
	code, err := wrap.Rustc(ctx, g, crateName, argv, nativeRustc(args[0], args[1:]))
	if err != nil {
		slog.Error(err.Error())
		fmt.Fprintln(os.Stderr, "green:", err)
		return 1
	}
	return code
}

// The build-script execution path.
func execBuildScript(ctx context.Context, exe string) int {
	guardReentry()

	g, err := config.FromEnv(ctx)
	if err != nil {
		slog.Error(err.Error())
		return 1
	}
	lockImages(ctx, g)

	code, err := wrap.ExecBuildScript(ctx, g, exe, nativeExec(exe))
	if err != nil {
		slog.Error(err.Error())
		fmt.Fprintln(os.Stderr, "green:", err)
		return 1
	}
	return code
}

// Runs the given program with inherited stdio, mirroring its exit code.
func passthrough(ctx context.Context, program string, args []string) int {
	code, err := runInherited(ctx, program, args, nil)
	if err != nil {
		slog.Error(err.Error())
		fmt.Fprintln(os.Stderr, "green:", err)
		return 1
	}
	return code
}

// The fallback invoking the host rustc with the original argv.
func nativeRustc(rustc string, args []string) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		return runInherited(ctx, rustc, args, nil)
	}
}

// The fallback executing a build-script binary natively, with the
// reentry guard set so the rewritten main runs the real work.
func nativeExec(exe string) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		return runInherited(ctx, exe, nil, []string{config.EnvExecuteBuildrs + "=" + exe})
	}
}

func runInherited(ctx context.Context, program string, args, extraEnv []string) (int, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("spawning %s: %w", program, err)
	}
	return 0, nil
}
