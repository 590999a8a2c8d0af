package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/verdantlabs/green/internal/base"
	"github.com/verdantlabs/green/internal/image"
)

// Environment variables steering the wrapper.
const (
	EnvSentinel       = "CARGOGREEN"
	EnvExecuteBuildrs = "CARGOGREEN_EXECUTE_BUILDRS_"

	EnvRunner          = "CARGOGREEN_RUNNER"
	EnvSyntax          = "CARGOGREEN_SYNTAX"
	EnvBuilderImage    = "CARGOGREEN_BUILDER_IMAGE"
	EnvBuilderName     = "CARGOGREEN_BUILDER_NAME"
	EnvBaseImage       = "CARGOGREEN_BASE_IMAGE"
	EnvBaseImageInline = "CARGOGREEN_BASE_IMAGE_INLINE"
	EnvWithNetwork     = "CARGOGREEN_WITH_NETWORK"
	EnvAddApk          = "CARGOGREEN_ADD_APK"
	EnvAddApt          = "CARGOGREEN_ADD_APT"
	EnvAddAptGet       = "CARGOGREEN_ADD_APT_GET"
	EnvSetEnvs         = "CARGOGREEN_SET_ENVS"
	EnvCacheImages     = "CARGOGREEN_CACHE_IMAGES"
	EnvFinalPath       = "CARGOGREEN_FINAL_PATH"
	EnvIncremental     = "CARGOGREEN_INCREMENTAL"
	EnvLog             = "CARGOGREEN_LOG"
	EnvLogPath         = "CARGOGREEN_LOG_PATH"
	EnvLogStyle        = "CARGOGREEN_LOG_STYLE"
)

// Default images used when the environment picks none.
const (
	DefaultSyntax       = "docker-image://docker.io/docker/dockerfile:1"
	DefaultBuilderImage = "docker-image://docker.io/moby/buildkit:buildx-stable-1"
)

// The container builder flavor driving the build.
type Runner string

const (
	RunnerDocker Runner = "docker"
	RunnerPodman Runner = "podman"
	RunnerNone   Runner = "none"
)

// Parses a runner kind.
func ParseRunner(s string) (Runner, error) {
	switch r := Runner(s); r {
	case RunnerDocker, RunnerPodman, RunnerNone:
		return r, nil
	}
	return "", fmt.Errorf("%w: $%s=%q must be one of docker, podman, none", ErrUserConfig, EnvRunner, s)
}

// The process-wide configuration bundle. Read-only after FromEnv.
type Green struct {
	Runner       Runner
	Syntax       image.URI
	BuilderImage image.URI
	BuilderName  string
	Image        base.BaseImage
	FinalBlock   string // Image rendered as a Dockerfile block, with add-packages layered on.
	SetEnvs      []string
	Add          base.Add
	CacheImages  []image.URI
	FinalPath    string
	Incremental  bool
	Log          string
	LogPath      string
}

// Builds and validates the configuration from the environment.
//
// The base image defaults to one matching the host toolchain when unset.
// $CARGO_NET_OFFLINE forces the network mode to none.
func FromEnv(ctx context.Context) (*Green, error) {
	g := &Green{Runner: RunnerDocker}

	if v, ok := os.LookupEnv(EnvRunner); ok {
		r, err := ParseRunner(v)
		if err != nil {
			return nil, err
		}
		g.Runner = r
	}

	g.Syntax = mustDefaultURI(DefaultSyntax)
	if v, ok := os.LookupEnv(EnvSyntax); ok {
		uri, err := image.ParseURI(v)
		if err != nil {
			return nil, fmt.Errorf("%w: $%s: %v", ErrUserConfig, EnvSyntax, err)
		}
		g.Syntax = uri
	}

	if v, ok := os.LookupEnv(EnvBuilderImage); ok {
		uri, err := image.ParseURI(v)
		if err != nil {
			return nil, fmt.Errorf("%w: $%s: %v", ErrUserConfig, EnvBuilderImage, err)
		}
		g.BuilderImage = uri
		if name, ok := os.LookupEnv("BUILDX_BUILDER"); ok && name == "" {
			return nil, fmt.Errorf("%w: $%s conflicts with an empty $BUILDX_BUILDER", ErrUserConfig, EnvBuilderImage)
		}
	}
	g.BuilderName = os.Getenv("BUILDX_BUILDER")
	if v, ok := os.LookupEnv(EnvBuilderName); ok {
		g.BuilderName = v
	}

	if err := g.baseImageFromEnv(ctx); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv(EnvSetEnvs); ok {
		vars, err := decodeList(EnvSetEnvs, v)
		if err != nil {
			return nil, err
		}
		for _, name := range vars {
			if strings.HasPrefix(name, "CARGOGREEN") || strings.HasPrefix(name, "RUSTCBUILDX") {
				return nil, fmt.Errorf("%w: $%s contains reserved name %q", ErrUserConfig, EnvSetEnvs, name)
			}
		}
		g.SetEnvs = vars
	}

	for _, entry := range []struct {
		env string
		dst *[]string
	}{
		{EnvAddApk, &g.Add.Apk},
		{EnvAddApt, &g.Add.Apt},
		{EnvAddAptGet, &g.Add.AptGet},
	} {
		if v, ok := os.LookupEnv(entry.env); ok {
			pkgs, err := decodeList(entry.env, v)
			if err != nil {
				return nil, err
			}
			*entry.dst = pkgs
		}
	}

	if v, ok := os.LookupEnv(EnvCacheImages); ok {
		imgs, err := decodeList(EnvCacheImages, v)
		if err != nil {
			return nil, err
		}
		for _, s := range imgs {
			uri, err := image.ParseURI(s)
			if err != nil {
				return nil, fmt.Errorf("%w: $%s: %v", ErrUserConfig, EnvCacheImages, err)
			}
			if !strings.Contains(uri.NoScheme(), "/") {
				return nil, fmt.Errorf("%w: $%s: %q names no registry host", ErrUserConfig, EnvCacheImages, s)
			}
			g.CacheImages = append(g.CacheImages, uri)
		}
	}

	g.FinalPath = os.Getenv(EnvFinalPath)
	g.Incremental = os.Getenv(EnvIncremental) == "1"
	g.Log = os.Getenv(EnvLog)
	g.LogPath = os.Getenv(EnvLogPath)

	g.RenderFinalBlock()

	return g, nil
}

// Resolves the base image from the environment, falling back to the
// host toolchain, and applies the network override.
func (g *Green) baseImageFromEnv(ctx context.Context) error {
	if v, ok := os.LookupEnv(EnvBaseImage); ok {
		if v != strings.TrimSpace(v) {
			return fmt.Errorf("%w: $%s has leading or trailing whitespace: %q", ErrUserConfig, EnvBaseImage, v)
		}
		uri, err := image.ParseURI(v)
		if err != nil {
			return fmt.Errorf("%w: $%s: %v", ErrUserConfig, EnvBaseImage, err)
		}
		g.Image = base.FromImage(uri)
	}

	if v, ok := os.LookupEnv(EnvBaseImageInline); ok {
		if v == "" {
			return fmt.Errorf("%w: $%s is empty", ErrUserConfig, EnvBaseImageInline)
		}
		if !strings.Contains(v, " AS "+string(image.BaseStage)+"\n") &&
			!strings.Contains(v, " as "+string(image.BaseStage)+"\n") {
			return fmt.Errorf("%w: $%s does not provide a stage named %q", ErrUserConfig, EnvBaseImageInline, image.BaseStage)
		}
		if ref := g.Image.Image.NoScheme(); ref == "" || !strings.Contains(v, " "+ref+" ") {
			return fmt.Errorf("%w: $%s must reference the image given in $%s", ErrUserConfig, EnvBaseImageInline, EnvBaseImage)
		}
		g.Image.Inline = v
	}

	if g.Image.IsUnset() {
		g.Image = base.FromLocalRustc(ctx)
	}

	if v, ok := os.LookupEnv(EnvWithNetwork); ok {
		n, err := base.ParseNetwork(v)
		if err != nil {
			return fmt.Errorf("%w: $%s: %v", ErrUserConfig, EnvWithNetwork, err)
		}
		g.Image.WithNetwork = n
	}
	return nil
}

// Renders the base image into the finalized root stage block, layering
// on any additional packages.
//
// Called again after digest locking rewrites the base image reference.
func (g *Green) RenderFinalBlock() {
	network, block := g.Image.AsBlock()
	if !g.Add.IsEmpty() {
		block = g.Add.AsBlock(block)
		network = base.NetworkDefault
	}
	// Offline mode always wins, even over the add-packages stage.
	if offline := os.Getenv("CARGO_NET_OFFLINE"); offline == "true" || offline == "1" {
		network = base.NetworkNone
	}
	g.Image.WithNetwork = network
	g.FinalBlock = strings.TrimSpace(block)
}

// Whether file logging is enabled; errors must then be reported, not
// hidden behind the native fallback.
//
// An unset log path falls back to the default location, so the log
// level alone decides.
func (g *Green) FileLogging() bool {
	return g.Log != ""
}

// Decodes a JSON string list from an environment value, rejecting
// emptiness and duplicates.
func decodeList(env, v string) ([]string, error) {
	if v == "" {
		return nil, fmt.Errorf("%w: $%s is empty", ErrUserConfig, env)
	}
	var items []string
	if err := json.Unmarshal([]byte(v), &items); err != nil {
		return nil, fmt.Errorf("%w: decoding $%s: %v", ErrUserConfig, env, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: $%s is empty", ErrUserConfig, env)
	}
	seen := map[string]bool{}
	for _, it := range items {
		if it == "" {
			return nil, fmt.Errorf("%w: $%s contains empty names", ErrUserConfig, env)
		}
		if seen[it] {
			return nil, fmt.Errorf("%w: $%s contains duplicates", ErrUserConfig, env)
		}
		seen[it] = true
	}
	return items, nil
}

func mustDefaultURI(s string) image.URI {
	uri, err := image.ParseURI(s)
	if err != nil {
		panic(fmt.Sprintf("invalid default image %q: %v", s, err))
	}
	return uri
}
