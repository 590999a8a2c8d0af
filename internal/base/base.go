package base

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/verdantlabs/green/internal/image"
)

// Network mode handed to the runner as --network=.
type Network string

const (
	NetworkNone    Network = "none"
	NetworkDefault Network = "default"
	NetworkHost    Network = "host"
)

// Parses a network mode.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case NetworkNone, NetworkDefault, NetworkHost:
		return n, nil
	}
	return "", fmt.Errorf("%w: %q must be one of none, default, host", ErrUnknownNetwork, s)
}

var (
	stableRust  = image.Std("rust:1-slim")
	baseForRust = image.Std("debian:stable-slim")
)

// rustup-init release pinned into the non-stable base block.
const (
	rustupVersion  = "1.28.1"
	rustupChecksum = "a3339fb004c3d0bb9862ba0bce001861fe5cbde9c10d16591eb3f39ee6cd3e7f"
	rustupHost     = "x86_64-unknown-linux-gnu"
)

// The root stage configuration: which image to start from, whether the
// stage's RUN lines need network access, and an optional inline block
// overriding the single-FROM form.
type BaseImage struct {
	WithNetwork Network
	Image       image.URI
	Inline      string
}

// Whether neither an image nor an inline block has been configured.
func (b BaseImage) IsUnset() bool {
	return b.Image.IsZero() && b.Inline == ""
}

// Builds a BaseImage from an image reference alone.
func FromImage(uri image.URI) BaseImage {
	return BaseImage{WithNetwork: NetworkNone, Image: uri}
}

// Derives the base image from the host toolchain.
//
// Asks rustc for its version; an unidentifiable toolchain falls back to
// the floating stable image.
func FromLocalRustc(ctx context.Context) BaseImage {
	out, err := exec.CommandContext(ctx, "rustc", "-V").Output()
	if err != nil {
		return FromImage(stableRust)
	}
	b, err := FromRustcV(strings.TrimSpace(string(out)))
	if err != nil {
		return FromImage(stableRust)
	}
	return b
}

// Derives the base image from a rustc -V line.
//
// "rustc 1.80.0 (051478957 2024-07-21)" selects rust:1.80.0-slim; a
// nightly or beta release selects the rustup-init block pinned to that
// channel and commit date.
func FromRustcV(line string) (BaseImage, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "rustc" {
		return BaseImage{}, fmt.Errorf("%w: %q", ErrUnknownToolchain, line)
	}

	v, err := semver.NewVersion(fields[1])
	if err != nil {
		return BaseImage{}, fmt.Errorf("%w: %q: %v", ErrUnknownToolchain, line, err)
	}

	// "beta.3" names the beta channel.
	channel, _, _ := strings.Cut(string(v.PreRelease), ".")
	if channel == "" {
		minored := strings.Replace(stableRust.String(), ":1-", fmt.Sprintf(":%s-", v), 1)
		uri, err := image.ParseURI(minored)
		if err != nil {
			return BaseImage{}, err
		}
		return FromImage(uri), nil
	}

	date := commitDate(line)
	if date == "" {
		return BaseImage{}, fmt.Errorf("%w: %q carries no commit date", ErrUnknownToolchain, line)
	}
	return rustupBase(channel, date), nil
}

// Extracts the commit date from the "(hash date)" suffix of a rustc -V
// line.
func commitDate(line string) string {
	open := strings.IndexByte(line, '(')
	closing := strings.IndexByte(line, ')')
	if open < 0 || closing < open {
		return ""
	}
	parts := strings.Fields(line[open+1 : closing])
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Builds the two-stage rustup-init block for a non-stable toolchain.
func rustupBase(channel, date string) BaseImage {
	base := baseForRust.NoScheme()

	add := Add{
		Apk:    []string{"ca-certificates", "gcc"},
		Apt:    []string{"ca-certificates", "gcc", "libc6-dev"},
		AptGet: []string{"ca-certificates", "gcc", "libc6-dev"},
	}
	packagesBlock := add.AsBlock(fmt.Sprintf("FROM --platform=$BUILDPLATFORM %s AS %s", base, image.BaseStage))

	block := fmt.Sprintf(`
FROM scratch AS rustup-%[1]s-%[2]s
ADD --chmod=0144 --checksum=sha256:%[3]s \
  https://static.rust-lang.org/rustup/archive/%[4]s/%[5]s/rustup-init /rustup-init
%[6]s
ENV RUSTUP_HOME=/usr/local/rustup \
     CARGO_HOME=/usr/local/cargo \
           PATH=/usr/local/cargo/bin:$PATH
RUN \
 --mount=from=rustup-%[1]s-%[2]s,source=/rustup-init,dst=/rustup-init \
   set -eux \
&& /rustup-init --verbose -y --no-modify-path --profile minimal --default-toolchain %[1]s-%[2]s --default-host %[5]s \
&& chmod -R a+w $RUSTUP_HOME $CARGO_HOME \
&& rustup --version \
&& cargo --version \
&& rustc --version
`, channel, date, rustupChecksum, rustupVersion, rustupHost, strings.TrimSpace(packagesBlock))

	return BaseImage{WithNetwork: NetworkDefault, Image: baseForRust, Inline: block}
}

// Returns a copy locked to the given image, substituting the reference
// inside any inline block.
func (b BaseImage) LockBaseTo(locked image.URI) BaseImage {
	inline := b.Inline
	if inline != "" {
		from := " " + b.Image.NoScheme() + " "
		to := " " + locked.NoScheme() + " "
		inline = strings.ReplaceAll(inline, from, to)
	}
	return BaseImage{WithNetwork: b.WithNetwork, Image: locked, Inline: inline}
}

// The root stage block and the network mode its RUN lines require.
func (b BaseImage) AsBlock() (Network, string) {
	if b.Inline != "" {
		return b.WithNetwork, b.Inline
	}
	block := fmt.Sprintf("FROM --platform=$BUILDPLATFORM %s AS %s\n", b.Image.NoScheme(), image.BaseStage)
	return b.WithNetwork, block
}
