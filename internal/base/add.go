package base

import (
	"fmt"
	"strings"
)

// The xx helper image providing portable per-distribution package
// tooling, pinned by digest.
const xxImage = "docker.io/tonistiigi/xx:1.6.1@sha256:923441d7c25f1e2eb5789f82d987693c47b8ed987c4ab3b075d6ed2b5d6779a3"

// Additional distribution packages to install on top of the base stage,
// one list per package manager.
type Add struct {
	Apk    []string
	Apt    []string
	AptGet []string
}

// Whether no packages were requested.
func (a Add) IsEmpty() bool {
	return len(a.Apk) == 0 && len(a.Apt) == 0 && len(a.AptGet) == 0
}

// Layers the package installation onto the given root stage block.
//
// Installing packages needs the network; the configuration runs the
// resulting stage with the default network mode unless offline mode
// forces none.
func (a Add) AsBlock(last string) string {
	return fmt.Sprintf(`
FROM --platform=$BUILDPLATFORM %s AS xx
%s
ARG TARGETPLATFORM
RUN \
  --mount=from=xx,source=/usr/bin/xx-apk,target=/usr/bin/xx-apk \
  --mount=from=xx,source=/usr/bin/xx-apt,target=/usr/bin/xx-apt \
  --mount=from=xx,source=/usr/bin/xx-apt,target=/usr/bin/xx-apt-get \
  --mount=from=xx,source=/usr/bin/xx-cc,target=/usr/bin/xx-c++ \
  --mount=from=xx,source=/usr/bin/xx-cargo,target=/usr/bin/xx-cargo \
  --mount=from=xx,source=/usr/bin/xx-cc,target=/usr/bin/xx-cc \
  --mount=from=xx,source=/usr/bin/xx-cc,target=/usr/bin/xx-clang \
  --mount=from=xx,source=/usr/bin/xx-cc,target=/usr/bin/xx-clang++ \
  --mount=from=xx,source=/usr/bin/xx-go,target=/usr/bin/xx-go \
  --mount=from=xx,source=/usr/bin/xx-info,target=/usr/bin/xx-info \
  --mount=from=xx,source=/usr/bin/xx-verify,target=/usr/bin/xx-verify \
    set -eux \
 && if   command -v apk >/dev/null 2>&1; then \
                                     xx-apk     add     --no-cache                 %s; \
    elif command -v apt >/dev/null 2>&1; then \
      DEBIAN_FRONTEND=noninteractive xx-apt     install --no-install-recommends -y %s; \
    else \
      DEBIAN_FRONTEND=noninteractive xx-apt-get install --no-install-recommends -y %s; \
    fi
`,
		xxImage,
		strings.TrimSpace(last),
		strings.Join(a.Apk, " "),
		strings.Join(a.Apt, " "),
		strings.Join(a.AptGet, " "),
	)
}
