package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
)

// Version information, set with
// -ldflags "-X github.com/ternarybob/portalguard/internal/common.Version=1.2.0"
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// VersionEnv overrides every other version source
const VersionEnv = "PORTALGUARD_VERSION"

// versionFile is read from the directory holding the executable
const versionFile = ".version"

var resolveOnce sync.Once

// ResolveVersion settles Version and GitCommit once per process.
// Later sources win: Go build info, ldflags, the .version file, then PORTALGUARD_VERSION.
func ResolveVersion() string {
	resolveOnce.Do(func() {
		var exeDir string
		if exe, err := os.Executable(); err == nil {
			exeDir = filepath.Dir(exe)
		}
		info, _ := debug.ReadBuildInfo()
		Version, GitCommit = resolveVersion(Version, GitCommit, exeDir, os.Getenv(VersionEnv), info)
	})
	return Version
}

func resolveVersion(version, commit, exeDir, env string, info *debug.BuildInfo) (string, string) {
	if info != nil {
		if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = strings.TrimPrefix(info.Main.Version, "v")
		}
		if commit == "unknown" {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" && setting.Value != "" {
					commit = shortCommit(setting.Value)
				}
			}
		}
	}

	if exeDir != "" {
		if data, err := os.ReadFile(filepath.Join(exeDir, versionFile)); err == nil {
			if fromFile := strings.TrimSpace(string(data)); fromFile != "" {
				version = fromFile
			}
		}
	}

	if env = strings.TrimSpace(env); env != "" {
		version = env
	}
	return version, commit
}

func shortCommit(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

// GetVersion returns the resolved version string
func GetVersion() string {
	return ResolveVersion()
}

// GetBuild returns the build identifier
func GetBuild() string {
	return Build
}

// GetGitCommit returns the commit the binary was built from
func GetGitCommit() string {
	ResolveVersion()
	return GitCommit
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", GetVersion(), Build, GetGitCommit())
}
