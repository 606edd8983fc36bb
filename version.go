package rpchub

import (
	"fmt"
	"runtime/debug"
)

// set with -ldflags "-X github.com/glycerine/rpchub.LAST_GIT_COMMIT_HASH=..."
var LAST_GIT_COMMIT_HASH string
var NEAREST_GIT_TAG string
var GIT_BRANCH string

// GetCodeVersion describes the build, for a --version flag.
// Fields not set by the linker come from the embedded build info.
func GetCodeVersion(programName string) string {
	commit := LAST_GIT_COMMIT_HASH
	goVersion := "unknown"
	module := "(devel)"
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		module = bi.Main.Version
		if commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	return fmt.Sprintf("%s module: %s / commit: %s / nearest-git-tag: %s / branch: %s / go version: %s",
		programName, module, commit, NEAREST_GIT_TAG, GIT_BRANCH, goVersion)
}
