package catmint

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	// AppMajor is the major version of catmint.
	AppMajor uint = 0

	// AppMinor is the minor version of catmint.
	AppMinor uint = 1

	// AppPatch is the patch version of catmint.
	AppPatch uint = 0

	// AppStatus is the pre-release status, e.g. alpha or beta. It may only
	// contain characters of semverAlphabet.
	AppStatus = "alpha"

	// agentName is the first part of the user agent string.
	agentName = "catmint"

	// maxInitiatorLen bounds the initiator part of the user agent.
	maxInitiatorLen = 64

	semverAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var (
	// Commit is the git describe output of this build. It should be set
	// using -ldflags during compilation.
	Commit string

	// CommitHash is the vcs revision recorded by the go toolchain.
	CommitHash string

	// GoVersion is the go version the binary was compiled with.
	GoVersion string
)

func init() {
	if strings.Trim(AppStatus, semverAlphabet) != "" {
		panic(fmt.Sprintf("app status %q is not in the semver alphabet",
			AppStatus))
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	GoVersion = info.GoVersion
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			CommitHash = setting.Value
		}
	}
}

// semanticVersion returns the major.minor.patch[-status] version.
func semanticVersion() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
	if AppStatus != "" {
		version += "-" + AppStatus
	}

	return version
}

// Version returns the version of catmint together with the build commit.
func Version() string {
	return fmt.Sprintf("%s commit=%s", semanticVersion(), Commit)
}

// UserAgent returns the user agent sent to the tracker and the covenant
// builder. Characters of the initiator outside of the semver alphabet, dashes
// and dots are dropped.
func UserAgent(initiator string) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(semverAlphabet+"-.", r) {
			return r
		}
		return -1
	}, strings.ToLower(initiator))

	if len(clean) > maxInitiatorLen {
		clean = clean[:maxInitiatorLen]
	}

	agent := fmt.Sprintf("%s/v%s/commit=%s", agentName, semanticVersion(),
		Commit)
	if clean != "" {
		agent += ",initiator=" + clean
	}

	return agent
}
