package version

import (
	"fmt"
	"runtime"
)

// Info describes the running build. Values are injected with -ldflags -X.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func (info Info) String() string {
	return fmt.Sprintf("pvcwatch %s (commit %s, built %s, %s %s)",
		info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
}

// KeysAndValues returns the build info as logr key/value pairs
func (info Info) KeysAndValues() []interface{} {
	return []interface{}{
		"version", info.Version,
		"commit", info.GitCommit,
		"buildDate", info.BuildDate,
		"goVersion", info.GoVersion,
	}
}

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var Get = func() Info {
	return Info{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
