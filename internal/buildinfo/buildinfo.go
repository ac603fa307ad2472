package buildinfo

import "runtime/debug"

// Set with -ldflags "-X bustrack/internal/buildinfo.Version=..."
var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

// Info reports the build stamp. When Commit was not stamped it falls back to
// the VCS revision recorded by the Go toolchain.
func Info() map[string]string {
    commit := Commit
    goVersion := ""
    if bi, ok := debug.ReadBuildInfo(); ok {
        goVersion = bi.GoVersion
        if commit == "" {
            for _, s := range bi.Settings {
                if s.Key == "vcs.revision" { commit = s.Value }
            }
        }
    }
    return map[string]string{
        "version":   Version,
        "commit":    commit,
        "builtAt":   BuiltAt,
        "goVersion": goVersion,
    }
}
