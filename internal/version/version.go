package version

// Version information, overridden at build time using -ldflags
var (
	// Version is the current version of the ferry binary
	Version = "dev"

	// Commit is the git commit hash
	Commit = "unknown"

	// BuildDate is when the binary was built
	BuildDate = "unknown"
)

// GetFullVersion returns detailed version information
func GetFullVersion() string {
	return "ferry " + Version + " (commit: " + Commit + ", built: " + BuildDate + ", protocol: " + Protocol + ")"
}
