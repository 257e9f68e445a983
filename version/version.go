package version

// Version is the service version reported by GetVersion unless the configuration
// overrides it. Set at build time:
// go build -ldflags "-X gsus/version.Version=0.2".
var Version = "0.1"

// BuildInfo contains additional build metadata.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)
