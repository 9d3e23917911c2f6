package version

// Set at build time, e.g.
// go build -ldflags "-X github.com/pysugar/bililink/internal/version.Version=v0.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the build info for logs and /api/version.
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}
