package version

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/craftlink/internal/version.VERSION=0.1.0 -X github.com/chronologos/craftlink/internal/version.Commit=abc123" ./cmd/craftlink
var (
	VERSION = "dev"
	Commit  = "dev"
)
