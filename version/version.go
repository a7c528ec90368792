package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = AuctiondSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// AuctiondSemVer is the current version of auctiond.
	// It's the Semantic Version of the software.
	AuctiondSemVer = "0.3.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

// WireProtocol versions the peer message envelope and every payload it
// carries, including the identity handshake.
var WireProtocol Protocol = 1

// Info is what the version command reports.
type Info struct {
	Version      string   `json:"version"`
	GitCommit    string   `json:"git_commit,omitempty"`
	WireProtocol Protocol `json:"wire_protocol"`
}

// Get returns the version of the running binary.
func Get() Info {
	return Info{
		Version:      Version,
		GitCommit:    GitCommit,
		WireProtocol: WireProtocol,
	}
}
