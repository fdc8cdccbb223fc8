package buildinfo

var (
	Version    = "v0.1.0"
	CommitHash = "unknown"
)

// sdkPrefix marks requests sent by this SDK in the sdkVersion field.
const sdkPrefix = "go:"

type Info struct {
	About      string `json:"about,omitempty"`
	Service    string `json:"service,omitempty"`
	Version    string `json:"version,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

func GetBuildInfo() Info {
	return Info{
		About:      "https://github.com/darmiel/cirrus",
		Service:    "Cirrus",
		Version:    Version,
		CommitHash: CommitHash,
	}
}

// SDKVersion is the version reported to the installations server.
func SDKVersion() string {
	return sdkPrefix + Version
}
