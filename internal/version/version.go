package version

import (
	"fmt"
	"os"
	"strings"
)

// Version is the build version reported by /health, set with
// -ldflags "-X kinvest.ai/cloud/internal/version.Version=..."
var Version = "dev"

// Release extracts the release name from a Stripe API version such as
// "2025-03-31.basil". Versions without a release name return their date.
func Release(apiVersion string) (string, error) {
	apiVersion = strings.TrimSpace(apiVersion)
	if apiVersion == "" {
		return "", fmt.Errorf("empty api version")
	}

	date, release, found := strings.Cut(apiVersion, ".")
	if len(date) != len("2006-01-02") || strings.Count(date, "-") != 2 {
		return "", fmt.Errorf("invalid api version %q", apiVersion)
	}
	if !found || release == "" {
		return date, nil
	}
	return release, nil
}

// IsCompatible reports whether an event rendered with eventVersion can be
// decoded by a client pinned to clientVersion. Payload shapes only change
// across releases, so versions within one release are compatible.
func IsCompatible(eventVersion, clientVersion string) (bool, error) {
	eventRelease, err := Release(eventVersion)
	if err != nil {
		return false, fmt.Errorf("invalid event version: %w", err)
	}

	clientRelease, err := Release(clientVersion)
	if err != nil {
		return false, fmt.Errorf("invalid client version: %w", err)
	}

	return eventRelease == clientRelease, nil
}

// LoadFile overrides Version with the trimmed contents of path when the file
// exists and is not empty.
func LoadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		Version = v
	}
}
