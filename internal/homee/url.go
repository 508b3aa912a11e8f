package homee

import (
	"fmt"
	"regexp"
	"strings"
)

// LocalPort is the plaintext port a homee listens on in the local network.
const LocalPort = 7681

// RemoteDomain is the hosted proxy domain used for homee ids.
const RemoteDomain = "hom.ee"

var (
	homeeIDPattern   = regexp.MustCompile(`^[0-9A-Za-z]{12}$`)
	camelBoundary    = regexp.MustCompile(`([a-z])([A-Z])`)
	whitespaceBlocks = regexp.MustCompile(`\s+`)
)

// IsRemoteHost reports whether host is a 12 character homee id rather than a
// local network address.
func IsRemoteHost(host string) bool {
	return homeeIDPattern.MatchString(host)
}

// BaseURL returns the HTTP base URL for host.
func BaseURL(host string) string {
	if IsRemoteHost(host) {
		return fmt.Sprintf("https://%s.%s", host, RemoteDomain)
	}
	return fmt.Sprintf("http://%s:%d", host, LocalPort)
}

// WebSocketURL returns the WebSocket base URL for host.
func WebSocketURL(host string) string {
	if IsRemoteHost(host) {
		return fmt.Sprintf("wss://%s.%s", host, RemoteDomain)
	}
	return fmt.Sprintf("ws://%s:%d", host, LocalPort)
}

// DeviceID derives the kebab-case hardware id from a device name,
// e.g. "homeeApi" -> "homee-api" and "My Device" -> "my-device".
func DeviceID(device string) string {
	id := camelBoundary.ReplaceAllString(device, "$1-$2")
	id = whitespaceBlocks.ReplaceAllString(id, "-")
	return strings.ToLower(id)
}
