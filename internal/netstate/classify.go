package netstate

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// networkMarkers are matched case-insensitively against error messages from
// SDKs that flatten transport failures into plain strings.
var networkMarkers = []string{"network", "offline", "fetch"}

// IsNetworkError reports whether err looks like connectivity loss rather
// than a rejection by the remote store.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
