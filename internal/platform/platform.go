// Package platform centralises xiaohongshu-specific constants: hard limits,
// page URLs, CSS selectors, and the domains the toolkit is allowed to touch.
package platform

import (
	"net/url"
	"path"
	"strings"
)

// Hard platform ceilings enforced at the boundary before any remote action.
const (
	MaxImages        = 9
	MaxVideos        = 1
	MaxTitleLength   = 50
	MaxContentLength = 1000
	MaxTopics        = 10
)

// Well-known pages driven by the automation backend.
const (
	CreatorCenterURL = "https://creator.xiaohongshu.com"
	PublishPageURL   = "https://creator.xiaohongshu.com/publish/publish?from=menu"
	LoginPageURL     = "https://www.xiaohongshu.com/login"
	HomeURL          = "https://www.xiaohongshu.com"
)

// allowedDomains are the only hosts URL extraction may be pointed at.
var allowedDomains = []string{"xiaohongshu.com", "xhslink.com"}

// AllowedHost reports whether the host belongs to a whitelisted domain,
// including subdomains such as www.xiaohongshu.com or creator.xiaohongshu.com.
func AllowedHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, domain := range allowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// AllowedURL parses raw and applies the domain allow-list.
func AllowedURL(raw string) (*url.URL, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, false
	}
	if !AllowedHost(parsed.Hostname()) {
		return nil, false
	}
	return parsed, true
}

var supportedImageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".gif": {},
}

var supportedVideoExts = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {}, ".flv": {}, ".wmv": {}, ".m4v": {},
}

// SupportedImageFile reports whether the path carries a known image extension.
func SupportedImageFile(p string) bool {
	_, ok := supportedImageExts[strings.ToLower(path.Ext(p))]
	return ok
}

// SupportedVideoFile reports whether the path carries a known video extension.
func SupportedVideoFile(p string) bool {
	_, ok := supportedVideoExts[strings.ToLower(path.Ext(p))]
	return ok
}
