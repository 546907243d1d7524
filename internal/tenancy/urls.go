package tenancy

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URLBuilder builds every external URL pointing at a tenant site.
type URLBuilder struct {
	Scheme     string
	BaseDomain string
	// Port is omitted from URLs when zero or the scheme default.
	Port int
}

// Host returns the primary hostname of a namespace.
func (b URLBuilder) Host(namespace string) string {
	return namespace + "." + b.BaseDomain
}

// External returns an absolute URL for path on host.
func (b URLBuilder) External(host, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: b.scheme(), Host: b.hostPort(host), Path: path}
	return u.String()
}

// LoginURL returns the login page of a tenant host.
func (b URLBuilder) LoginURL(host string) string {
	return b.External(host, "/login/")
}

func (b URLBuilder) scheme() string {
	if b.Scheme == "" {
		return "https"
	}
	return b.Scheme
}

func (b URLBuilder) hostPort(host string) string {
	if b.Port == 0 ||
		(b.scheme() == "https" && b.Port == 443) ||
		(b.scheme() == "http" && b.Port == 80) {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(b.Port))
}

// StripPort removes an optional port from a Host header value and lowercases
// it. IPv6 literals lose their brackets.
func StripPort(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
