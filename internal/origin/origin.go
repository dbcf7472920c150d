// Package origin normalizes browser Origin values and matches them against the
// relay's allowlist.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allowlist accepts every origin.
const Wildcard = "*"

// Normalize validates a browser origin and returns it as
// scheme://host[:port], with the scheme and host lowercased and default ports
// dropped. A single trailing slash is tolerated; any other path, query,
// fragment or userinfo is rejected. The opaque origin "null" is returned as-is.
func Normalize(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname, port, ok := splitHostPort(u.Host)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}

// splitHostPort splits an authority into hostname and port. IPv6 literals must
// be bracketed; the brackets are stripped from the returned hostname.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end <= 1 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		switch {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", authority != ""
	case 1:
		hostname, port, _ := strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}

// Policy is an immutable allowlist of normalized origins.
type Policy struct {
	wildcard bool
	allowed  map[string]struct{}
}

// NewPolicy builds a Policy from allowlist entries. Entries that do not
// normalize are ignored; config validation rejects them before this point.
func NewPolicy(allowlist []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowlist))}
	for _, entry := range allowlist {
		if strings.TrimSpace(entry) == Wildcard {
			p.wildcard = true
			continue
		}
		if n, ok := Normalize(entry); ok {
			p.allowed[n] = struct{}{}
		}
	}
	return p
}

// Wildcard reports whether every origin is accepted.
func (p *Policy) Wildcard() bool { return p.wildcard }

// Allows reports whether the Origin header value may access the relay.
func (p *Policy) Allows(header string) bool {
	if p.wildcard {
		return true
	}
	n, ok := Normalize(header)
	if !ok {
		return false
	}
	_, ok = p.allowed[n]
	return ok
}
