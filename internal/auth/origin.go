package auth

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// OriginPolicy is a strict allow-list of message origins.
//
// Entries are scheme://host[:port]. A host may start with "*." to match any
// subdomain (not the bare domain). Scheme and port must match exactly.
type OriginPolicy struct {
	exact    map[string]struct{}
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	suffix string // ".herokuapp.com"
	port   string
}

// NewOriginPolicy builds a policy, skipping entries that are not valid origins.
func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{exact: make(map[string]struct{})}
	for _, entry := range allowed {
		u, err := url.Parse(strings.TrimSpace(entry))
		if err != nil || u.Scheme == "" || u.Host == "" {
			log.Warn().Str("origin", entry).Msg("Ignoring invalid allowed origin")
			continue
		}
		scheme := strings.ToLower(u.Scheme)
		host := strings.ToLower(u.Hostname())
		if strings.HasPrefix(host, "*.") {
			p.suffixes = append(p.suffixes, originSuffix{scheme: scheme, suffix: host[1:], port: u.Port()})
			continue
		}
		p.exact[canonicalOrigin(scheme, host, u.Port())] = struct{}{}
	}
	return p
}

// Allows reports whether messages from origin may be trusted.
// Empty and "null" origins are never trusted.
func (p *OriginPolicy) Allows(origin string) bool {
	if p == nil || origin == "" || origin == "null" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if _, ok := p.exact[canonicalOrigin(scheme, host, port)]; ok {
		return true
	}
	for _, s := range p.suffixes {
		if s.scheme == scheme && s.port == port && len(host) > len(s.suffix) && strings.HasSuffix(host, s.suffix) {
			return true
		}
	}
	return false
}

func canonicalOrigin(scheme, host, port string) string {
	if port == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}
