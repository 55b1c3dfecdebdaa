package upstream

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ProxyConfig selects an outbound proxy for upstream calls. With neither
// address set the usual HTTP_PROXY / HTTPS_PROXY environment applies.
type ProxyConfig struct {
	HTTP   string
	HTTPS  string
	User   string
	Pass   string
	Bypass []string
}

// Func returns a proxy selector suitable for http.Transport.Proxy.
func (p ProxyConfig) Func() func(*http.Request) (*url.URL, error) {
	user := strings.TrimSpace(p.User)
	pass := strings.TrimSpace(p.Pass)

	parseProxy := func(raw string) *url.URL {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil
		}
		if user != "" && u.User == nil {
			u.User = url.UserPassword(user, pass)
		}
		return u
	}

	httpURL := parseProxy(p.HTTP)
	httpsURL := parseProxy(p.HTTPS)
	useEnv := httpURL == nil && httpsURL == nil
	bypass := p.Bypass

	return func(req *http.Request) (*url.URL, error) {
		if req == nil || req.URL == nil {
			return nil, nil
		}
		if shouldBypass(req.URL.Host, bypass) {
			return nil, nil
		}
		if useEnv {
			return http.ProxyFromEnvironment(req)
		}
		primary, fallback := httpURL, httpsURL
		if strings.EqualFold(req.URL.Scheme, "https") {
			primary, fallback = httpsURL, httpURL
		}
		if primary != nil {
			return primary, nil
		}
		return fallback, nil
	}
}

func shouldBypass(host string, bypass []string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	hostIP := net.ParseIP(host)

	for _, raw := range bypass {
		entry := normalizeHost(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		entry = strings.TrimPrefix(entry, "*.")
		if strings.Contains(entry, "/") {
			if hostIP == nil {
				continue
			}
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(hostIP) {
				return true
			}
			continue
		}
		if hostIP != nil {
			if ip := net.ParseIP(entry); ip != nil && ip.Equal(hostIP) {
				return true
			}
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.Host
		}
	}
	if strings.Contains(raw, ":") && !strings.Contains(raw, "/") {
		if host, _, err := net.SplitHostPort(raw); err == nil {
			raw = host
		} else {
			raw = strings.Trim(raw, "[]")
		}
	}
	raw = strings.TrimLeft(raw, ".")
	return strings.ToLower(strings.TrimSpace(raw))
}
