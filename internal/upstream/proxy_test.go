package upstream

import (
	"net/http"
	"net/url"
	"testing"
)

func TestProxyFunc_NoSchemeDefaultsToHTTP(t *testing.T) {
	proxyFunc := ProxyConfig{HTTP: "proxy.local:3128"}.Func()
	proxyURL, err := proxyFunc(&http.Request{URL: &url.URL{Scheme: "http", Host: "image-model:23333"}})
	if err != nil {
		t.Fatalf("proxy func failed: %v", err)
	}
	if proxyURL == nil {
		t.Fatal("expected proxy url")
	}
	if proxyURL.Scheme != "http" || proxyURL.Host != "proxy.local:3128" {
		t.Fatalf("unexpected proxy url: %v", proxyURL)
	}
}

func TestProxyFunc_HTTPSPrefersHTTPSProxy(t *testing.T) {
	proxyFunc := ProxyConfig{HTTP: "http://proxy.local:3128", HTTPS: "http://secure.proxy:8443"}.Func()
	proxyURL, err := proxyFunc(&http.Request{URL: &url.URL{Scheme: "https", Host: "models.example.com"}})
	if err != nil {
		t.Fatalf("proxy func failed: %v", err)
	}
	if proxyURL == nil || proxyURL.Host != "secure.proxy:8443" {
		t.Fatalf("unexpected proxy url: %v", proxyURL)
	}
}

func TestProxyFunc_CredentialsApplied(t *testing.T) {
	proxyFunc := ProxyConfig{HTTP: "proxy.local:3128", User: "u", Pass: "p"}.Func()
	proxyURL, _ := proxyFunc(&http.Request{URL: &url.URL{Scheme: "http", Host: "image-model"}})
	if proxyURL == nil || proxyURL.User == nil || proxyURL.User.Username() != "u" {
		t.Fatalf("expected credentials on proxy url, got %v", proxyURL)
	}
}

func TestProxyFunc_Bypass(t *testing.T) {
	cases := []struct {
		host   string
		bypass []string
	}{
		{"api.example.com", []string{".example.com"}},
		{"image-model:23333", []string{"image-model"}},
		{"10.1.2.3:23333", []string{"10.0.0.0/8"}},
		{"anything", []string{"*"}},
	}
	for _, tc := range cases {
		proxyFunc := ProxyConfig{HTTP: "http://proxy.local:3128", Bypass: tc.bypass}.Func()
		proxyURL, err := proxyFunc(&http.Request{URL: &url.URL{Scheme: "http", Host: tc.host}})
		if err != nil {
			t.Fatalf("proxy func failed: %v", err)
		}
		if proxyURL != nil {
			t.Fatalf("host=%s bypass=%v: expected bypass, got %v", tc.host, tc.bypass, proxyURL)
		}
	}
}
