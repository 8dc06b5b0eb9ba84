package wellknown

import (
	"net/url"
	"testing"
)

func TestProtectedResourceMetadataURL(t *testing.T) {
	u, _ := url.Parse("https://mcp.example.com/v1/mcp/")
	if want, got := "https://mcp.example.com/.well-known/oauth-protected-resource/v1/mcp", ProtectedResourceMetadataURL(u).String(); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestAuthServerMetadataURLs(t *testing.T) {
	root, _ := url.Parse("https://auth.example.com")
	if want, got := 2, len(AuthServerMetadataURLs(root)); want != got {
		t.Fatalf("want %d candidates for root issuer, got %d", want, got)
	}

	tenant, _ := url.Parse("https://auth.example.com/tenant1")
	got := AuthServerMetadataURLs(tenant)
	want := []string{
		"https://auth.example.com/.well-known/oauth-authorization-server/tenant1",
		"https://auth.example.com/.well-known/openid-configuration/tenant1",
		"https://auth.example.com/tenant1/.well-known/openid-configuration",
	}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("candidate %d: want %s, got %s", i, want[i], got[i])
		}
	}
}
