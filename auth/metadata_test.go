package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProtectedResourceMetadata(t *testing.T) {
	meta := ProtectedResourceMetadata{
		Resource:             "https://mcp.example.com/mcp",
		AuthorizationServers: []string{"https://issuer.example.com"},
		ScopesSupported:      []string{"mcp:read"},
	}
	rec := httptest.NewRecorder()
	meta.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ProtectedResourceMetadataPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["resource"] != meta.Resource {
		t.Fatalf("unexpected resource: %v", got["resource"])
	}
	if methods, _ := got["bearer_methods_supported"].([]any); len(methods) != 1 || methods[0] != "header" {
		t.Fatalf("expected default bearer method, got %v", got["bearer_methods_supported"])
	}
	if _, ok := got["jwks_uri"]; ok {
		t.Fatalf("empty fields should be omitted")
	}

	rec = httptest.NewRecorder()
	meta.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, ProtectedResourceMetadataPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
