package wellknown

import "testing"

func TestMetadataURL(t *testing.T) {
	cases := map[string][2]string{
		"https://stream.example/api/v1/streaming":  {"https://stream.example/.well-known/oauth-protected-resource/api/v1/streaming", "/.well-known/oauth-protected-resource/api/v1/streaming"},
		"https://stream.example/api/v1/streaming/": {"https://stream.example/.well-known/oauth-protected-resource/api/v1/streaming", "/.well-known/oauth-protected-resource/api/v1/streaming"},
		"https://stream.example":                   {"https://stream.example/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource"},
	}
	for in, want := range cases {
		abs, path, err := MetadataURL(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if abs != want[0] || path != want[1] {
			t.Fatalf("%s: want %v got %s %s", in, want, abs, path)
		}
	}
	if _, _, err := MetadataURL("://bad"); err == nil {
		t.Fatalf("want parse error")
	}
}
