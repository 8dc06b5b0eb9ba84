package transport

import "testing"

func TestParseBearerChallenge(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		want   map[string]string
	}{
		{
			name:   "quoted params",
			header: []string{`Bearer realm="mcp", resource_metadata="https://a.example/x?y=1,2"`},
			want:   map[string]string{"realm": "mcp", "resource_metadata": "https://a.example/x?y=1,2"},
		},
		{
			name:   "token params and escapes",
			header: []string{`Bearer error=invalid_token, error_description="say \"hi\""`},
			want:   map[string]string{"error": "invalid_token", "error_description": `say "hi"`},
		},
		{
			name:   "non-bearer challenges are skipped",
			header: []string{`Basic realm="x"`, `bearer scope="a b"`},
			want:   map[string]string{"scope": "a b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseBearerChallenge(tt.header)
			if len(got) != len(tt.want) {
				t.Fatalf("want %v got %v", tt.want, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("param %s: want %q got %q", k, v, got[k])
				}
			}
		})
	}
}
