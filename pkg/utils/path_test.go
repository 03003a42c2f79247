package utils

import (
	"path/filepath"
	"testing"
)

func TestSecureJoin(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "var", "cache")

	tests := []struct {
		name     string
		elements []string
		want     string
		wantErr  bool
	}{
		{
			name:     "shard and entry",
			elements: []string{"ab", "abcdef.cache"},
			want:     filepath.Join(base, "ab", "abcdef.cache"),
		},
		{
			name:     "base itself",
			elements: nil,
			want:     base,
		},
		{
			name:     "traversal",
			elements: []string{"..", "etc", "passwd"},
			wantErr:  true,
		},
		{
			name:     "nested traversal",
			elements: []string{"ab", "..", "..", "secret"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("SecureJoin() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("expected error for empty base")
	}
}

func TestIsHexKey(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0123456789abcdef", true},
		{"", false},
		{"ABCDEF", false},
		{"../ab", false},
		{"ab/cd", false},
	}
	for _, tt := range tests {
		if got := IsHexKey(tt.in); got != tt.want {
			t.Errorf("IsHexKey(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
