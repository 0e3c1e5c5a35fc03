package util

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("Version should not be empty")
	}
	if strings.ContainsAny(version, " \n\t") {
		t.Errorf("Version should be trimmed, got %q", version)
	}
}

func TestGetNameAndVersion(t *testing.T) {
	nv := GetNameAndVersion()
	if !strings.Contains(nv, Name) {
		t.Errorf("Expected %q to contain the service name", nv)
	}
	if !strings.Contains(nv, GetVersion()) {
		t.Errorf("Expected %q to contain the version", nv)
	}
}

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"newlines flattened", "line1\nline2", "line1 line2"},
		{"html escaped", `<b>"bold"</b>`, "&lt;b&gt;&#34;bold&#34;&lt;/b&gt;"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeInput(tt.input); got != tt.want {
				t.Errorf("NormalizeInput(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
