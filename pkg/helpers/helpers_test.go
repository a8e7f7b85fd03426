package helpers

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tilde", "~/.barter", filepath.Join(home, ".barter")},
		{"absolute", "/var/lib/barter", "/var/lib/barter"},
		{"relative", "data", "data"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandPath(tt.in); got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "https://hooks.example/barter", []string{"https://hooks.example/barter"}},
		{"trims", " talent , service ", []string{"talent", "service"}},
		{"drops blanks", "talent,,service,", []string{"talent", "service"}},
		{"dedupes", "talent,service,talent", []string{"talent", "service"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitList(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
