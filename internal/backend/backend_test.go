package backend

import (
	"testing"

	"smda/internal/backend/native"
	"smda/internal/backend/objdump"
	"smda/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		kind    config.BackendKind
		want    string
		wantErr bool
	}{
		{"native", config.BackendNative, "native", false},
		{"default", "", "native", false},
		{"objdump", config.BackendObjdump, "objdump", false},
		{"unknown", "ghidra", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Backend = tt.kind
			b, err := New(cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			var got string
			switch b.(type) {
			case *native.Backend:
				got = "native"
			case *objdump.Backend:
				got = "objdump"
			}
			if got != tt.want {
				t.Errorf("New() = %T, want %s", b, tt.want)
			}
		})
	}
}
