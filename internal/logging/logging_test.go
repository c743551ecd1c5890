package logging

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
	}{
		{"json info", "json", "info", false},
		{"console debug", "console", "debug", false},
		{"json warn", "json", "warn", false},
		{"bad format", "xml", "info", true},
		{"bad level", "json", "loud", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.format, tt.level)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if log == nil {
				t.Fatal("nil logger without error")
			}
			_ = log.Sync()
		})
	}
}
