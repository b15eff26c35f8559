package main

import (
	"testing"
	"time"
)

func TestParseDateFlag(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{name: "empty", in: "", want: time.Time{}},
		{name: "date only", in: "2026-01-15", want: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)},
		{name: "rfc3339", in: "2026-01-15T10:30:00Z", want: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)},
		{name: "garbage", in: "not-a-date", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDateFlag(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDateFlag(%q) expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDateFlag(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("parseDateFlag(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
