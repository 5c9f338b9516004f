// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package provider

import "testing"

func TestToProviderCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"600000.SH", "sh.600000", false},
		{"000001.SZ", "sz.000001", false},
		{"430047.BJ", "bj.430047", false},
		{"sh.600000", "sh.600000", false},
		{" 600519.SH ", "sh.600519", false},
		{"", "", true},
		{"600000", "", true},
		{"600000.XX", "", true},
	}
	for _, tt := range tests {
		got, err := ToProviderCode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ToProviderCode(%q): expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ToProviderCode(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ToProviderCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromProviderCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"sh.600000", "600000.SH", false},
		{"sz.000001", "000001.SZ", false},
		{"600000.SH", "600000.SH", false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		got, err := FromProviderCode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("FromProviderCode(%q): expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("FromProviderCode(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FromProviderCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, canonical := range []string{"600000.SH", "000001.SZ", "430047.BJ"} {
		prov, err := ToProviderCode(canonical)
		if err != nil {
			t.Fatalf("ToProviderCode(%q): %v", canonical, err)
		}
		back, err := FromProviderCode(prov)
		if err != nil {
			t.Fatalf("FromProviderCode(%q): %v", prov, err)
		}
		if back != canonical {
			t.Errorf("round trip %q -> %q -> %q", canonical, prov, back)
		}
	}
}
