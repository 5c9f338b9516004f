// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package provider

import (
	"fmt"
	"strings"
)

// The engine stores entity codes in canonical form "600000.SH" while the
// quote service expects "sh.600000". Conversion lives here so the rest of
// the system never sees provider-form codes.

// ToProviderCode converts a canonical "600000.SH" code to provider form
// "sh.600000". Codes already in provider form pass through unchanged.
func ToProviderCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty entity code")
	}
	if i := strings.Index(code, "."); i > 0 && i < len(code)-1 {
		prefix, suffix := code[:i], code[i+1:]
		switch strings.ToLower(prefix) {
		case "sh", "sz", "bj":
			// Already provider form.
			return strings.ToLower(prefix) + "." + suffix, nil
		}
		switch strings.ToUpper(suffix) {
		case "SH", "SZ", "BJ":
			return strings.ToLower(suffix) + "." + prefix, nil
		}
	}
	return "", fmt.Errorf("unrecognized entity code %q", code)
}

// FromProviderCode converts a provider-form "sh.600000" code to canonical
// "600000.SH". Canonical codes pass through unchanged.
func FromProviderCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty entity code")
	}
	if i := strings.Index(code, "."); i > 0 && i < len(code)-1 {
		prefix, suffix := code[:i], code[i+1:]
		switch strings.ToLower(prefix) {
		case "sh", "sz", "bj":
			return suffix + "." + strings.ToUpper(prefix), nil
		}
		switch strings.ToUpper(suffix) {
		case "SH", "SZ", "BJ":
			// Already canonical.
			return prefix + "." + strings.ToUpper(suffix), nil
		}
	}
	return "", fmt.Errorf("unrecognized provider code %q", code)
}
