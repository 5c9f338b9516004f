// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
		msg  string
		want Kind
		ok   bool
	}{
		{"success code", "0", "success", 0, true},
		{"not logged in code", "10001004", "用户未登录", KindAuthExpired, false},
		{"no data code", "10002007", "数据不存在", KindNotFound, false},
		{"no data by message", "10004011", "该条件下数据不存在", KindNotFound, false},
		{"auth by message", "10001999", "用户未登录，请先登录", KindAuthExpired, false},
		{"network receive error", "10002001", "网络接收错误", KindTransient, false},
		{"connection reset by message", "10002002", "Connection reset by peer", KindTransient, false},
		{"timeout by message", "10002003", "read timeout", KindTransient, false},
		{"unknown code", "99999999", "internal error", KindPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyResponse(tt.code, tt.msg)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected nil error for success code, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected classified error, got nil")
			}
			if err.Kind != tt.want {
				t.Errorf("kind = %v, want %v", err.Kind, tt.want)
			}
			if err.Code != tt.code {
				t.Errorf("code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	if got := classifyTransport(errors.New("dial tcp: connection refused")); got.Kind != KindTransient {
		t.Errorf("connection refused: kind = %v, want transient", got.Kind)
	}
	if got := classifyTransport(errors.New("context deadline exceeded")); got.Kind != KindTransient {
		t.Errorf("deadline exceeded: kind = %v, want transient", got.Kind)
	}
	if got := classifyTransport(errors.New("unsupported protocol scheme")); got.Kind != KindPermanent {
		t.Errorf("protocol error: kind = %v, want permanent", got.Kind)
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	t.Parallel()

	inner := &Error{Kind: KindAuthExpired, Code: "10001004", Message: "用户未登录"}
	wrapped := fmt.Errorf("query growth data: %w", inner)

	if KindOf(wrapped) != KindAuthExpired {
		t.Errorf("KindOf(wrapped) = %v, want auth_expired", KindOf(wrapped))
	}
	if !IsAuthExpired(wrapped) {
		t.Error("IsAuthExpired should see through wrapping")
	}
	if IsNotFound(wrapped) || IsTransient(wrapped) {
		t.Error("wrong predicate matched")
	}
}

func TestKindOf_UnclassifiedDefaultsToPermanent(t *testing.T) {
	t.Parallel()

	if KindOf(errors.New("some plain error")) != KindPermanent {
		t.Error("unclassified errors must default to permanent")
	}
}
