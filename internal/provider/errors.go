// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package provider

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a provider failure. Classification happens once, at the
// adapter boundary, so callers never re-parse message text.
type Kind int

const (
	// KindNotFound means the provider has no data for the requested
	// entity/period. Not an error for callers: return empty, no retry.
	KindNotFound Kind = iota

	// KindTransient covers connection resets, timeouts and other network
	// failures eligible for retry/backoff.
	KindTransient

	// KindAuthExpired means the session token is no longer valid; the
	// session manager re-logs-in and retries the call exactly once.
	KindAuthExpired

	// KindPermanent is everything else: logged and counted as a failure
	// for the item, never retried.
	KindPermanent
)

// String returns the metric/log label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "permanent"
	}
}

// Wire error codes used by the quote service.
const (
	codeOK          = "0"
	codeNotLoggedIn = "10001004"
	codeNoData      = "10002007"
)

// Error is a classified provider failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %s (code %s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

// classifyResponse maps a wire error code + message to a typed error.
// Returns nil for a success code.
func classifyResponse(code, msg string) *Error {
	switch code {
	case codeOK:
		return nil
	case codeNotLoggedIn:
		return &Error{Kind: KindAuthExpired, Code: code, Message: msg}
	case codeNoData:
		return &Error{Kind: KindNotFound, Code: code, Message: msg}
	}
	if isNoDataMessage(msg) {
		return &Error{Kind: KindNotFound, Code: code, Message: msg}
	}
	if isAuthMessage(msg) {
		return &Error{Kind: KindAuthExpired, Code: code, Message: msg}
	}
	if isNetworkMessage(msg) {
		return &Error{Kind: KindTransient, Code: code, Message: msg}
	}
	return &Error{Kind: KindPermanent, Code: code, Message: msg}
}

// classifyTransport maps an HTTP/network layer error to a typed error.
func classifyTransport(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	if isNetworkMessage(err.Error()) {
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	return &Error{Kind: KindPermanent, Message: err.Error()}
}

func isNoDataMessage(msg string) bool {
	return strings.Contains(msg, "数据不存在") ||
		strings.Contains(strings.ToLower(msg), "no data")
}

func isAuthMessage(msg string) bool {
	return strings.Contains(msg, "用户未登录") ||
		strings.Contains(msg, "未登录") ||
		strings.Contains(strings.ToLower(msg), "not logged in")
}

func isNetworkMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(msg, "网络接收错误") ||
		strings.Contains(msg, "网络连接失败") ||
		strings.Contains(lower, "connection aborted") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "eof")
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report KindPermanent.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindPermanent
}

// IsNotFound reports whether err is a no-data response.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsAuthExpired reports whether err indicates a stale session.
func IsAuthExpired(err error) bool {
	return err != nil && KindOf(err) == KindAuthExpired
}
