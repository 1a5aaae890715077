// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package testcontext carries the identity of the running test case through a context.
package testcontext

import "context"

type testCaseKey struct{}

// WithTestCase returns a copy of ctx identifying the running test case as id.
func WithTestCase(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, testCaseKey{}, id)
}

// TestCase returns the test case identity stored in ctx, if any.
func TestCase(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(testCaseKey{}).(string)
	return id, ok && id != ""
}
