// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package waiter polls cluster state until a condition holds or a bounded wait elapses.
package waiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/open-edge-platform/orch-library/go/dazl"
	"k8s.io/apimachinery/pkg/util/wait"
)

var log = dazl.GetPackageLogger()

// Condition reports whether the awaited state has been reached. A returned error aborts the wait.
type Condition func(ctx context.Context) (bool, error)

// TimeoutError is returned when a condition does not hold within the configured timeout.
type TimeoutError struct {
	Condition   string
	Timeout     time.Duration
	Outstanding []string
	Diagnostics string
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "timed out after %s waiting for %s", e.Timeout, e.Condition)
	if len(e.Outstanding) > 0 {
		fmt.Fprintf(&b, "; outstanding resources: %s", strings.Join(e.Outstanding, ", "))
	}
	if e.Diagnostics != "" {
		fmt.Fprintf(&b, "\n%s", e.Diagnostics)
	}
	return b.String()
}

// Waiter is a bounded poller
type Waiter struct {
	Interval time.Duration
	Timeout  time.Duration
}

func New(interval time.Duration, timeout time.Duration) Waiter {
	return Waiter{Interval: interval, Timeout: timeout}
}

// For polls cond until it returns true. Expiry of the timeout yields a *TimeoutError
// naming description; cancellation of ctx is returned as is.
func (w Waiter) For(ctx context.Context, description string, cond Condition) error {
	log.Debugf("Waiting up to %s for %s", w.Timeout, description)
	attempt := 0
	err := wait.PollUntilContextTimeout(ctx, w.Interval, w.Timeout, true, func(ctx context.Context) (bool, error) {
		attempt++
		done, err := cond(ctx)
		if err == nil && !done {
			log.Debugf("Poll %d for %s: not yet", attempt, description)
		}
		return done, err
	})
	if err == nil {
		log.Debugf("Done waiting for %s after %d polls", description, attempt)
		return nil
	}
	if ctx.Err() == nil && wait.Interrupted(err) {
		log.Warnf("Timed out after %s waiting for %s", w.Timeout, description)
		return &TimeoutError{Condition: description, Timeout: w.Timeout}
	}
	return err
}
