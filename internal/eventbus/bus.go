// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

// Package eventbus carries fleet notifications from the reconciliation loop
// and the action dispatcher to whoever renders them.
package eventbus

import (
	"context"
	"time"
)

// Topics published by the fleet packages.
const (
	TopicSnapshotApplied = "fleet.snapshot.applied"
	TopicSnapshotFailed  = "fleet.snapshot.failed"
	TopicAction          = "fleet.action"

	// TopicAllFleet matches every topic above.
	TopicAllFleet = "fleet.*"
)

// Bus is a thin abstraction over the internal event distribution mechanism.
// A topic ending in ".*" subscribes to every topic sharing that prefix.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}

// SnapshotEvent reports the outcome of one reconciliation cycle.
type SnapshotEvent struct {
	Seq        uint64    `json:"seq"`
	Generation uint64    `json:"generation"`
	VMs        int       `json:"vms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ActionEvent reports a dispatched lifecycle action.
type ActionEvent struct {
	ID        string    `json:"id"`
	Verb      string    `json:"verb"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
