// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"

	"github.com/telekom/csvaudit/pkg/audit/schema"
)

// Document is a structured audit event as decoded from JSON: nested
// map[string]any and []any values, strings, float64 numbers and booleans.
type Document map[string]any

// ID returns the identity field of the event, or "" when it is missing or
// not a string.
func (d Document) ID() string {
	id, _ := d[schema.IDField].(string)
	return id
}

// Resource is a stored event as returned by Publish, Query and Read.
type Resource struct {
	ID      string   `json:"_id"`
	Content Document `json:"content"`
}

func newResource(doc Document) Resource {
	return Resource{ID: doc.ID(), Content: doc}
}

// Outcome is the result of the write path for one event.
type Outcome int

const (
	// Stored means the first write attempt succeeded.
	Stored Outcome = iota
	// RetriedAndStored means the writer was reset and the retry succeeded.
	RetriedAndStored
	// Rejected means the event could not be persisted.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case RetriedAndStored:
		return "retried_and_stored"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PublishResult reports how an event went through the write path.
type PublishResult struct {
	Outcome  Outcome
	Resource Resource
	// Reason is set when the event was rejected.
	Reason error
}
