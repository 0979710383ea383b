// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import "encoding/json"

// Operation classifies a change event.
type Operation int

const (
	// OperationUpdate is the default when the producer omits the field.
	OperationUpdate Operation = iota
	// OperationCreate signals the first write for an entity.
	OperationCreate
	// OperationDelete signals removal of one or more aspects. The old
	// snapshot carries what was removed.
	OperationDelete
)

// String returns the wire name of the operation.
func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "CREATE"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is the metadata change event consumed by the processor.
//
// Presence of OldSnapshot/NewSnapshot (non-nil pointer) distinguishes "no
// prior value" from "value is empty". Invariants: DELETE requires
// OldSnapshot; CREATE and UPDATE require NewSnapshot.
type ChangeEvent struct {
	Operation      Operation       `json:"operation"`
	OldSnapshot    *Snapshot       `json:"oldSnapshot,omitempty"`
	NewSnapshot    *Snapshot       `json:"newSnapshot,omitempty"`
	SystemMetadata *SystemMetadata `json:"systemMetadata,omitempty"`
}

// FailedEvent is emitted to the dead-letter side channel when an event
// cannot be processed.
type FailedEvent struct {
	Event ChangeEvent `json:"event"`
	Error string      `json:"error"`
	Stack string      `json:"stack,omitempty"`
}

// MarshalJSON encodes the operation by wire name rather than ordinal so
// dead-letter payloads stay readable.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON accepts the wire name; unknown names fall back to UPDATE,
// matching the producer contract where the field is optional.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "CREATE":
		*o = OperationCreate
	case "DELETE":
		*o = OperationDelete
	default:
		*o = OperationUpdate
	}
	return nil
}
