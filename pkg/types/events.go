// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

package types

// MapEventType is the kind of change a MapEvent reports
type MapEventType string

const (
	// MapEventCreated reports a created row
	MapEventCreated MapEventType = "created"
	// MapEventUpdated reports an updated row
	MapEventUpdated MapEventType = "updated"
	// MapEventDeleted reports a deleted row
	MapEventDeleted MapEventType = "deleted"
)

// MapEvent is a change notification for downstream subscribers, tagged with
// the snapshot the mutation landed in.
type MapEvent struct {
	Type     MapEventType
	Datatype Datatype
	Map      PolicingMap
}
