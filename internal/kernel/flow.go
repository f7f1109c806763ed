// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"time"

	"grimm.is/ssdphelper/internal/conntrack"
)

// FlowState represents the connection tracking state.
type FlowState string

const (
	FlowStateNew         FlowState = "NEW"
	FlowStateEstablished FlowState = "ESTABLISHED"
	FlowStateRelated     FlowState = "RELATED"
)

// Flow is a tracked connection in the simulation engine.
type Flow struct {
	*conntrack.Flow

	State     FlowState
	Helper    *conntrack.Helper // nil when no helper is attached
	MasterID  uint64            // set for flows admitted by an expectation
	Packets   uint64
	Bytes     uint64
	StartTime time.Time
	LastSeen  time.Time
}

// Stats summarizes engine activity.
type Stats struct {
	Flows           int
	Expectations    int
	PacketsAccepted uint64
	PacketsDropped  uint64
	ExpectedMatched uint64
	ExpectedExpired uint64
	ExpectedEvicted uint64
	FlowsByState    map[FlowState]int
}
