package registry

import (
	"fmt"

	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
)

// Permission is a bitmap of publish capabilities, one bit per event kind.
// Membership and subscription are not permissioned; only publishing is.
type Permission uint64

const (
	PermPublishLocation Permission = 1 << iota
	PermPublishMessage
	PermPublishAttendance
	PermPublishTripStatus
	PermPublishIncident
	PermPublishNotification
)

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// PublishPerm maps an event kind to the bit required to publish it.
func PublishPerm(k event.Kind) Permission {
	switch k {
	case event.KindLocation:
		return PermPublishLocation
	case event.KindMessage:
		return PermPublishMessage
	case event.KindAttendance:
		return PermPublishAttendance
	case event.KindTripStatus:
		return PermPublishTripStatus
	case event.KindIncident:
		return PermPublishIncident
	case event.KindNotification:
		return PermPublishNotification
	}
	return 0
}

// Participant roles carried in the credential's role claim.
const (
	RoleFleetOperator   = "fleet_operator"
	RoleVehicleOperator = "vehicle_operator"
	RoleGuardian        = "guardian"
)

var rolePerms = map[string]Permission{
	RoleFleetOperator: PermPublishLocation | PermPublishMessage | PermPublishAttendance |
		PermPublishTripStatus | PermPublishIncident | PermPublishNotification,
	RoleVehicleOperator: PermPublishLocation | PermPublishMessage | PermPublishAttendance |
		PermPublishTripStatus | PermPublishIncident,
	RoleGuardian: PermPublishMessage,
}

// RolePermissions compiles a role name into its publish bitmap.
func RolePermissions(role string) (Permission, error) {
	perms, ok := rolePerms[role]
	if !ok {
		return 0, fmt.Errorf("unknown role %q", role)
	}
	return perms, nil
}
