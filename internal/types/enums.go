package types

// AlertKind identifies the safety event carried by an Alert.
type AlertKind string

const (
	AlertWatchRemoved      AlertKind = "watch_removed"
	AlertWatchBackOn       AlertKind = "watch_back_on"
	AlertBatteryLow        AlertKind = "battery_low"
	AlertSOS               AlertKind = "sos"
	AlertHalt              AlertKind = "halt"
	AlertSafeZoneExit      AlertKind = "safe_zone_exit"
	AlertUnsafeZoneEntry   AlertKind = "unsafe_zone_entry"
	AlertConnectionRequest AlertKind = "connection_request"
)

// AllAlertKinds lists every AlertKind in a stable order.
var AllAlertKinds = []AlertKind{
	AlertWatchRemoved,
	AlertWatchBackOn,
	AlertBatteryLow,
	AlertSOS,
	AlertHalt,
	AlertSafeZoneExit,
	AlertUnsafeZoneEntry,
	AlertConnectionRequest,
}

// Valid reports whether k is a known alert kind.
func (k AlertKind) Valid() bool {
	for _, known := range AllAlertKinds {
		if k == known {
			return true
		}
	}
	return false
}

// LinkStatus is the lifecycle state of a guardian-to-child link.
type LinkStatus string

const (
	LinkNone            LinkStatus = "none"
	LinkPendingApproval LinkStatus = "pending_approval"
	LinkLinked          LinkStatus = "linked"
	LinkRejected        LinkStatus = "rejected"
	LinkUnlinked        LinkStatus = "unlinked"
)

// PairingCodeStatus is the backend's answer to a pairing-code lookup.
type PairingCodeStatus string

const (
	PairingNotFound           PairingCodeStatus = "not_found"
	PairingWaitingForApproval PairingCodeStatus = "waiting_for_approval"
	PairingRejected           PairingCodeStatus = "rejected"
	PairingLinked             PairingCodeStatus = "linked"
)

// HapticPattern names a haptic feedback pattern understood by the watch.
type HapticPattern string

const (
	HapticNotification HapticPattern = "notification"
	HapticFailure      HapticPattern = "failure"
	HapticSuccess      HapticPattern = "success"
	HapticRetry        HapticPattern = "retry"
)
