package alerts

import (
	"encoding/json"
	"fmt"
	"strings"

	"safewatch/internal/types"
)

// Variant is one kind of alert with only the fields that kind carries.
type Variant interface {
	Kind() types.AlertKind
	Validate() error
	Payload() map[string]any
}

type WatchRemoved struct{}

type WatchBackOn struct{}

type BatteryLow struct {
	Percent   int `json:"percent" validate:"gte=0,lte=100"`
	Threshold int `json:"threshold" validate:"gte=10,lte=50"`
}

type SOS struct {
	Location *types.LatLon `json:"location,omitempty"`
}

type Halt struct {
	SentBy string `json:"sent_by" validate:"required"`
}

type SafeZoneExit struct {
	ZoneID   string `json:"zone_id"`
	ZoneName string `json:"zone_name" validate:"required"`
}

type UnsafeZoneEntry struct {
	ZoneID   string `json:"zone_id"`
	ZoneName string `json:"zone_name" validate:"required"`
	Repeat   bool   `json:"repeat"`
}

// ConnectionRequest is raised for the admin guardian when another guardian
// submits the child's PIN.
type ConnectionRequest struct {
	PIN         string `json:"pin" validate:"required"`
	RequesterID string `json:"requester_id" validate:"required"`
	ParentName  string `json:"parent_name"`
}

func (WatchRemoved) Kind() types.AlertKind      { return types.AlertWatchRemoved }
func (WatchBackOn) Kind() types.AlertKind       { return types.AlertWatchBackOn }
func (BatteryLow) Kind() types.AlertKind        { return types.AlertBatteryLow }
func (SOS) Kind() types.AlertKind               { return types.AlertSOS }
func (Halt) Kind() types.AlertKind              { return types.AlertHalt }
func (SafeZoneExit) Kind() types.AlertKind      { return types.AlertSafeZoneExit }
func (UnsafeZoneEntry) Kind() types.AlertKind   { return types.AlertUnsafeZoneEntry }
func (ConnectionRequest) Kind() types.AlertKind { return types.AlertConnectionRequest }

func (WatchRemoved) Validate() error { return nil }
func (WatchBackOn) Validate() error  { return nil }

func (v BatteryLow) Validate() error {
	return types.ValidateStruct(v, types.ErrCodeValidationInvalidAlert)
}

func (v SOS) Validate() error {
	if v.Location == nil {
		return nil
	}
	return types.ValidateLatLon(*v.Location)
}

func (v Halt) Validate() error {
	return types.ValidateStruct(v, types.ErrCodeValidationInvalidAlert)
}

func (v SafeZoneExit) Validate() error {
	return types.ValidateStruct(v, types.ErrCodeValidationInvalidAlert)
}

func (v UnsafeZoneEntry) Validate() error {
	return types.ValidateStruct(v, types.ErrCodeValidationInvalidAlert)
}

func (v ConnectionRequest) Validate() error {
	if strings.TrimSpace(v.PIN) == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidAlert, "connection request has an empty pin", nil)
	}
	return types.ValidateStruct(v, types.ErrCodeValidationInvalidAlert)
}

func (WatchRemoved) Payload() map[string]any        { return nil }
func (WatchBackOn) Payload() map[string]any         { return nil }
func (v BatteryLow) Payload() map[string]any        { return toPayload(v) }
func (v SOS) Payload() map[string]any               { return toPayload(v) }
func (v Halt) Payload() map[string]any              { return toPayload(v) }
func (v SafeZoneExit) Payload() map[string]any      { return toPayload(v) }
func (v UnsafeZoneEntry) Payload() map[string]any   { return toPayload(v) }
func (v ConnectionRequest) Payload() map[string]any { return toPayload(v) }

// toPayload round-trips through JSON so payload keys always match the
// persisted document keys.
func toPayload(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// ParseVariant rebuilds and validates the typed variant of a stored alert.
// Documents read back from the backend pass through here before they reach
// the listener.
func ParseVariant(kind types.AlertKind, payload map[string]any) (Variant, error) {
	var v Variant
	switch kind {
	case types.AlertWatchRemoved:
		return WatchRemoved{}, nil
	case types.AlertWatchBackOn:
		return WatchBackOn{}, nil
	case types.AlertBatteryLow:
		v = &BatteryLow{}
	case types.AlertSOS:
		v = &SOS{}
	case types.AlertHalt:
		v = &Halt{}
	case types.AlertSafeZoneExit:
		v = &SafeZoneExit{}
	case types.AlertUnsafeZoneEntry:
		v = &UnsafeZoneEntry{}
	case types.AlertConnectionRequest:
		v = &ConnectionRequest{}
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAlert, fmt.Sprintf("unknown alert kind %q", kind), nil)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAlert, "payload is not serializable", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAlert, fmt.Sprintf("payload does not match %s", kind), err)
	}
	out := deref(v)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func deref(v Variant) Variant {
	switch p := v.(type) {
	case *BatteryLow:
		return *p
	case *SOS:
		return *p
	case *Halt:
		return *p
	case *SafeZoneExit:
		return *p
	case *UnsafeZoneEntry:
		return *p
	case *ConnectionRequest:
		return *p
	}
	return v
}
