package db

import (
	"context"
	"time"

	"safewatch/internal/alerts"
	"safewatch/internal/monitor"
	"safewatch/internal/pairing"
	"safewatch/internal/trail"
	"safewatch/internal/types"
)

// Store aggregates the repositories behind the interfaces the engine
// consumes. It is safe for concurrent use when db is a pool.
type Store struct {
	Alerts     *AlertRepository
	Watermarks *WatermarkRepository
	Zones      *ZoneRepository
	Settings   *SettingsRepository
	Links      *LinkRepository
	Trails     *TrailRepository
}

var (
	_ alerts.Backend         = (*Store)(nil)
	_ alerts.SettingsSource  = (*Store)(nil)
	_ alerts.AlertSource     = (*Store)(nil)
	_ alerts.ChildNames      = (*Store)(nil)
	_ pairing.CodeStore      = (*Store)(nil)
	_ pairing.LinkStore      = (*Store)(nil)
	_ monitor.ZoneSource     = (*Store)(nil)
	_ monitor.GuardianSource = (*Store)(nil)
	_ trail.SegmentStore     = (*Store)(nil)
)

// NewStore builds every repository over db.
func NewStore(db DBTX) *Store {
	return &Store{
		Alerts:     NewAlertRepository(db),
		Watermarks: NewWatermarkRepository(db),
		Zones:      NewZoneRepository(db),
		Settings:   NewSettingsRepository(db),
		Links:      NewLinkRepository(db),
		Trails:     NewTrailRepository(db),
	}
}

func (s *Store) PostAlert(ctx context.Context, a types.Alert) error {
	return s.Alerts.Create(ctx, a)
}

func (s *Store) ListSince(ctx context.Context, guardianID string, since time.Time, limit int) ([]types.Alert, error) {
	return s.Alerts.ListSince(ctx, guardianID, since, limit)
}

func (s *Store) ListAfter(ctx context.Context, guardianID string, afterSeq int64, limit int) ([]types.Alert, error) {
	return s.Alerts.ListAfter(ctx, guardianID, afterSeq, limit)
}

func (s *Store) MarkDismissed(ctx context.Context, guardianID, alertID string) error {
	return s.Alerts.MarkDismissed(ctx, guardianID, alertID)
}

func (s *Store) UpdateWatermark(ctx context.Context, guardianID string, c types.AlertCursor) error {
	return s.Watermarks.Advance(ctx, guardianID, c)
}

func (s *Store) GetSettings(ctx context.Context, guardianID, childID string) (types.NotificationSettings, error) {
	return s.Settings.Get(ctx, guardianID, childID)
}

func (s *Store) ListZones(ctx context.Context, childID string) ([]types.Zone, error) {
	return s.Zones.ListByChild(ctx, childID)
}

func (s *Store) LinkedGuardians(ctx context.Context, childID string) ([]string, error) {
	return s.Links.LinkedGuardians(ctx, childID)
}

func (s *Store) ChildName(ctx context.Context, childID string) (string, error) {
	return s.Links.ChildName(ctx, childID)
}

func (s *Store) RegisterCode(ctx context.Context, childID, childName, pinHash string) error {
	return s.Links.RegisterCode(ctx, childID, childName, pinHash)
}

func (s *Store) LookupCode(ctx context.Context, pinHash string) (types.PairingLookup, error) {
	return s.Links.LookupCode(ctx, pinHash)
}

func (s *Store) SetCodeStatus(ctx context.Context, pinHash string, status types.PairingCodeStatus, guardianID, parentName string) error {
	return s.Links.SetCodeStatus(ctx, pinHash, status, guardianID, parentName)
}

func (s *Store) GetLink(ctx context.Context, guardianID, childID string) (types.LinkState, bool, error) {
	return s.Links.GetLink(ctx, guardianID, childID)
}

func (s *Store) SaveLink(ctx context.Context, link types.LinkState) error {
	return s.Links.SaveLink(ctx, link)
}

func (s *Store) AdminLink(ctx context.Context, childID string) (types.LinkState, bool, error) {
	return s.Links.AdminLink(ctx, childID)
}

func (s *Store) CountLinked(ctx context.Context, childID string) (int, error) {
	return s.Links.CountLinked(ctx, childID)
}

func (s *Store) DeleteLink(ctx context.Context, guardianID, childID string) error {
	return s.Links.DeleteLink(ctx, guardianID, childID)
}

func (s *Store) InsertSegment(ctx context.Context, seg trail.Segment) error {
	return s.Trails.InsertSegment(ctx, seg)
}
