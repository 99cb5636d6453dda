// Package pairing implements the guardian-to-watch link lifecycle: PIN
// issuance on the watch, PIN submission by guardians, the admin approval
// gate, and detection of links that disappeared from the backend.
//
// Link states:
//
//	none -> pending_approval -> linked | rejected
//	none -> linked (first guardian, who becomes admin)
//	linked -> unlinked
//
// Each PIN is claimed by at most one guardian. Once the PIN on the watch has
// been claimed the next visit to the pairing screen issues a fresh one, so
// every further guardian pairs with a PIN of their own and polls its status
// independently. Rejected and unlinked are terminal for the current PIN; a
// guardian must submit a freshly generated PIN to start over.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"safewatch/internal/alerts"
	"safewatch/internal/clock"
	"safewatch/internal/types"
)

// Sentinel errors. Service methods return *types.AppError values that wrap
// these, so callers can use either errors.Is or types.CodeOf.
var (
	ErrInvalidPIN = errors.New("pairing: invalid pin")
	ErrRejected   = errors.New("pairing: request rejected")
	ErrLinkGone   = errors.New("pairing: link no longer exists")
	ErrNotAdmin   = errors.New("pairing: guardian is not the child's admin")
)

// CodeStore persists pairing codes by PIN hash. A freshly registered code
// reports PairingWaitingForApproval with no GuardianID until claimed.
type CodeStore interface {
	RegisterCode(ctx context.Context, childID, childName, pinHash string) error
	LookupCode(ctx context.Context, pinHash string) (types.PairingLookup, error)
	SetCodeStatus(ctx context.Context, pinHash string, status types.PairingCodeStatus, guardianID, parentName string) error
}

// LinkStore persists guardian links.
type LinkStore interface {
	GetLink(ctx context.Context, guardianID, childID string) (types.LinkState, bool, error)
	SaveLink(ctx context.Context, link types.LinkState) error
	AdminLink(ctx context.Context, childID string) (types.LinkState, bool, error)
	CountLinked(ctx context.Context, childID string) (int, error)
	DeleteLink(ctx context.Context, guardianID, childID string) error
}

// Notifier emits the connection-request alert to the admin guardian.
type Notifier interface {
	Submit(ctx context.Context, c alerts.Candidate) (alerts.Result, error)
}

// SubmitRequest is a guardian entering the PIN shown on the watch.
type SubmitRequest struct {
	GuardianID string `json:"guardian_id" validate:"required"`
	PIN        string `json:"pin" validate:"required"`
	ParentName string `json:"parent_name" validate:"max=64"`
	// ChildName is applied only when the submitter becomes admin.
	ChildName string `json:"child_name" validate:"max=64"`
}

// DecideRequest is the admin's answer to a pending link.
type DecideRequest struct {
	AdminID     string `json:"admin_id" validate:"required"`
	RequesterID string `json:"requester_id" validate:"required"`
	ChildID     string `json:"child_id" validate:"required"`
	Approve     bool   `json:"approve"`
}

// ServiceConfig holds the Service's collaborators.
type ServiceConfig struct {
	Codes    CodeStore
	Links    LinkStore
	Notifier Notifier
	Hasher   *Hasher
	Clock    clock.Clock
	Logger   types.Logger
	// NewPIN defaults to GeneratePIN.
	NewPIN func() (string, error)
}

// Service runs pairing for every child hosted by the engine.
type Service struct {
	codes    CodeStore
	links    LinkStore
	notifier Notifier
	hasher   *Hasher
	clock    clock.Clock
	logger   types.Logger
	newPIN   func() (string, error)

	mu      sync.Mutex
	current map[string]string      // childID -> PIN on the pairing screen
	claims  map[string]*sync.Mutex // childID -> serializes SubmitPIN
}

// NewService returns a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = types.NopLogger{}
	}
	if cfg.NewPIN == nil {
		cfg.NewPIN = GeneratePIN
	}
	return &Service{
		codes:    cfg.Codes,
		links:    cfg.Links,
		notifier: cfg.Notifier,
		hasher:   cfg.Hasher,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		newPIN:   cfg.NewPIN,
		current:  make(map[string]string),
		claims:   make(map[string]*sync.Mutex),
	}
}

// EnterPairingScreen returns the PIN to show on the child's watch. While the
// child has no linked guardian every call issues and registers a fresh PIN.
// Once linked the current PIN is kept until a guardian claims it.
func (s *Service) EnterPairingScreen(ctx context.Context, childID, childName string) (string, error) {
	if childID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "child_id is required", nil)
	}
	linked, err := s.links.CountLinked(ctx, childID)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBackend, "failed to check links", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pin, ok := s.current[childID]; ok && linked > 0 {
		lookup, err := s.codes.LookupCode(ctx, s.hasher.Hash(pin))
		if err != nil {
			return "", types.NewAppError(types.ErrCodeUpstreamBackend, "failed to look up pin", err)
		}
		if lookup.Status == types.PairingWaitingForApproval && lookup.GuardianID == "" {
			return pin, nil
		}
	}

	pin, err := s.newPIN()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate pin", err)
	}
	if err := s.codes.RegisterCode(ctx, childID, childName, s.hasher.Hash(pin)); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBackend, "failed to register pin", err)
	}
	s.current[childID] = pin
	s.logger.Info("pairing pin issued", "child_id", childID)
	return pin, nil
}

// SubmitPIN links a guardian to the child whose watch shows pin. The first
// guardian becomes admin and is linked immediately; later guardians wait
// for the admin's approval. Submissions for the same child are serialized.
func (s *Service) SubmitPIN(ctx context.Context, req SubmitRequest) (types.LinkState, error) {
	if err := types.ValidateStruct(req, types.ErrCodeValidationMissingField); err != nil {
		return types.LinkState{}, err
	}
	if !types.ValidPIN(req.PIN) {
		return types.LinkState{}, types.NewAppError(types.ErrCodeValidationInvalidPIN, "PIN must be 6 digits", nil)
	}

	hash := s.hasher.Hash(req.PIN)
	lookup, err := s.lookup(ctx, hash)
	if err != nil {
		return types.LinkState{}, err
	}

	unlock := s.lockChild(lookup.ChildID)
	defer unlock()
	// Re-read under the lock; another guardian may have claimed it meanwhile.
	if lookup, err = s.lookup(ctx, hash); err != nil {
		return types.LinkState{}, err
	}
	switch {
	case lookup.Status == types.PairingRejected:
		return types.LinkState{}, types.NewAppError(types.ErrCodePairingRejected, "pairing request was rejected", ErrRejected)
	case lookup.GuardianID != "" && lookup.GuardianID != req.GuardianID:
		return types.LinkState{}, types.NewAppError(types.ErrCodeConflictTransition,
			"pin was already used by another guardian; reopen the pairing screen for a new one", nil)
	}
	logger := s.logger.With("guardian_id", req.GuardianID, "child_id", lookup.ChildID)

	existing, found, err := s.links.GetLink(ctx, req.GuardianID, lookup.ChildID)
	if err != nil {
		return types.LinkState{}, types.NewAppError(types.ErrCodeUpstreamBackend, "failed to load link", err)
	}
	if found && (existing.Status == types.LinkLinked || existing.Status == types.LinkPendingApproval) {
		return existing, nil
	}

	admin, hasAdmin, err := s.links.AdminLink(ctx, lookup.ChildID)
	if err != nil {
		return types.LinkState{}, types.NewAppError(types.ErrCodeUpstreamBackend, "failed to load admin", err)
	}

	link := types.LinkState{
		GuardianID: req.GuardianID,
		ChildID:    lookup.ChildID,
		PINHash:    hash,
		ParentName: req.ParentName,
		UpdatedAt:  s.clock.Now(),
	}

	if !hasAdmin {
		linked, err := s.linkAdmin(ctx, link, existing.Status, lookup, req.ChildName)
		if types.CodeOf(err) != types.ErrCodeConflictAdmin {
			if err == nil {
				logger.Info("guardian linked as admin")
			}
			return linked, err
		}
		// Another engine linked an admin first.
		admin, hasAdmin, err = s.links.AdminLink(ctx, lookup.ChildID)
		if err != nil {
			return types.LinkState{}, types.NewAppError(types.ErrCodeUpstreamBackend, "failed to load admin", err)
		}
		if !hasAdmin {
			return types.LinkState{}, types.NewAppError(types.ErrCodeConflictAdmin, "admin link changed during pairing", nil)
		}
	}

	m := NewMachine(existing.Status)
	m.Reopen()
	if err := m.Transition(types.LinkPendingApproval); err != nil {
		return types.LinkState{}, err
	}
	link.Status = m.Status()
	link.ChildName = admin.ChildName
	if err := s.persist(ctx, link, types.PairingWaitingForApproval); err != nil {
		return types.LinkState{}, err
	}
	logger.Info("guardian awaiting admin approval", "admin_id", admin.GuardianID)

	s.requestApproval(ctx, admin, link, req.PIN)
	return link, nil
}

func (s *Service) linkAdmin(ctx context.Context, link types.LinkState, from types.LinkStatus, lookup types.PairingLookup, childName string) (types.LinkState, error) {
	m := NewMachine(from)
	m.Reopen()
	if err := m.Transition(types.LinkLinked); err != nil {
		return types.LinkState{}, err
	}
	link.Status = m.Status()
	link.IsAdmin = true
	link.ChildName = lookup.ChildName
	if childName != "" {
		link.ChildName = childName
	}
	if err := s.persist(ctx, link, types.PairingLinked); err != nil {
		return types.LinkState{}, err
	}
	return link, nil
}

func (s *Service) lookup(ctx context.Context, hash string) (types.PairingLookup, error) {
	lookup, err := s.codes.LookupCode(ctx, hash)
	if err != nil {
		return types.PairingLookup{}, types.NewAppError(types.ErrCodeUpstreamBackend, "failed to look up pin", err)
	}
	if lookup.Status == types.PairingNotFound || lookup.ChildID == "" {
		return types.PairingLookup{}, types.NewAppError(types.ErrCodePairingInvalidPIN, "Invalid PIN", ErrInvalidPIN)
	}
	return lookup, nil
}

// lockChild serializes pairing claims for childID and returns the unlock.
func (s *Service) lockChild(childID string) func() {
	s.mu.Lock()
	m, ok := s.claims[childID]
	if !ok {
		m = &sync.Mutex{}
		s.claims[childID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Service) requestApproval(ctx context.Context, admin, link types.LinkState, pin string) {
	if s.notifier == nil {
		return
	}
	_, err := s.notifier.Submit(ctx, alerts.Candidate{
		ChildID:    link.ChildID,
		GuardianID: admin.GuardianID,
		ChildName:  admin.ChildName,
		Variant: alerts.ConnectionRequest{
			PIN:         pin,
			RequesterID: link.GuardianID,
			ParentName:  link.ParentName,
		},
	})
	if err != nil {
		s.logger.Warn("connection request alert failed",
			"admin_id", admin.GuardianID,
			"guardian_id", link.GuardianID,
			"error", err,
		)
	}
}

// Decide approves or rejects a pending link. Only the child's admin may
// decide.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (types.LinkState, error) {
	if err := types.ValidateStruct(req, types.ErrCodeValidationMissingField); err != nil {
		return types.LinkState{}, err
	}

	admin, found, err := s.links.GetLink(ctx, req.AdminID, req.ChildID)
	if err != nil {
		return types.LinkState{}, types.NewAppError(types.ErrCodeUpstreamBackend, "failed to load admin link", err)
	}
	if !found || !admin.IsAdmin || admin.Status != types.LinkLinked {
		return types.LinkState{}, types.NewAppError(types.ErrCodePairingNotAdmin, "only the admin guardian may decide", ErrNotAdmin)
	}

	link, found, err := s.links.GetLink(ctx, req.RequesterID, req.ChildID)
	if err != nil {
		return types.LinkState{}, types.NewAppError(types.ErrCodeUpstreamBackend, "failed to load link", err)
	}
	if !found {
		return types.LinkState{}, types.NewAppError(types.ErrCodeNotFoundLink, "no pending request for guardian", ErrLinkGone)
	}

	next, code := types.LinkRejected, types.PairingRejected
	if req.Approve {
		next, code = types.LinkLinked, types.PairingLinked
	}
	m := NewMachine(link.Status)
	if err := m.Transition(next); err != nil {
		return types.LinkState{}, err
	}
	link.Status = m.Status()
	link.ChildName = admin.ChildName
	link.UpdatedAt = s.clock.Now()
	if err := s.persist(ctx, link, code); err != nil {
		return types.LinkState{}, err
	}

	s.logger.Info("pairing request decided",
		"admin_id", req.AdminID,
		"guardian_id", req.RequesterID,
		"child_id", req.ChildID,
		"status", string(link.Status),
	)
	return link, nil
}

// Unlink removes a guardian's link, either on explicit request or because
// the backend no longer has it.
func (s *Service) Unlink(ctx context.Context, guardianID, childID string) error {
	link, found, err := s.links.GetLink(ctx, guardianID, childID)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBackend, "failed to load link", err)
	}
	if !found {
		return types.NewAppError(types.ErrCodeNotFoundLink, "link not found", ErrLinkGone)
	}
	if err := NewMachine(link.Status).Transition(types.LinkUnlinked); err != nil {
		return err
	}
	if err := s.links.DeleteLink(ctx, guardianID, childID); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBackend, "failed to delete link", err)
	}
	s.logger.Info("guardian unlinked", "guardian_id", guardianID, "child_id", childID, "was_admin", link.IsAdmin)
	return nil
}

// PairingStatus reports the status of the code behind pin.
func (s *Service) PairingStatus(ctx context.Context, pin string) (types.PairingLookup, error) {
	if !types.ValidPIN(pin) {
		return types.PairingLookup{Status: types.PairingNotFound}, nil
	}
	lookup, err := s.codes.LookupCode(ctx, s.hasher.Hash(pin))
	if err != nil {
		return types.PairingLookup{}, fmt.Errorf("lookup pairing code: %w", err)
	}
	return lookup, nil
}

// LinkExists reports whether guardianID is currently linked to childID.
func (s *Service) LinkExists(ctx context.Context, guardianID, childID string) (bool, error) {
	link, found, err := s.links.GetLink(ctx, guardianID, childID)
	if err != nil {
		return false, fmt.Errorf("get link: %w", err)
	}
	return found && link.Status == types.LinkLinked, nil
}

func (s *Service) persist(ctx context.Context, link types.LinkState, code types.PairingCodeStatus) error {
	if err := s.links.SaveLink(ctx, link); err != nil {
		if types.CodeOf(err) == types.ErrCodeConflictAdmin {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamBackend, "failed to save link", err)
	}
	if err := s.codes.SetCodeStatus(ctx, link.PINHash, code, link.GuardianID, link.ParentName); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBackend, "failed to update pairing code", err)
	}
	return nil
}
