package db

import (
	"context"
	"time"

	"safewatch/internal/types"
)

// LinkRepository provides data access for pairing_codes and guardian_links.
// PINs are never stored; callers pass the keyed hash.
type LinkRepository struct {
	db DBTX
}

// NewLinkRepository creates a new LinkRepository.
func NewLinkRepository(db DBTX) *LinkRepository {
	return &LinkRepository{db: db}
}

// RegisterCode stores a freshly generated pairing code for a child. A child
// has at most one unclaimed code; registering a new one replaces it. Claimed
// codes stay so their requesters can keep polling them.
func (r *LinkRepository) RegisterCode(ctx context.Context, childID, childName, pinHash string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM pairing_codes WHERE child_id = $1 AND pin_hash <> $2 AND guardian_id IS NULL`,
		childID, pinHash,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to retire old pairing codes", err)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO pairing_codes (pin_hash, child_id, child_name, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (pin_hash) DO UPDATE SET
		  child_id = EXCLUDED.child_id,
		  child_name = EXCLUDED.child_name,
		  status = EXCLUDED.status,
		  guardian_id = NULL,
		  parent_name = NULL,
		  updated_at = NOW()`,
		pinHash, childID, childName, string(types.PairingWaitingForApproval),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to register pairing code", err)
	}
	return nil
}

// LookupCode returns the status of a pairing code. Unknown codes report
// PairingNotFound rather than an error.
func (r *LinkRepository) LookupCode(ctx context.Context, pinHash string) (types.PairingLookup, error) {
	var (
		l          types.PairingLookup
		status     string
		guardianID *string
		parentName *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT status, child_id, child_name, guardian_id, parent_name
		 FROM pairing_codes WHERE pin_hash = $1`,
		pinHash,
	).Scan(&status, &l.ChildID, &l.ChildName, &guardianID, &parentName)
	if err != nil {
		if isNoRows(err) {
			return types.PairingLookup{Status: types.PairingNotFound}, nil
		}
		return types.PairingLookup{}, types.NewAppError(types.ErrCodeInternalDB, "failed to look up pairing code", err)
	}
	l.Status = types.PairingCodeStatus(status)
	l.GuardianID = derefString(guardianID)
	l.ParentName = derefString(parentName)
	return l, nil
}

// SetCodeStatus records the outcome of a pairing attempt. Unknown codes are
// ignored.
func (r *LinkRepository) SetCodeStatus(ctx context.Context, pinHash string, status types.PairingCodeStatus, guardianID, parentName string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE pairing_codes
		 SET status = $2, guardian_id = $3, parent_name = $4, updated_at = NOW()
		 WHERE pin_hash = $1`,
		pinHash, string(status), nilIfEmpty(guardianID), nilIfEmpty(parentName),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update pairing code", err)
	}
	return nil
}

const linkColumns = `guardian_id, child_id, status, pin_hash, is_admin, child_name, parent_name, updated_at`

// GetLink returns the link for a (guardian, child) pair.
func (r *LinkRepository) GetLink(ctx context.Context, guardianID, childID string) (types.LinkState, bool, error) {
	link, err := scanLink(r.db.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM guardian_links WHERE guardian_id = $1 AND child_id = $2`,
		guardianID, childID,
	))
	if err != nil {
		if isNoRows(err) {
			return types.LinkState{}, false, nil
		}
		return types.LinkState{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to get guardian link", err)
	}
	return link, true, nil
}

// oneAdminIndex enforces a single admin link per child.
const oneAdminIndex = "idx_guardian_links_one_admin"

// SaveLink inserts or replaces a link record. Saving a second admin for a
// child fails with ErrCodeConflictAdmin.
func (r *LinkRepository) SaveLink(ctx context.Context, link types.LinkState) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO guardian_links (`+linkColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		 ON CONFLICT (guardian_id, child_id) DO UPDATE SET
		  status = EXCLUDED.status,
		  pin_hash = EXCLUDED.pin_hash,
		  is_admin = EXCLUDED.is_admin,
		  child_name = EXCLUDED.child_name,
		  parent_name = EXCLUDED.parent_name,
		  updated_at = EXCLUDED.updated_at`,
		link.GuardianID,
		link.ChildID,
		string(link.Status),
		nilIfEmpty(link.PINHash),
		link.IsAdmin,
		nilIfEmpty(link.ChildName),
		nilIfEmpty(link.ParentName),
		nilIfZeroTime(link.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, oneAdminIndex) {
			return types.NewAppError(types.ErrCodeConflictAdmin, "child already has an admin guardian", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save guardian link", err)
	}
	return nil
}

// AdminLink returns the linked admin guardian of a child, if any.
func (r *LinkRepository) AdminLink(ctx context.Context, childID string) (types.LinkState, bool, error) {
	link, err := scanLink(r.db.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM guardian_links
		 WHERE child_id = $1 AND is_admin AND status = $2
		 LIMIT 1`,
		childID, string(types.LinkLinked),
	))
	if err != nil {
		if isNoRows(err) {
			return types.LinkState{}, false, nil
		}
		return types.LinkState{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to get admin link", err)
	}
	return link, true, nil
}

// CountLinked returns how many guardians are linked to a child.
func (r *LinkRepository) CountLinked(ctx context.Context, childID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM guardian_links WHERE child_id = $1 AND status = $2`,
		childID, string(types.LinkLinked),
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count guardian links", err)
	}
	return n, nil
}

// DeleteLink removes a link. Deleting a missing link is not an error.
func (r *LinkRepository) DeleteLink(ctx context.Context, guardianID, childID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM guardian_links WHERE guardian_id = $1 AND child_id = $2`,
		guardianID, childID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete guardian link", err)
	}
	return nil
}

// LinkedGuardians returns the IDs of guardians linked to a child.
func (r *LinkRepository) LinkedGuardians(ctx context.Context, childID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT guardian_id FROM guardian_links
		 WHERE child_id = $1 AND status = $2
		 ORDER BY is_admin DESC, guardian_id ASC`,
		childID, string(types.LinkLinked),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list linked guardians", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan guardian id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating guardian rows", err)
	}
	return ids, nil
}

// ChildName returns the display name recorded for a child, preferring the
// name captured on the most recent link.
func (r *LinkRepository) ChildName(ctx context.Context, childID string) (string, error) {
	var name string
	err := r.db.QueryRow(ctx,
		`SELECT name FROM (
		   SELECT child_name AS name, updated_at FROM guardian_links
		   WHERE child_id = $1 AND child_name IS NOT NULL AND child_name <> ''
		   UNION ALL
		   SELECT child_name AS name, updated_at FROM pairing_codes
		   WHERE child_id = $1 AND child_name <> ''
		 ) names
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		childID,
	).Scan(&name)
	if err != nil {
		if isNoRows(err) {
			return "", types.NewAppError(types.ErrCodeNotFoundChild, "no name recorded for child", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to get child name", err)
	}
	return name, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (types.LinkState, error) {
	var (
		l          types.LinkState
		status     string
		pinHash    *string
		childName  *string
		parentName *string
		updatedAt  time.Time
	)
	if err := row.Scan(&l.GuardianID, &l.ChildID, &status, &pinHash, &l.IsAdmin, &childName, &parentName, &updatedAt); err != nil {
		return types.LinkState{}, err
	}
	l.Status = types.LinkStatus(status)
	l.PINHash = derefString(pinHash)
	l.ChildName = derefString(childName)
	l.ParentName = derefString(parentName)
	l.UpdatedAt = updatedAt.UTC()
	return l, nil
}
