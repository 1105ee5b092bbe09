package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
)

// RotationReport summarizes one sweep.
type RotationReport struct {
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	WarnWindow     string        `json:"warn_window"`
	Scanned        int           `json:"scanned"`
	Rotated        int           `json:"rotated"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	RevokeFailures int           `json:"revoke_failures"`
	Replacements   []Replacement `json:"replacements,omitempty"`
	Failures       []KeyFailure  `json:"failures,omitempty"`
}

// Replacement pairs a superseded key with its successor.
type Replacement struct {
	OldKeyID  string `json:"old_key_id"`
	NewKeyID  string `json:"new_key_id"`
	OldMasked string `json:"old_masked"`
	NewMasked string `json:"new_masked"`
}

// errKeyChanged marks a key that was revoked or deactivated by someone else
// while the sweep was working on it.
var errKeyChanged = errors.New("auth key changed during rotation")

// KeyFailure records why one key could not be rotated.
type KeyFailure struct {
	KeyID string `json:"key_id"`
	Error string `json:"error"`
}

// RotateIfNecessary replaces every active key that expires within
// warnWindow. Each key is handled in isolation: a failure is logged and
// counted and the sweep moves on. Only a failure to list candidates is
// returned as an error.
//
// For each key the successor is created and stored first, then the old key
// is deactivated, then the old key is revoked remotely on a best-effort
// basis. A failed remote revoke does not reactivate the old key.
func (s *KeyService) RotateIfNecessary(ctx context.Context, warnWindow time.Duration) (*RotationReport, error) {
	started := s.now().UTC()
	report := &RotationReport{StartedAt: started, WarnWindow: warnWindow.String()}

	due, err := s.repo.FindAuthKeysExpiringBefore(ctx, started.Add(warnWindow))
	if err != nil {
		s.metrics.SweepFinished(started, "error")
		return nil, fmt.Errorf("find expiring keys: %w", err)
	}
	report.Scanned = len(due)

	for i := range due {
		old := &due[i]
		repl, revokeFailed, err := s.rotateOne(ctx, old)
		if errors.Is(err, errKeyChanged) {
			report.Skipped++
			s.logger.Info("auth key changed during sweep, not rotated", "key_id", old.ID, "key", old.MaskedValue)
			continue
		}
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, KeyFailure{KeyID: old.ID, Error: err.Error()})
			s.metrics.RotationFailed()
			s.logger.Error("failed to rotate auth key", "key_id", old.ID, "key", old.MaskedValue, "error", err)
			continue
		}
		report.Rotated++
		report.Replacements = append(report.Replacements, *repl)
		if revokeFailed {
			report.RevokeFailures++
		}
	}

	report.FinishedAt = s.now().UTC()
	s.metrics.SweepFinished(started, "ok")
	if report.Scanned > 0 {
		s.logger.Info("rotation sweep finished",
			"scanned", report.Scanned, "rotated", report.Rotated,
			"failed", report.Failed, "revoke_failures", report.RevokeFailures)
	} else {
		s.logger.Debug("rotation sweep found nothing to rotate")
	}
	return report, nil
}

func (s *KeyService) rotateOne(ctx context.Context, snapshot *model.AuthKey) (*Replacement, bool, error) {
	old, err := s.repo.GetAuthKey(ctx, snapshot.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reload key: %w", err)
	}
	if !old.Active || old.Revoked {
		return nil, false, errKeyChanged
	}

	owner, err := s.repo.GetUser(ctx, old.OwnerUserID)
	if err != nil {
		return nil, false, fmt.Errorf("owner %s: %w", old.OwnerUserID, err)
	}
	var machine *model.Machine
	if old.OwnerMachineID != nil {
		machine, err = s.repo.GetMachine(ctx, *old.OwnerMachineID)
		if err != nil {
			return nil, false, fmt.Errorf("machine %s: %w", *old.OwnerMachineID, err)
		}
	}

	successor, err := s.mint(ctx, mintParams{
		owner:         owner,
		machine:       machine,
		description:   "rotate of " + old.MaskedValue,
		ttlSeconds:    old.TTLSeconds,
		reusable:      old.Reusable,
		ephemeral:     old.Ephemeral,
		preauthorized: old.Preauthorized,
		tags:          old.Tags,
		reason:        "rotation",
	})
	if err != nil {
		return nil, false, fmt.Errorf("issue successor: %w", err)
	}

	deactivated, err := s.repo.DeactivateAuthKey(ctx, old.ID)
	if err != nil {
		// Both keys are now active; the next sweep will pick the old one up again.
		return nil, false, fmt.Errorf("deactivate key (successor %s stays active): %w", successor.ID, err)
	}
	if !deactivated {
		s.withdrawSuccessor(ctx, old, successor)
		return nil, false, errKeyChanged
	}
	old.Active = false
	s.appendEvent(ctx, old, model.EventKeyRotated, fmt.Sprintf("%s -> %s", old.MaskedValue, successor.MaskedValue))
	s.metrics.KeyRotated()

	revokeFailed := false
	if old.RemoteKeyID != "" {
		if err := s.remote.RevokeKey(ctx, old.RemoteKeyID); err != nil && !errors.Is(err, controlplane.ErrNotFound) {
			revokeFailed = true
			s.metrics.RemoteRevokeFailed()
			s.logger.Warn("failed to revoke superseded key remotely",
				"key_id", old.ID, "remote_key_id", old.RemoteKeyID, "key", old.MaskedValue, "error", err)
		}
	}

	s.logger.Info("auth key rotated", "old_key_id", old.ID, "new_key_id", successor.ID,
		"old", old.MaskedValue, "new", successor.MaskedValue)
	s.announcer.Announce(ctx, fmt.Sprintf("[Key Rotated] user=%s old=%s new=%s",
		owner.Email, old.MaskedValue, successor.MaskedValue))

	return &Replacement{
		OldKeyID:  old.ID,
		NewKeyID:  successor.ID,
		OldMasked: old.MaskedValue,
		NewMasked: successor.MaskedValue,
	}, revokeFailed, nil
}

// withdrawSuccessor revokes a successor minted for a key that was revoked or
// rotated elsewhere in the meantime.
func (s *KeyService) withdrawSuccessor(ctx context.Context, old, successor *model.AuthKey) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	s.logger.Warn("auth key changed while its successor was issued, revoking successor",
		"key_id", old.ID, "successor_id", successor.ID, "successor", successor.MaskedValue)
	if err := s.RevokeKey(ctx, successor.ID); err != nil {
		s.logger.Error("failed to revoke unneeded successor; revoke it manually",
			"successor_id", successor.ID, "remote_key_id", successor.RemoteKeyID, "error", err)
	}
}
