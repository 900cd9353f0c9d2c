package identity

import (
	"context"
	"strings"
	"time"

	"studypulse/server/internal/model"
)

// Device binding guard. An account is pinned to the first fingerprint seen at
// login; a different fingerprint is refused until an admin resets the lock,
// which permits exactly one rebinding. Every state change is appended to the
// binding history. Admin sessions bypass the guard entirely.

// EnforceDeviceBinding runs after credential verification and before any
// session is issued, so a mismatch leaves nothing half-established.
func (s *Service) EnforceDeviceBinding(ctx context.Context, userID, fingerprint string) (model.DeviceBinding, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return model.DeviceBinding{}, ErrDeviceMismatch
	}

	var binding model.DeviceBinding
	err := s.transformProfile(ctx, userID, func(profile *model.UserProfile) error {
		if profile.Role == model.RoleAdmin {
			binding = profile.Device
			return nil
		}
		switch profile.Device.State {
		case model.DeviceBound:
			if profile.Device.Fingerprint != fingerprint {
				return ErrDeviceMismatch
			}
		case model.DeviceUnbound, model.DeviceResetPending, "":
			now := time.Now().UTC()
			profile.Device.History = append(profile.Device.History, model.DeviceTransition{
				From:        stateOrUnbound(profile.Device.State),
				To:          model.DeviceBound,
				Fingerprint: fingerprint,
				ActorID:     userID,
				At:          now,
			})
			profile.Device.State = model.DeviceBound
			profile.Device.Fingerprint = fingerprint
			profile.UpdatedAt = now
		default:
			return ErrDeviceMismatch
		}
		binding = profile.Device
		return nil
	})
	if err != nil {
		return model.DeviceBinding{}, err
	}
	return binding, nil
}

// ResetDeviceLock is the admin action clearing a binding. The account moves
// to reset_pending and the next login rebinds it.
func (s *Service) ResetDeviceLock(ctx context.Context, userID, adminID string) (model.DeviceBinding, error) {
	var binding model.DeviceBinding
	err := s.transformProfile(ctx, userID, func(profile *model.UserProfile) error {
		now := time.Now().UTC()
		profile.Device.History = append(profile.Device.History, model.DeviceTransition{
			From:    stateOrUnbound(profile.Device.State),
			To:      model.DeviceResetPending,
			ActorID: adminID,
			At:      now,
		})
		profile.Device.State = model.DeviceResetPending
		profile.Device.Fingerprint = ""
		profile.UpdatedAt = now
		binding = profile.Device
		return nil
	})
	if err != nil {
		return model.DeviceBinding{}, err
	}
	return binding, nil
}

func stateOrUnbound(state model.DeviceState) model.DeviceState {
	if state == "" {
		return model.DeviceUnbound
	}
	return state
}
