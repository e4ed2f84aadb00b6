// Package userflow implements the RFID and QR user-flow services (§4.4):
// the request handlers that translate reader/HTTP events into rate-limit
// checks, ownership lookups, and LSM assignment/release calls. It owns the
// one-active-session-per-kiosk table used by the RFID selection flow.
package userflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/cache"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/ratelimit"
	"github.com/rs/zerolog"
)

// LockerManager is the subset of the Locker State Manager the user-flow
// services depend on. Defined locally (rather than importing *manager.Manager
// directly) so tests can substitute a fake without constructing a store.
type LockerManager interface {
	GetLocker(ctx context.Context, kioskID string, id int) (model.Locker, error)
	Assign(ctx context.Context, kioskID string, id int, ownerType model.OwnerType, ownerKey string) (bool, error)
	Release(ctx context.Context, kioskID string, id int, ownerKey string) (bool, error)
	ConfirmOpening(ctx context.Context, kioskID string, id int, ownerKey string) (bool, error)
	ReportHardwareError(ctx context.Context, kioskID string, id int) (bool, error)
	GetAvailable(ctx context.Context, kioskID string, allowedIDs []int) ([]model.Locker, error)
	CheckExistingOwnership(ctx context.Context, ownerKey string, ownerType model.OwnerType) (*model.Locker, error)
}

// HardwareOpener is the subset of the Hardware Executor used to pulse a
// relay and wait for the result.
type HardwareOpener interface {
	OpenLocker(ctx context.Context, kioskID string, lockerID int) bool
}

// Broadcaster publishes a session lifecycle change. A nil Broadcaster is
// valid and skips publishing.
type Broadcaster interface {
	PublishSessionUpdate(SessionUpdate)
}

// SessionUpdate is the payload of a session_update broadcast message.
type SessionUpdate struct {
	SessionID      string
	KioskID        string
	Status         model.SessionStatus
	SelectedLocker *int
	Reason         string
}

// Action enumerates the outcomes a flow handler reports back to the caller.
type Action string

const (
	ActionReleased      Action = "released"
	ActionShowAvailable Action = "show_available"
	ActionAssigned      Action = "assigned"
	ActionHardwareError Action = "hardware_error"
	ActionRateLimited   Action = "rate_limited"
)

// CardScanResult is the outcome of handleCardScan.
type CardScanResult struct {
	Action           Action
	LockerID         int
	AvailableLockers []int
	SessionID        string
	Reason           string
}

// SelectionResult is the outcome of handleLockerSelection.
type SelectionResult struct {
	Action   Action
	LockerID int
	Reason   string
}

// QRResult is the outcome of handleQrRequest, including the HTTP status
// code the caller should surface.
type QRResult struct {
	Success    bool
	StatusCode int
	Action     Action
	LockerID   int
	Reason     string
}

var (
	// ErrNoActiveSession is returned by HandleLockerSelection when the card
	// has no open selection session on kioskID (expired, or never opened).
	ErrNoActiveSession = errors.New("userflow: no active session for kiosk")
)

// Config tunes session timeouts and the sweep cadence.
type Config struct {
	SessionTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig matches the spec's documented session defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: model.DefaultSessionTimeoutSeconds * time.Second,
		SweepInterval:  5 * time.Second,
	}
}

// Service composes the Locker State Manager, the Hardware Executor, the
// rate limiter and the audit log into the RFID and QR flows of §4.4.
type Service struct {
	manager  LockerManager
	hardware HardwareOpener
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	bcast    Broadcaster
	cfg      Config
	sessions *sessionStore
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Service. bcast may be nil. sessionMirror may be nil; when
// set (typically a Redis-backed cache.Cache), the active session per kiosk
// is mirrored into it for cross-process reads in a multi-replica gateway
// deployment — this process's in-memory table remains authoritative.
func New(mgr LockerManager, hw HardwareOpener, limiter *ratelimit.Limiter, auditLogger *audit.Logger, bcast Broadcaster, sessionMirror cache.Cache, cfg Config) *Service {
	s := &Service{
		manager:  mgr,
		hardware: hw,
		limiter:  limiter,
		audit:    auditLogger,
		bcast:    bcast,
		cfg:      cfg,
		logger:   log.WithComponent("userflow"),
	}
	s.sessions = newSessionStore(s.onSessionExpired, sessionMirror)
	return s
}

// Start launches the periodic session-expiry sweep.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sessions.sweep(time.Now())
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) onSessionExpired(sess model.Session) {
	s.publishSession(sess.ID, sess.KioskID, model.SessionExpired, nil, "timeout")
}

func (s *Service) publishSession(sessionID, kioskID string, status model.SessionStatus, selected *int, reason string) {
	if s.bcast == nil {
		return
	}
	s.bcast.PublishSessionUpdate(SessionUpdate{
		SessionID:      sessionID,
		KioskID:        kioskID,
		Status:         status,
		SelectedLocker: selected,
		Reason:         reason,
	})
}

// HandleCardScan implements the RFID flow's card-scan entry point (§4.4).
func (s *Service) HandleCardScan(ctx context.Context, kioskID, card, clientIP string) (CardScanResult, error) {
	if res := s.limiter.Check(ratelimit.ScopeCard, card); !res.Allowed {
		return CardScanResult{Action: ActionRateLimited, Reason: res.Reason}, nil
	}
	if res := s.limiter.Check(ratelimit.ScopeIP, clientIP); !res.Allowed {
		return CardScanResult{Action: ActionRateLimited, Reason: res.Reason}, nil
	}

	existing, err := s.manager.CheckExistingOwnership(ctx, card, model.OwnerRFID)
	if err != nil {
		return CardScanResult{}, err
	}
	if existing != nil {
		if !s.hardware.OpenLocker(ctx, existing.KioskID, existing.ID) {
			return CardScanResult{Action: ActionHardwareError, LockerID: existing.ID}, nil
		}
		released, err := s.manager.Release(ctx, existing.KioskID, existing.ID, card)
		if err != nil {
			return CardScanResult{}, err
		}
		if !released {
			return CardScanResult{Action: ActionHardwareError, LockerID: existing.ID}, nil
		}
		return CardScanResult{Action: ActionReleased, LockerID: existing.ID}, nil
	}

	available, err := s.manager.GetAvailable(ctx, kioskID, nil)
	if err != nil {
		return CardScanResult{}, err
	}
	ids := make([]int, len(available))
	for i, l := range available {
		ids[i] = l.ID
	}

	sess, cancelled := s.sessions.open(kioskID, card, ids, s.cfg.SessionTimeout)
	if cancelled != nil {
		s.publishSession(cancelled.ID, cancelled.KioskID, model.SessionCancelled, nil, "superseded")
	}
	s.publishSession(sess.ID, sess.KioskID, model.SessionActive, nil, "")

	return CardScanResult{
		Action:           ActionShowAvailable,
		AvailableLockers: ids,
		SessionID:        sess.ID,
	}, nil
}

// HandleLockerSelection implements step 4 of the RFID flow: the user's
// choice from the session's available_lockers list.
func (s *Service) HandleLockerSelection(ctx context.Context, kioskID, card string, lockerID int) (SelectionResult, error) {
	sess, ok := s.sessions.active(kioskID)
	if !ok || sess.CardID != card {
		return SelectionResult{}, ErrNoActiveSession
	}

	assigned, err := s.manager.Assign(ctx, kioskID, lockerID, model.OwnerRFID, card)
	if err != nil {
		return SelectionResult{}, err
	}
	if !assigned {
		return SelectionResult{Action: ActionHardwareError, LockerID: lockerID, Reason: "assign rejected"}, nil
	}

	s.sessions.complete(kioskID, card)
	selected := lockerID
	s.publishSession(sess.ID, kioskID, model.SessionCompleted, &selected, "")

	if !s.hardware.OpenLocker(ctx, kioskID, lockerID) {
		if _, err := s.manager.ReportHardwareError(ctx, kioskID, lockerID); err != nil {
			s.logger.Error().Err(err).Str("kiosk_id", kioskID).Int("locker_id", lockerID).
				Msg("failed to report hardware error after selection")
		}
		return SelectionResult{Action: ActionHardwareError, LockerID: lockerID}, nil
	}

	if _, err := s.manager.ConfirmOpening(ctx, kioskID, lockerID, card); err != nil {
		return SelectionResult{}, err
	}
	return SelectionResult{Action: ActionAssigned, LockerID: lockerID}, nil
}

// HandleQrRequest implements the QR flow (§4.4): a single HTTP request that
// assigns, releases, or is rejected depending on the locker's current state.
func (s *Service) HandleQrRequest(ctx context.Context, kioskID string, lockerID int, deviceID, clientIP string) (QRResult, error) {
	if res := s.limiter.Check(ratelimit.ScopeIP, clientIP); !res.Allowed {
		return QRResult{StatusCode: 429, Action: ActionRateLimited, Reason: res.Reason}, nil
	}
	if res := s.limiter.Check(ratelimit.ScopeDevice, deviceID); !res.Allowed {
		return QRResult{StatusCode: 429, Action: ActionRateLimited, Reason: res.Reason}, nil
	}
	if res := s.limiter.Check(ratelimit.ScopeLocker, lockerKey(kioskID, lockerID)); !res.Allowed {
		return QRResult{StatusCode: 429, Action: ActionRateLimited, Reason: res.Reason}, nil
	}

	l, err := s.manager.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return QRResult{}, err
	}

	if l.IsVIP {
		return QRResult{StatusCode: 423, Reason: "VIP, QR disabled"}, nil
	}

	switch {
	case !l.HasOwner():
		assigned, err := s.manager.Assign(ctx, kioskID, lockerID, model.OwnerDevice, deviceID)
		if err != nil {
			return QRResult{}, err
		}
		if !assigned {
			return QRResult{StatusCode: 409, Reason: "assignment rejected"}, nil
		}
		if !s.hardware.OpenLocker(ctx, kioskID, lockerID) {
			_, _ = s.manager.ReportHardwareError(ctx, kioskID, lockerID)
			return QRResult{StatusCode: 502, Action: ActionHardwareError, LockerID: lockerID}, nil
		}
		return QRResult{Success: true, StatusCode: 200, Action: ActionAssigned, LockerID: lockerID}, nil

	case l.OwnerType == model.OwnerDevice && l.OwnerKey == deviceID:
		if !s.hardware.OpenLocker(ctx, kioskID, lockerID) {
			_, _ = s.manager.ReportHardwareError(ctx, kioskID, lockerID)
			return QRResult{StatusCode: 502, Action: ActionHardwareError, LockerID: lockerID}, nil
		}
		released, err := s.manager.Release(ctx, kioskID, lockerID, deviceID)
		if err != nil {
			return QRResult{}, err
		}
		if !released {
			return QRResult{StatusCode: 409, Reason: "release rejected"}, nil
		}
		return QRResult{Success: true, StatusCode: 200, Action: ActionReleased, LockerID: lockerID}, nil

	default:
		return QRResult{StatusCode: 409, Reason: "locker held by another owner"}, nil
	}
}

func lockerKey(kioskID string, lockerID int) string {
	return kioskID + ":" + strconv.Itoa(lockerID)
}
