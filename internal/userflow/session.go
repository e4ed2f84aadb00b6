package userflow

import (
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/cache"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/google/uuid"
)

func sessionCacheKey(kioskID string) string { return "userflow:session:" + kioskID }

// sessionStore is the single-writer, in-memory session table: at most one
// active session per kiosk, guarded by a mutex (§5, "session manager are
// single-writer over in-memory maps"). A non-nil cache mirrors the active
// session so other gateway processes can read it (e.g. an admin view), but
// this process's in-memory map remains the single writer and source of
// truth for mutation.
type sessionStore struct {
	mu       sync.Mutex
	byKiosk  map[string]*model.Session
	onExpire func(model.Session)
	mirror   cache.Cache
}

func newSessionStore(onExpire func(model.Session), mirror cache.Cache) *sessionStore {
	return &sessionStore{
		byKiosk:  make(map[string]*model.Session),
		onExpire: onExpire,
		mirror:   mirror,
	}
}

// open replaces any existing active session for kioskID and returns the new
// one. The prior session, if active, is reported back as cancelled so the
// caller can broadcast a session_update.
func (s *sessionStore) open(kioskID, cardID string, available []int, timeout time.Duration) (model.Session, *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled *model.Session
	if prior, ok := s.byKiosk[kioskID]; ok && prior.Status == model.SessionActive {
		c := *prior
		c.Status = model.SessionCancelled
		cancelled = &c
	}

	sess := &model.Session{
		ID:               uuid.NewString(),
		KioskID:          kioskID,
		CardID:           cardID,
		AvailableLockers: available,
		CreatedAt:        time.Now(),
		TimeoutSeconds:   int(timeout.Seconds()),
		Status:           model.SessionActive,
	}
	s.byKiosk[kioskID] = sess
	if s.mirror != nil {
		s.mirror.Set(sessionCacheKey(kioskID), *sess, timeout)
	}
	return *sess, cancelled
}

// complete marks the active session for kioskID as completed, if it still
// belongs to cardID.
func (s *sessionStore) complete(kioskID, cardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKiosk[kioskID]; ok && sess.CardID == cardID && sess.Status == model.SessionActive {
		sess.Status = model.SessionCompleted
		delete(s.byKiosk, kioskID)
		if s.mirror != nil {
			s.mirror.Delete(sessionCacheKey(kioskID))
		}
	}
}

func (s *sessionStore) active(kioskID string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKiosk[kioskID]
	if !ok || sess.Status != model.SessionActive {
		return model.Session{}, false
	}
	return *sess, true
}

// sweep expires any active session whose timeout has elapsed, invoking
// onExpire for each.
func (s *sessionStore) sweep(now time.Time) {
	s.mu.Lock()
	var expired []model.Session
	for kioskID, sess := range s.byKiosk {
		if sess.Status == model.SessionActive && sess.Expired(now) {
			sess.Status = model.SessionExpired
			expired = append(expired, *sess)
			delete(s.byKiosk, kioskID)
			if s.mirror != nil {
				s.mirror.Delete(sessionCacheKey(kioskID))
			}
		}
	}
	s.mu.Unlock()

	if s.onExpire == nil {
		return
	}
	for _, sess := range expired {
		s.onExpire(sess)
	}
}
