package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/engagement-backend/internal/session"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
)

const (
	DefaultActiveDaysHistory = 180
	MaxActiveDaysHistory     = 365
)

type Identity struct {
	UniqueID string
	Email    string
	Name     string
}

func (i Identity) Anonymous() bool {
	return i.UniqueID == "" && i.Email == "" && i.Name == ""
}

// StartSession opens a session for an app, owned by a fresh anonymous user.
func (t *Tracker) StartSession(ctx context.Context, appID uint64, attrs session.Attributes) (*session.Session, error) {
	now := t.clock.Now().UTC()
	var sess *session.Session

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := t.apps.WithTx(tx).GetByID(ctx, appID); err != nil {
			return fmt.Errorf("load app %d: %w", appID, err)
		}

		u := &user.TrackedUser{AppID: appID, CreateTime: now}
		if err := t.users.WithTx(tx).Create(ctx, u); err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		sess = &session.Session{
			AppID:      appID,
			UserID:     u.ID,
			CreateTime: now,
			Attributes: attrs,
		}
		if err := t.sessions.WithTx(tx).Create(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("session started", "session_id", sess.ID, "app_id", appID, "user_id", sess.UserID)
	return sess, nil
}

// Identify points a session at the user described by id.
//
// An empty identity switches the session to an anonymous user. An anonymous
// session either takes on the identity or, when another user already holds
// the unique id, is merged into that user: counters, active days, visits and
// pending decay move over and both users are queued for relabeling. An
// identified session switches to the matching user or a new one.
func (t *Tracker) Identify(ctx context.Context, sessionID uint64, id Identity) (*user.TrackedUser, error) {
	now := t.clock.Now().UTC()
	var (
		result *user.TrackedUser
		dirty  []uint64
	)

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions := t.sessions.WithTx(tx)
		users := t.users.WithTx(tx)

		sess, err := sessions.Lock(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session %d: %w", sessionID, err)
		}

		var matchingID uint64
		if id.UniqueID != "" {
			matchingID, err = users.IDByUniqueID(ctx, sess.AppID, id.UniqueID)
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("find user %q: %w", id.UniqueID, err)
			}
		}

		locked, err := users.LockMany(ctx, []uint64{sess.UserID, matchingID})
		if err != nil {
			return fmt.Errorf("lock users: %w", err)
		}
		var existing, matching *user.TrackedUser
		for i := range locked {
			switch locked[i].ID {
			case sess.UserID:
				existing = &locked[i]
			case matchingID:
				matching = &locked[i]
			}
		}
		if matchingID != 0 && matchingID == sess.UserID {
			matching = existing
		}

		switch {
		case id.Anonymous():
			if existing != nil && existing.Anonymous() {
				result = existing
				return nil
			}
			result, err = t.switchToNew(ctx, tx, sess, Identity{}, now)
			return err

		case existing != nil && existing.Anonymous() && matching == nil:
			existing.UniqueID, existing.Email, existing.Name = id.UniqueID, id.Email, id.Name
			if err := users.Save(ctx, existing); err != nil {
				return fmt.Errorf("save user %d: %w", existing.ID, err)
			}
			result = existing
			return nil

		case existing != nil && existing.Anonymous():
			if err := t.merge(ctx, tx, sess, existing, matching, id, now); err != nil {
				return err
			}
			result = matching
			dirty = []uint64{existing.ID, matching.ID}
			return nil

		case matching != nil:
			if matching.Email != id.Email || matching.Name != id.Name {
				matching.Email, matching.Name = id.Email, id.Name
				if err := users.Save(ctx, matching); err != nil {
					return fmt.Errorf("save user %d: %w", matching.ID, err)
				}
			}
			if err := sessions.SetUser(ctx, sess.ID, matching.ID); err != nil {
				return fmt.Errorf("switch session user: %w", err)
			}
			result = matching
			return nil

		default:
			result, err = t.switchToNew(ctx, tx, sess, id, now)
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	if len(dirty) > 0 {
		if err := t.dirty.Mark(ctx, dirty...); err != nil {
			t.logger.Error("failed to mark merged users dirty", "user_ids", dirty, "error", err)
		}
		t.logger.Info("merged anonymous user", "session_id", sessionID, "from_user_id", dirty[0], "to_user_id", dirty[1])
	}
	return result, nil
}

func (t *Tracker) switchToNew(ctx context.Context, tx *gorm.DB, sess *session.Session, id Identity, now time.Time) (*user.TrackedUser, error) {
	u := &user.TrackedUser{
		AppID:      sess.AppID,
		CreateTime: now,
		UniqueID:   id.UniqueID,
		Email:      id.Email,
		Name:       id.Name,
	}
	if err := t.users.WithTx(tx).Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := t.sessions.WithTx(tx).SetUser(ctx, sess.ID, u.ID); err != nil {
		return nil, fmt.Errorf("switch session user: %w", err)
	}
	return u, nil
}

// merge folds the anonymous user from into the identified user to. Both must
// be locked in tx.
func (t *Tracker) merge(ctx context.Context, tx *gorm.DB, sess *session.Session, from, to *user.TrackedUser, id Identity, now time.Time) error {
	users := t.users.WithTx(tx)

	to.Email, to.Name = id.Email, id.Name
	to.Absorb(from, now)
	if err := users.Save(ctx, to); err != nil {
		return fmt.Errorf("save user %d: %w", to.ID, err)
	}
	if err := users.Save(ctx, from); err != nil {
		return fmt.Errorf("save user %d: %w", from.ID, err)
	}

	if err := t.decay.WithTx(tx).MoveUser(ctx, from.ID, to.ID); err != nil {
		return fmt.Errorf("move decay entries: %w", err)
	}
	sessions := t.sessions.WithTx(tx)
	if err := sessions.MoveVisits(ctx, from.ID, to.ID); err != nil {
		return fmt.Errorf("move visits: %w", err)
	}
	if err := sessions.SetUser(ctx, sess.ID, to.ID); err != nil {
		return fmt.Errorf("switch session user: %w", err)
	}
	return nil
}

// UpdateAttributes replaces the session's device snapshot. A newer app
// version or build stamps the upgrade time. Existing visits keep the
// attributes they were created with.
func (t *Tracker) UpdateAttributes(ctx context.Context, sessionID uint64, attrs session.Attributes) (*session.Session, error) {
	now := t.clock.Now().UTC()
	var sess *session.Session

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions := t.sessions.WithTx(tx)
		var err error
		sess, err = sessions.Lock(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session %d: %w", sessionID, err)
		}

		changed := sess.Attributes.Changed(attrs)
		if len(changed) == 0 {
			return nil
		}
		if sess.Attributes.Upgraded(attrs) {
			sess.LastUpgradeTime = &now
		}
		sess.Attributes = attrs
		if err := sessions.SaveAttributes(ctx, sess); err != nil {
			return fmt.Errorf("save session %d: %w", sessionID, err)
		}
		t.logger.Info("session attributes changed", "session_id", sessionID, "changed", changed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// DaysActive is the live view of a user's activity window.
type DaysActive struct {
	Weekly  int
	Monthly int
}

func (t *Tracker) DaysActive(ctx context.Context, userID uint64) (DaysActive, error) {
	u, err := t.users.GetByID(ctx, userID)
	if err != nil {
		return DaysActive{}, err
	}
	now := t.clock.Now()
	return DaysActive{
		Weekly:  u.DaysActiveMap.WeeklyDaysActive(u.CreateTime, now),
		Monthly: u.DaysActiveMap.MonthlyDaysActive(u.CreateTime, now),
	}, nil
}

// ActiveDays counts a user's visits per day over the last days days.
func (t *Tracker) ActiveDays(ctx context.Context, userID uint64, days int) ([]session.DayCount, error) {
	if days <= 0 {
		days = DefaultActiveDaysHistory
	}
	days = min(days, MaxActiveDaysHistory)
	if _, err := t.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	since := t.clock.Now().UTC().AddDate(0, 0, -days)
	return t.sessions.DailyVisits(ctx, userID, since)
}
