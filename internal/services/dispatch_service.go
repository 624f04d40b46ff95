package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"itutor/internal/models"
	"itutor/internal/push"

	"gorm.io/gorm"
)

const (
	// reminderLead is how far before a session's start time the reminder
	// should land.
	reminderLead = 10 * time.Minute
	// windowSlack widens the primary window on both sides to absorb trigger
	// jitter from the external scheduler's coarse cadence.
	windowSlack = time.Minute
	// sendBatchSize caps concurrent in-flight sends to the push gateways
	sendBatchSize = 20
)

// GatewayAuth mints a bearer token for the messaging API
type GatewayAuth interface {
	Mint(ctx context.Context) (string, error)
}

// MessageSender delivers one notification to an FCM registration token
type MessageSender interface {
	Send(ctx context.Context, accessToken, deviceToken string, n push.Notification) error
}

// SubscriptionSender delivers one notification to a web push subscription
type SubscriptionSender interface {
	Send(ctx context.Context, subscription string, n push.Notification) error
}

// DispatchResult is the diagnostic summary of one pipeline run
type DispatchResult struct {
	ProcessedSessions int
	UrgentSessions    int
	Logged            int
	Tokens            int
	SendsAttempted    int
	SendsFailed       int
}

// DispatchService runs the session reminder pipeline: find sessions whose
// start time falls inside the reminder windows, claim one notification per
// (participant, session, kind) through the notification log's unique index,
// resolve the claimed users' device tokens and fan the sends out to the two
// push gateways. Correctness across overlapping invocations rests entirely
// on the claim insert; everything after it is best-effort.
type DispatchService struct {
	db      *gorm.DB
	auth    GatewayAuth
	fcm     MessageSender
	webPush SubscriptionSender
}

func NewDispatchService(db *gorm.DB, auth GatewayAuth, fcm MessageSender, webPush SubscriptionSender) *DispatchService {
	return &DispatchService{
		db:      db,
		auth:    auth,
		fcm:     fcm,
		webPush: webPush,
	}
}

// Run executes one full pipeline pass for the given invocation time
func (s *DispatchService) Run(ctx context.Context, now time.Time) (DispatchResult, error) {
	var result DispatchResult

	sessions, urgent, err := s.eligibleSessions(ctx, now)
	if err != nil {
		return result, err
	}
	result.ProcessedSessions = len(sessions)
	result.UrgentSessions = urgent
	if len(sessions) == 0 {
		return result, nil
	}

	granted, err := s.claim(ctx, buildCandidates(sessions), now)
	if err != nil {
		return result, err
	}
	result.Logged = len(granted)
	if len(granted) == 0 {
		// Every candidate was already claimed by an earlier or overlapping
		// invocation; nothing left to send.
		return result, nil
	}

	tokensByUser, totalTokens, err := s.resolveTokens(ctx, granted)
	if err != nil {
		return result, err
	}
	result.Tokens = totalTokens
	if totalTokens == 0 {
		return result, nil
	}

	units := buildSendUnits(granted, tokensByUser)
	if len(units) == 0 {
		return result, nil
	}

	accessToken, err := s.auth.Mint(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to obtain gateway credentials: %w", err)
	}

	stats := s.dispatch(ctx, accessToken, units)
	result.SendsAttempted = stats.attempted
	result.SendsFailed = stats.failed

	s.touchTokens(ctx, units, now)

	log.Printf("Dispatched session reminders: %d sessions (%d urgent), %d claims, %d sends (%d failed)",
		result.ProcessedSessions, result.UrgentSessions, result.Logged, stats.attempted, stats.failed)
	return result, nil
}

// eligibleSessions returns the de-duplicated union of the primary reminder
// window [now+9m, now+11m] and the catch-up window [now, now+10m], and how
// many sessions came from the catch-up path. Catch-up covers sessions booked
// so close to their start that no past primary-window pass could have seen
// them; a session already present in the notification log is not promoted,
// since a prior pass legitimately handled it.
func (s *DispatchService) eligibleSessions(ctx context.Context, now time.Time) ([]models.Session, int, error) {
	horizon := now.Add(reminderLead + windowSlack)

	var sessions []models.Session
	if err := s.db.WithContext(ctx).
		Where("status = ? AND start_time >= ? AND start_time <= ?", models.SessionStatusScheduled, now, horizon).
		Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query upcoming sessions: %w", err)
	}

	primaryFrom := now.Add(reminderLead - windowSlack)
	eligible := make([]models.Session, 0, len(sessions))
	urgent := 0
	for _, sess := range sessions {
		if !sess.StartTime.Before(primaryFrom) {
			eligible = append(eligible, sess)
			continue
		}
		logged, err := s.sessionLogged(ctx, sess.ID, models.KindSessionReminder)
		if err != nil {
			return nil, 0, err
		}
		if !logged {
			eligible = append(eligible, sess)
			urgent++
		}
	}
	return eligible, urgent, nil
}

// sessionLogged reports whether any participant of the session already has a
// notification log row for the given kind
func (s *DispatchService) sessionLogged(ctx context.Context, sessionID, kind string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.NotificationLog{}).
		Where("session_id = ? AND kind = ?", sessionID, kind).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check notification log for session %s: %w", sessionID, err)
	}
	return count > 0, nil
}

// claimCandidate is one prospective notification: a (user, session, kind)
// triple plus the message that should go out if the claim is granted.
type claimCandidate struct {
	UserID    string
	SessionID string
	Kind      string
	Message   push.Notification
}

func buildCandidates(sessions []models.Session) []claimCandidate {
	candidates := make([]claimCandidate, 0, len(sessions)*2)
	seen := make(map[string]struct{}, len(sessions)*2)
	for _, sess := range sessions {
		for _, userID := range sess.Participants() {
			key := userID + "\x00" + sess.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, claimCandidate{
				UserID:    userID,
				SessionID: sess.ID,
				Kind:      models.KindSessionReminder,
				Message:   reminderNotification(sess, userID),
			})
		}
	}
	return candidates
}

// reminderNotification builds the message for one participant, with a deep
// link matching their role in the session.
func reminderNotification(sess models.Session, userID string) push.Notification {
	body := "Your session starts in about 10 minutes."
	if subject := sess.Subject(); subject != "" {
		body = fmt.Sprintf("Your %s session starts in about 10 minutes.", subject)
	}

	link := "/student/sessions/" + sess.ID
	if userID == sess.TutorID {
		link = "/tutor/sessions/" + sess.ID
	}

	return push.Notification{
		Title: "Upcoming tutoring session",
		Body:  body,
		Data: map[string]string{
			"type":      models.KindSessionReminder,
			"sessionId": sess.ID,
			"link":      link,
		},
	}
}

// grantedClaim mirrors the columns returned by the claim statement
type grantedClaim struct {
	UserID    string
	SessionID string
	Kind      string
}

// claim inserts all candidate triples in one statement and returns only the
// candidates whose row was newly created. Granting and committing a claim is
// a single atomic operation against the (user, session, kind) unique index:
// there is no check-then-insert anywhere, so two overlapping invocations can
// never both win the same triple. Conflicts are not errors; a real insert
// failure aborts the invocation.
func (s *DispatchService) claim(ctx context.Context, candidates []claimCandidate, now time.Time) ([]claimCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO notification_log (user_id, session_id, kind, created_at) VALUES ")
	args := make([]interface{}, 0, len(candidates)*4)
	for i, c := range candidates {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?)")
		args = append(args, c.UserID, c.SessionID, c.Kind, now)
	}
	sb.WriteString(" ON CONFLICT (user_id, session_id, kind) DO NOTHING RETURNING user_id, session_id, kind")

	var granted []grantedClaim
	if err := s.db.WithContext(ctx).Raw(sb.String(), args...).Scan(&granted).Error; err != nil {
		return nil, fmt.Errorf("failed to record notification claims: %w", err)
	}

	grantedSet := make(map[grantedClaim]struct{}, len(granted))
	for _, g := range granted {
		grantedSet[g] = struct{}{}
	}

	kept := make([]claimCandidate, 0, len(granted))
	for _, c := range candidates {
		if _, ok := grantedSet[grantedClaim{UserID: c.UserID, SessionID: c.SessionID, Kind: c.Kind}]; ok {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// resolveTokens fetches every device token belonging to a claimed user. A
// claimed user with no tokens simply produces no sends; that is expected,
// not an error.
func (s *DispatchService) resolveTokens(ctx context.Context, granted []claimCandidate) (map[string][]models.DeviceToken, int, error) {
	userIDs := make([]string, 0, len(granted))
	seen := make(map[string]struct{}, len(granted))
	for _, c := range granted {
		if _, dup := seen[c.UserID]; dup {
			continue
		}
		seen[c.UserID] = struct{}{}
		userIDs = append(userIDs, c.UserID)
	}

	var tokens []models.DeviceToken
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&tokens).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query device tokens: %w", err)
	}

	byUser := make(map[string][]models.DeviceToken, len(userIDs))
	for _, token := range tokens {
		byUser[token.UserID] = append(byUser[token.UserID], token)
	}
	return byUser, len(tokens), nil
}

// sendUnit is one outbound send: a granted claim joined with one of the
// claimant's device tokens.
type sendUnit struct {
	token   models.DeviceToken
	message push.Notification
}

func buildSendUnits(granted []claimCandidate, tokensByUser map[string][]models.DeviceToken) []sendUnit {
	var units []sendUnit
	for _, c := range granted {
		for _, token := range tokensByUser[c.UserID] {
			units = append(units, sendUnit{token: token, message: c.Message})
		}
	}
	return units
}

type sendStats struct {
	attempted int
	failed    int
}

// dispatch fans the units out in bounded batches. Sends inside a batch run
// concurrently; each outcome is recorded on its own slot so one rejection
// never touches its siblings or the batches after it.
func (s *DispatchService) dispatch(ctx context.Context, accessToken string, units []sendUnit) sendStats {
	stats := sendStats{attempted: len(units)}

	for start := 0; start < len(units); start += sendBatchSize {
		end := start + sendBatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		outcomes := make([]error, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = s.send(ctx, accessToken, batch[i])
			}(i)
		}
		wg.Wait()

		for _, err := range outcomes {
			if err != nil {
				stats.failed++
			}
		}
	}
	return stats
}

// send routes one unit to its protocol. A failure here is counted and
// dropped: the claim is already committed, so a retry could not tell a
// failed send from a delivered one, and a stale token must not block the
// user's other devices.
func (s *DispatchService) send(ctx context.Context, accessToken string, unit sendUnit) error {
	if unit.token.IsWebPush() {
		return s.webPush.Send(ctx, unit.token.Token, unit.message)
	}
	return s.fcm.Send(ctx, accessToken, unit.token.Token, unit.message)
}

// touchTokens stamps last_used_at on every token that was attempted,
// regardless of send outcome. Best-effort; a failure is logged and ignored.
func (s *DispatchService) touchTokens(ctx context.Context, units []sendUnit, now time.Time) {
	ids := make([]uint, 0, len(units))
	for _, unit := range units {
		ids = append(ids, unit.token.ID)
	}
	if len(ids) == 0 {
		return
	}

	if err := s.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("id IN ?", ids).
		Update("last_used_at", now).Error; err != nil {
		log.Printf("Failed to update last_used_at for %d tokens: %v", len(ids), err)
	}
}
