package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"itutor/internal/models"
	"itutor/internal/push"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeAuth struct {
	mu    sync.Mutex
	mints int
	err   error
}

func (f *fakeAuth) Mint(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints++
	if f.err != nil {
		return "", f.err
	}
	return "test-access-token", nil
}

type sentPush struct {
	accessToken string
	target      string
	message     push.Notification
}

type fakeFCM struct {
	mu      sync.Mutex
	sent    []sentPush
	failFor map[string]bool
}

func (f *fakeFCM) Send(ctx context.Context, accessToken, deviceToken string, n push.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPush{accessToken: accessToken, target: deviceToken, message: n})
	if f.failFor[deviceToken] {
		return errors.New("UNREGISTERED")
	}
	return nil
}

type fakeWebPush struct {
	mu   sync.Mutex
	sent []sentPush
	err  error
}

func (f *fakeWebPush) Send(ctx context.Context, subscription string, n push.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPush{target: subscription, message: n})
	return f.err
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	db, err := gorm.Open(dsn, &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.DeviceToken{}, &models.NotificationLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testEnv struct {
	db      *gorm.DB
	auth    *fakeAuth
	fcm     *fakeFCM
	webPush *fakeWebPush
	svc     *DispatchService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	auth := &fakeAuth{}
	fcm := &fakeFCM{failFor: map[string]bool{}}
	webPush := &fakeWebPush{}
	return &testEnv{
		db:      db,
		auth:    auth,
		fcm:     fcm,
		webPush: webPush,
		svc:     NewDispatchService(db, auth, fcm, webPush),
	}
}

func scheduleSession(t *testing.T, db *gorm.DB, tutor, student string, start time.Time) models.Session {
	t.Helper()
	sess := models.Session{
		TutorID:   tutor,
		StudentID: student,
		StartTime: start,
		Status:    models.SessionStatusScheduled,
	}
	if err := db.Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func registerToken(t *testing.T, db *gorm.DB, userID, platform, value string) models.DeviceToken {
	t.Helper()
	token := models.DeviceToken{UserID: userID, Platform: platform, Token: value}
	if err := db.Create(&token).Error; err != nil {
		t.Fatalf("create device token: %v", err)
	}
	return token
}

func ledgerCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&models.NotificationLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	return count
}

func TestRunPrimaryWindowSession(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	sess := scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))
	fcmToken := registerToken(t, env.db, "tutor-1", models.PlatformAndroid, "fcm-token-a")
	webToken := registerToken(t, env.db, "tutor-1", models.PlatformWeb, `{"endpoint":"https://push.example/abc"}`)

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.ProcessedSessions != 1 || result.UrgentSessions != 0 {
		t.Fatalf("unexpected session counts: %+v", result)
	}
	if result.Logged != 2 {
		t.Fatalf("expected 2 claims (tutor and student), got %d", result.Logged)
	}
	if result.Tokens != 2 || result.SendsAttempted != 2 || result.SendsFailed != 0 {
		t.Fatalf("unexpected send counts: %+v", result)
	}

	if len(env.fcm.sent) != 1 {
		t.Fatalf("expected 1 fcm send, got %d", len(env.fcm.sent))
	}
	if env.fcm.sent[0].target != "fcm-token-a" || env.fcm.sent[0].accessToken != "test-access-token" {
		t.Fatalf("unexpected fcm send: %+v", env.fcm.sent[0])
	}
	if len(env.webPush.sent) != 1 || env.webPush.sent[0].target != webToken.Token {
		t.Fatalf("unexpected web push sends: %+v", env.webPush.sent)
	}

	// Tutor messages deep-link to the tutor view.
	data := env.fcm.sent[0].message.Data
	if data["sessionId"] != sess.ID || data["link"] != "/tutor/sessions/"+sess.ID {
		t.Fatalf("unexpected message data: %v", data)
	}

	// Both attempted tokens get their freshness stamp.
	for _, id := range []uint{fcmToken.ID, webToken.ID} {
		var reloaded models.DeviceToken
		if err := env.db.First(&reloaded, id).Error; err != nil {
			t.Fatalf("reload token %d: %v", id, err)
		}
		if reloaded.LastUsedAt.IsZero() {
			t.Fatalf("token %d last_used_at not touched", id)
		}
	}
}

func TestRunIsIdempotentAcrossInvocations(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))
	registerToken(t, env.db, "tutor-1", models.PlatformAndroid, "fcm-token-a")

	first, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Logged != 2 || first.SendsAttempted != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	// Overlapping invocation 30 seconds later: same session is still inside
	// the primary window, but every claim already exists.
	second, err := env.svc.Run(context.Background(), now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.ProcessedSessions != 1 {
		t.Fatalf("session should still be eligible: %+v", second)
	}
	if second.Logged != 0 || second.SendsAttempted != 0 {
		t.Fatalf("second run must not re-claim or re-send: %+v", second)
	}

	if got := ledgerCount(t, env.db); got != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", got)
	}
	if len(env.fcm.sent) != 1 {
		t.Fatalf("expected exactly 1 send across both runs, got %d", len(env.fcm.sent))
	}
}

func TestRunCatchUpWindow(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Booked 4 minutes before start: never inside any past primary window.
	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(4*time.Minute))

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ProcessedSessions != 1 || result.UrgentSessions != 1 {
		t.Fatalf("expected 1 urgent session, got %+v", result)
	}
	if result.Logged != 2 {
		t.Fatalf("expected claims for both participants, got %d", result.Logged)
	}
}

func TestCatchUpSuppressedWhenAlreadyLogged(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	sess := scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(4*time.Minute))

	// A prior primary-window pass already handled this session.
	row := models.NotificationLog{UserID: "tutor-1", SessionID: sess.ID, Kind: models.KindSessionReminder, CreatedAt: now.Add(-6 * time.Minute)}
	if err := env.db.Create(&row).Error; err != nil {
		t.Fatalf("seed ledger row: %v", err)
	}

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ProcessedSessions != 0 || result.UrgentSessions != 0 || result.Logged != 0 {
		t.Fatalf("logged catch-up session must not be promoted: %+v", result)
	}
}

func TestWindowUnionCountsSessionOnce(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Satisfies both the primary and the catch-up predicate.
	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(9*time.Minute+30*time.Second))

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ProcessedSessions != 1 {
		t.Fatalf("session must appear exactly once, got %d", result.ProcessedSessions)
	}
	if result.UrgentSessions != 0 {
		t.Fatalf("primary-window session must not count as urgent: %+v", result)
	}
	if got := ledgerCount(t, env.db); got != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", got)
	}
}

func TestPartialClaimOnlySendsNewTriples(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	sess := scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))
	registerToken(t, env.db, "tutor-1", models.PlatformAndroid, "tutor-token")
	registerToken(t, env.db, "student-1", models.PlatformAndroid, "student-token")

	// The tutor's claim already exists; only the student's is grantable.
	row := models.NotificationLog{UserID: "tutor-1", SessionID: sess.ID, Kind: models.KindSessionReminder, CreatedAt: now.Add(-time.Minute)}
	if err := env.db.Create(&row).Error; err != nil {
		t.Fatalf("seed ledger row: %v", err)
	}

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Logged != 1 {
		t.Fatalf("expected 1 granted claim, got %d", result.Logged)
	}
	if len(env.fcm.sent) != 1 || env.fcm.sent[0].target != "student-token" {
		t.Fatalf("only the student's token should be sent to: %+v", env.fcm.sent)
	}
	if data := env.fcm.sent[0].message.Data; data["link"] != "/student/sessions/"+sess.ID {
		t.Fatalf("student message must carry the student link: %v", data)
	}
}

func TestFanOutRoutesEachProtocol(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))
	registerToken(t, env.db, "student-1", models.PlatformAndroid, "fcm-1")
	registerToken(t, env.db, "student-1", models.PlatformIOS, "fcm-2")
	registerToken(t, env.db, "student-1", models.PlatformWeb, `{"endpoint":"https://push.example/sub-1"}`)

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SendsAttempted != 3 {
		t.Fatalf("expected 3 send units, got %d", result.SendsAttempted)
	}
	if len(env.fcm.sent) != 2 {
		t.Fatalf("expected android and ios tokens on fcm, got %d", len(env.fcm.sent))
	}
	if len(env.webPush.sent) != 1 {
		t.Fatalf("expected web token on web push, got %d", len(env.webPush.sent))
	}
}

func TestSendFailuresAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))

	// Enough tokens to span two dispatch batches, with one bad token in the
	// first batch and a web push channel that always rejects.
	for i := 0; i < 25; i++ {
		registerToken(t, env.db, "student-1", models.PlatformAndroid, fmt.Sprintf("fcm-%02d", i))
	}
	registerToken(t, env.db, "student-1", models.PlatformWeb, `{"endpoint":"https://push.example/sub-1"}`)
	env.fcm.failFor["fcm-03"] = true
	env.webPush.err = errors.New("410 Gone")

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("failures must not surface from Run: %v", err)
	}
	if result.SendsAttempted != 26 {
		t.Fatalf("every unit must be attempted, got %d", result.SendsAttempted)
	}
	if result.SendsFailed != 2 {
		t.Fatalf("expected 2 isolated failures, got %d", result.SendsFailed)
	}
	if len(env.fcm.sent) != 25 {
		t.Fatalf("one bad token must not block the rest: %d sends", len(env.fcm.sent))
	}
}

func TestNoEligibleSessions(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	// Outside both windows, or ineligible status.
	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(30*time.Minute))
	cancelled := models.Session{TutorID: "tutor-2", StudentID: "student-2", StartTime: now.Add(10 * time.Minute), Status: models.SessionStatusCancelled}
	if err := env.db.Create(&cancelled).Error; err != nil {
		t.Fatalf("create cancelled session: %v", err)
	}

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ProcessedSessions != 0 || result.Logged != 0 || result.SendsAttempted != 0 {
		t.Fatalf("expected an all-zero result, got %+v", result)
	}
	if env.auth.mints != 0 {
		t.Fatalf("credentials must not be minted when there is nothing to send")
	}
}

func TestClaimedUserWithoutTokens(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))

	result, err := env.svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Logged != 2 {
		t.Fatalf("claims are granted regardless of tokens: %+v", result)
	}
	if result.Tokens != 0 || result.SendsAttempted != 0 {
		t.Fatalf("no tokens means no sends: %+v", result)
	}
	if env.auth.mints != 0 {
		t.Fatalf("credentials must not be minted without send units")
	}
}

func TestMintFailureAbortsDispatch(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	scheduleSession(t, env.db, "tutor-1", "student-1", now.Add(10*time.Minute))
	registerToken(t, env.db, "tutor-1", models.PlatformAndroid, "fcm-token-a")
	env.auth.err = errors.New("invalid_grant")

	result, err := env.svc.Run(context.Background(), now)
	if err == nil {
		t.Fatal("credential failure must abort the invocation")
	}
	if !strings.Contains(err.Error(), "gateway credentials") {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SendsAttempted != 0 || len(env.fcm.sent) != 0 {
		t.Fatalf("nothing may be sent without credentials: %+v", result)
	}
	// The claims stay committed; they are intentionally not rolled back.
	if got := ledgerCount(t, env.db); got != 2 {
		t.Fatalf("expected committed claims to remain, got %d", got)
	}
}

func TestSubjectAppearsInMessageBody(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Truncate(time.Second)

	sess := models.Session{
		TutorID:   "tutor-1",
		StudentID: "student-1",
		StartTime: now.Add(10 * time.Minute),
		Status:    models.SessionStatusScheduled,
		Meta:      map[string]interface{}{"subject": "Algebra"},
	}
	if err := env.db.Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	registerToken(t, env.db, "student-1", models.PlatformAndroid, "fcm-token")

	if _, err := env.svc.Run(context.Background(), now); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(env.fcm.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(env.fcm.sent))
	}
	if body := env.fcm.sent[0].message.Body; !strings.Contains(body, "Algebra") {
		t.Fatalf("subject missing from body: %q", body)
	}
}
