package services

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/platform/analysisengine"
	"github.com/fraterny/quest-backend/internal/platform/gateway"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/platform/sendgrid"
	"github.com/fraterny/quest-backend/internal/types"
)

func testLogger() *logger.Logger {
	log, err := logger.New("development")
	if err != nil {
		panic(err)
	}
	return log
}

func fakeTxRunner() TxRunner {
	return func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return fn(nil)
	}
}

// --- submission repo ---

type fakeSubmissionRepo struct {
	mu      sync.Mutex
	byTest  map[string]*types.Submission
	updates int
}

func newFakeSubmissionRepo(subs ...*types.Submission) *fakeSubmissionRepo {
	r := &fakeSubmissionRepo{byTest: map[string]*types.Submission{}}
	for _, s := range subs {
		r.byTest[s.TestID] = s
	}
	return r
}

func (r *fakeSubmissionRepo) Create(ctx context.Context, tx *gorm.DB, sub *types.Submission) (*types.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTest[sub.TestID]; ok {
		return nil, fmt.Errorf("duplicate test_id %s", sub.TestID)
	}
	sub.CreatedAt = time.Now()
	r.byTest[sub.TestID] = sub
	return sub, nil
}

func (r *fakeSubmissionRepo) GetByTestID(ctx context.Context, tx *gorm.DB, testID string) (*types.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byTest[testID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *fakeSubmissionRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Submission
	for _, s := range r.byTest {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSubmissionRepo) ListRecoverable(ctx context.Context, tx *gorm.DB, ipAddress, fingerprint, userID string, since time.Time, limit int) ([]*types.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Submission
	for _, s := range r.byTest {
		if s.IPAddress != ipAddress || s.DeviceFingerprint != fingerprint {
			continue
		}
		if userID != "" && s.UserID != userID {
			continue
		}
		if recoverableInWindow(s, since) {
			out = append(out, s)
		}
	}
	return capRecoverable(out, limit), nil
}

func (r *fakeSubmissionRepo) ListRecoverableByFingerprint(ctx context.Context, tx *gorm.DB, fingerprint string, since time.Time, limit int) ([]*types.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Submission
	for _, s := range r.byTest {
		if s.DeviceFingerprint == fingerprint && recoverableInWindow(s, since) {
			out = append(out, s)
		}
	}
	return capRecoverable(out, limit), nil
}

func recoverableInWindow(s *types.Submission, since time.Time) bool {
	if s.Status != types.SubmissionAnalysisComplete && s.Status != types.SubmissionAgentStarted {
		return false
	}
	return s.AgentStartTime != nil && !s.AgentStartTime.Before(since)
}

func capRecoverable(subs []*types.Submission, limit int) []*types.Submission {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].AgentStartTime.After(*subs[j].AgentStartTime)
	})
	if len(subs) > limit {
		subs = subs[:limit]
	}
	return subs
}

func (r *fakeSubmissionRepo) ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Submission
	for _, s := range r.byTest {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeSubmissionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, testID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byTest[testID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.updates++
	applySubmissionFields(sub, fields)
	return nil
}

func (r *fakeSubmissionRepo) ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.byTest {
		if s.UserID == fromUserID {
			s.UserID = toUserID
			n++
		}
	}
	return n, nil
}

func applySubmissionFields(s *types.Submission, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "status":
			s.Status = v.(types.SubmissionStatus)
		case "payment_status":
			s.PaymentStatus = v.(types.PaymentStatus)
		case "artifact_status":
			s.ArtifactStatus = v.(types.ArtifactStatus)
		case "analysis_error":
			s.AnalysisError = v.(string)
		case "analysis_result":
			s.AnalysisResult = v.(string)
		case "quality_score":
			s.QualityScore = v.(string)
		case "artifact_error":
			s.ArtifactError = v.(string)
		case "artifact_url":
			s.ArtifactURL = v.(string)
		case "artifact_generation_attempts":
			s.ArtifactAttempts = v.(int)
		case "user_id":
			s.UserID = v.(string)
		case "agent_duration_seconds":
			s.AgentDurationSecs = v.(float64)
		}
	}
}

// --- user repo ---

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*types.User
	deleted []string
}

func newFakeUserRepo(users ...*types.User) *fakeUserRepo {
	r := &fakeUserRepo{byID: map[string]*types.User{}}
	for _, u := range users {
		r.byID[u.UserID] = u
	}
	return r
}

func (r *fakeUserRepo) Create(ctx context.Context, tx *gorm.DB, user *types.User) (*types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[user.UserID]; ok {
		return nil, fmt.Errorf("duplicate user_id %s", user.UserID)
	}
	r.byID[user.UserID] = user
	return user, nil
}

func (r *fakeUserRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) UpdateFields(ctx context.Context, tx *gorm.DB, userID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		switch k {
		case "name":
			user.Name = v.(string)
		case "email":
			user.Email = v.(string)
		case "city":
			user.City = v.(string)
		case "date_of_birth":
			user.DateOfBirth = v.(string)
		case "gender":
			user.Gender = v.(string)
		case "mobile_number":
			user.MobileNumber = v.(string)
		case "is_anonymous":
			user.IsAnonymous = v.(bool)
		case "last_used":
			user.LastUsed = v.(string)
		case "total_paid_generations":
			user.TotalPaidGenerations = v.(int)
		}
	}
	return nil
}

func (r *fakeUserRepo) Delete(ctx context.Context, tx *gorm.DB, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, userID)
	r.deleted = append(r.deleted, userID)
	return nil
}

// --- transaction repo ---

type fakeTransactionRepo struct {
	mu      sync.Mutex
	byOrder map[string]*types.Transaction
}

func newFakeTransactionRepo(txns ...*types.Transaction) *fakeTransactionRepo {
	r := &fakeTransactionRepo{byOrder: map[string]*types.Transaction{}}
	for _, t := range txns {
		r.byOrder[t.OrderID] = t
	}
	return r
}

func (r *fakeTransactionRepo) Create(ctx context.Context, tx *gorm.DB, txn *types.Transaction) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byOrder[txn.OrderID]; ok {
		return nil, fmt.Errorf("duplicate order_id %s", txn.OrderID)
	}
	txn.CreatedAt = time.Now()
	r.byOrder[txn.OrderID] = txn
	return txn, nil
}

func (r *fakeTransactionRepo) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byOrder[orderID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *txn
	return &copied, nil
}

func (r *fakeTransactionRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Transaction
	for _, t := range r.byOrder {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) ListByTestID(ctx context.Context, tx *gorm.DB, testID string) ([]*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Transaction
	for _, t := range r.byOrder {
		if t.TestID == testID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Transaction
	for _, t := range r.byOrder {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeTransactionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, orderID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byOrder[orderID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			txn.Status = v.(types.PaymentStatus)
		case "payment_id":
			txn.PaymentID = v.(string)
		case "failure_reason":
			txn.FailureReason = v.(string)
		case "completed_at":
			t := v.(time.Time)
			txn.CompletedAt = &t
		}
	}
	return nil
}

func (r *fakeTransactionRepo) ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.byOrder {
		if t.UserID == fromUserID {
			t.UserID = toUserID
			n++
		}
	}
	return n, nil
}

// --- feedback repo ---

type fakeFeedbackRepo struct {
	mu   sync.Mutex
	rows []*types.Feedback
}

func newFakeFeedbackRepo(rows ...*types.Feedback) *fakeFeedbackRepo {
	return &fakeFeedbackRepo{rows: rows}
}

func (r *fakeFeedbackRepo) Create(ctx context.Context, tx *gorm.DB, fb *types.Feedback) (*types.Feedback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, fb)
	return fb, nil
}

func (r *fakeFeedbackRepo) ListByTestID(ctx context.Context, tx *gorm.DB, testID string) ([]*types.Feedback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Feedback
	for _, fb := range r.rows {
		if fb.TestID == testID {
			out = append(out, fb)
		}
	}
	return out, nil
}

func (r *fakeFeedbackRepo) ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, fb := range r.rows {
		if fb.UserID == fromUserID {
			fb.UserID = toUserID
			n++
		}
	}
	return n, nil
}

// --- engine ---

type fakeEngine struct {
	mu          sync.Mutex
	runResp     string
	runErr      error
	premiumResp string
	premiumErr  error
	runCalls    int
	premCalls   int
}

func (e *fakeEngine) Run(ctx context.Context, req analysisengine.RunRequest) (*analysisengine.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCalls++
	if e.runErr != nil {
		return nil, e.runErr
	}
	return &analysisengine.RunResult{Raw: e.runResp}, nil
}

func (e *fakeEngine) RunPremium(ctx context.Context, req analysisengine.RunRequest) (*analysisengine.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.premCalls++
	if e.premiumErr != nil {
		return nil, e.premiumErr
	}
	return &analysisengine.RunResult{Raw: e.premiumResp}, nil
}

// --- deduper ---

type fakeDeduper struct {
	mu         sync.Mutex
	held       map[string]bool
	acquireErr error
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{held: map[string]bool{}}
}

func (d *fakeDeduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquireErr != nil {
		return false, d.acquireErr
	}
	if d.held[key] {
		return false, nil
	}
	d.held[key] = true
	return true, nil
}

func (d *fakeDeduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, key)
	return nil
}

// --- doc tools ---

type fakeDocTools struct {
	mu           sync.Mutex
	renderErr    error
	renderCalls  int
	compressErr  error
	cleanupCalls int
}

func (d *fakeDocTools) RenderPDF(ctx context.Context, contextJSON []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renderCalls++
	if d.renderErr != nil {
		return "", d.renderErr
	}
	return "/tmp/fake-report.pdf", nil
}

func (d *fakeDocTools) CompressPDF(ctx context.Context, inputPath string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.compressErr != nil {
		return "", d.compressErr
	}
	return inputPath, nil
}

func (d *fakeDocTools) Cleanup(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanupCalls += len(paths)
}

// --- bucket ---

type fakeBucket struct {
	mu        sync.Mutex
	uploads   []string
	failFirst bool
	failAll   bool
	attempts  int
}

func (b *fakeBucket) Upload(ctx context.Context, objectKey, contentType string, r io.Reader) (string, error) {
	return "", fmt.Errorf("not used")
}

func (b *fakeBucket) UploadFile(ctx context.Context, objectKey, contentType, localPath string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failAll || (b.failFirst && b.attempts == 1) {
		return "", fmt.Errorf("upload failed")
	}
	b.uploads = append(b.uploads, objectKey)
	return "https://storage.googleapis.com/test/" + objectKey, nil
}

func (b *fakeBucket) Delete(ctx context.Context, objectKey string) error {
	return nil
}

func (b *fakeBucket) PublicURL(objectKey string) string {
	return "https://storage.googleapis.com/test/" + objectKey
}

// --- mailer ---

type fakeMailer struct {
	mu   sync.Mutex
	sent []sendgrid.SendEmailRequest
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, req sendgrid.SendEmailRequest) (*sendgrid.SendEmailResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, req)
	return &sendgrid.SendEmailResult{StatusCode: 202}, nil
}

// --- sheets sink ---

type fakeSink struct {
	mu   sync.Mutex
	tab  string
	rows [][]any
}

func (s *fakeSink) Replace(ctx context.Context, tab string, rows [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab = tab
	s.rows = rows
	return nil
}

// --- gateway ---

type fakeGateway struct {
	name       string
	charge     *gateway.Charge
	chargeErr  error
	verifyErr  error
	capture    *gateway.CaptureResult
	captureErr error

	mu           sync.Mutex
	captureCalls int
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	if g.charge != nil {
		return g.charge, nil
	}
	return &gateway.Charge{
		OrderID:     "order_test_1",
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Status:      "created",
	}, nil
}

func (g *fakeGateway) VerifySignature(in gateway.VerifyInput) error {
	return g.verifyErr
}

func (g *fakeGateway) Capture(ctx context.Context, in gateway.CaptureInput) (*gateway.CaptureResult, error) {
	g.mu.Lock()
	g.captureCalls++
	g.mu.Unlock()
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	if g.capture != nil {
		return g.capture, nil
	}
	return &gateway.CaptureResult{PaymentID: "pay_test_1", Status: "captured"}, nil
}

// --- fulfillment spy ---

type spyFulfillment struct {
	mu   sync.Mutex
	runs []string
}

func (s *spyFulfillment) Run(ctx context.Context, testID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, testID)
}

func (s *spyFulfillment) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
