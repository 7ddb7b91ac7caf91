package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/provider"
	"github.com/kursadbilgin/wa-dispatcher/internal/queue"
	"github.com/kursadbilgin/wa-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
)

const testCampaignID = "8c5a3e1f-2b7d-4c9e-a1f0-6d3b2e4c5a71"

// fakeCampaignRepo keeps campaigns in memory and applies the same status
// guards as the SQL repository.
type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	progress  []repository.CampaignProgress
	failures  []repository.CampaignFailure
	deltas    [][2]int

	getByIDFn           func(ctx context.Context, id string) (*domain.Campaign, error)
	isCancelRequestedFn func(ctx context.Context, id string) (bool, error)
	requestCancelFn     func(ctx context.Context, id string) error
	listStaleFn         func(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error)
}

func newFakeCampaignRepo(campaigns ...*domain.Campaign) *fakeCampaignRepo {
	f := &fakeCampaignRepo{campaigns: make(map[string]*domain.Campaign)}
	for _, c := range campaigns {
		f.campaigns[c.ID] = c
	}
	return f
}

func (f *fakeCampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[c.ID] = c
	return nil
}

func (f *fakeCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (f *fakeCampaignRepo) guard(id string, allowed ...domain.CampaignStatus) (*domain.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	for _, s := range allowed {
		if c.Status == s {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, id, c.Status)
}

func (f *fakeCampaignRepo) MarkSending(_ context.Context, id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.guard(id, domain.CampaignStatusDraft, domain.CampaignStatusPending)
	if err != nil {
		return err
	}
	c.Status = domain.CampaignStatusSending
	c.StartedAt = &startedAt
	c.CancelRequested = false
	return nil
}

func (f *fakeCampaignRepo) UpdateProgress(_ context.Context, id string, progress repository.CampaignProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.guard(id, domain.CampaignStatusSending)
	if err != nil {
		return err
	}
	c.SentCount = progress.SentCount
	c.FailedCount = progress.FailedCount
	c.ProgressPercentage = progress.ProgressPercentage
	f.progress = append(f.progress, progress)
	return nil
}

func (f *fakeCampaignRepo) MarkCompleted(_ context.Context, id string, completion repository.CampaignCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.guard(id, domain.CampaignStatusSending)
	if err != nil {
		return err
	}
	c.Status = domain.CampaignStatusCompleted
	c.SentCount = completion.SentCount
	c.FailedCount = completion.FailedCount
	c.ProgressPercentage = 100
	completedAt := completion.CompletedAt
	c.CompletedAt = &completedAt
	minutes := completion.ProcessingTimeMinutes
	c.ProcessingTimeMinutes = &minutes
	return nil
}

func (f *fakeCampaignRepo) MarkFailed(_ context.Context, id string, failure repository.CampaignFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.guard(id, domain.CampaignStatusDraft, domain.CampaignStatusPending, domain.CampaignStatusSending)
	if err != nil {
		return err
	}
	c.Status = domain.CampaignStatusFailed
	c.SentCount = failure.SentCount
	c.FailedCount = failure.FailedCount
	c.ProgressPercentage = failure.ProgressPercentage
	completedAt := failure.CompletedAt
	c.CompletedAt = &completedAt
	c.ProcessingTimeMinutes = failure.ProcessingTimeMinutes
	msg := failure.ErrorMessage
	c.ErrorMessage = &msg
	f.failures = append(f.failures, failure)
	return nil
}

func (f *fakeCampaignRepo) IncrementCounters(_ context.Context, id string, sentDelta, failedDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.SentCount = max(0, c.SentCount+sentDelta)
	c.FailedCount = max(0, c.FailedCount+failedDelta)
	f.deltas = append(f.deltas, [2]int{sentDelta, failedDelta})
	return nil
}

func (f *fakeCampaignRepo) RequestCancel(ctx context.Context, id string) error {
	if f.requestCancelFn != nil {
		return f.requestCancelFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.guard(id, domain.CampaignStatusDraft, domain.CampaignStatusPending, domain.CampaignStatusSending)
	if err != nil {
		return err
	}
	c.CancelRequested = true
	return nil
}

func (f *fakeCampaignRepo) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	if f.isCancelRequestedFn != nil {
		return f.isCancelRequestedFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	return c.CancelRequested, nil
}

func (f *fakeCampaignRepo) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error) {
	if f.listStaleFn != nil {
		return f.listStaleFn(ctx, updatedBefore, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Campaign{}
	for _, c := range f.campaigns {
		if c.Status == domain.CampaignStatusSending && c.UpdatedAt.Before(updatedBefore) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCampaignRepo) snapshot(id string) domain.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.campaigns[id]
}

var _ repository.CampaignRepository = (*fakeCampaignRepo)(nil)

// fakeRecipientRepo keeps recipients in insertion order.
type fakeRecipientRepo struct {
	mu         sync.Mutex
	recipients []*domain.Recipient

	markSentFn func(ctx context.Context, id string, messageID string, sentAt time.Time) error
	listFn     func(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	countFn    func(ctx context.Context, campaignID string) (int, error)
}

func newFakeRecipientRepo(recipients ...*domain.Recipient) *fakeRecipientRepo {
	return &fakeRecipientRepo{recipients: recipients}
}

func (f *fakeRecipientRepo) CreateBatch(_ context.Context, recipients []*domain.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = append(f.recipients, recipients...)
	return nil
}

func (f *fakeRecipientRepo) ListPendingByCampaign(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	if f.listFn != nil {
		return f.listFn(ctx, campaignID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Recipient{}
	for _, r := range f.recipients {
		if r.CampaignID == campaignID && r.Status == domain.RecipientStatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRecipientRepo) ListByIDs(_ context.Context, campaignID string, ids []string) ([]domain.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Recipient{}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		for _, r := range f.recipients {
			if r.ID == id && r.CampaignID == campaignID {
				seen[id] = true
				out = append(out, *r)
			}
		}
	}
	return out, nil
}

func (f *fakeRecipientRepo) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	if f.countFn != nil {
		return f.countFn(ctx, campaignID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.recipients {
		if r.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (f *fakeRecipientRepo) CountByStatus(_ context.Context, campaignID string) (map[domain.RecipientStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.RecipientStatus]int{
		domain.RecipientStatusPending: 0,
		domain.RecipientStatusSent:    0,
		domain.RecipientStatusFailed:  0,
	}
	for _, r := range f.recipients {
		if r.CampaignID == campaignID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (f *fakeRecipientRepo) MarkSent(ctx context.Context, id string, messageID string, sentAt time.Time) error {
	if f.markSentFn != nil {
		if err := f.markSentFn(ctx, id, messageID, sentAt); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.find(id)
	if r == nil {
		return domain.ErrNotFound
	}
	r.Status = domain.RecipientStatusSent
	r.MessageID = &messageID
	r.SentAt = &sentAt
	r.ErrorMessage = nil
	return nil
}

func (f *fakeRecipientRepo) MarkFailed(_ context.Context, id string, errorMessage string, failedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.find(id)
	if r == nil {
		return domain.ErrNotFound
	}
	r.Status = domain.RecipientStatusFailed
	r.ErrorMessage = &errorMessage
	r.FailedAt = &failedAt
	r.RetryCount++
	return nil
}

func (f *fakeRecipientRepo) find(id string) *domain.Recipient {
	for _, r := range f.recipients {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (f *fakeRecipientRepo) get(id string) domain.Recipient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.find(id)
}

var _ repository.RecipientRepository = (*fakeRecipientRepo)(nil)

type fakeProvider struct {
	mu     sync.Mutex
	calls  []provider.TemplatePayload
	sendFn func(ctx context.Context, payload provider.TemplatePayload) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, payload provider.TemplatePayload) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, payload)
	}
	return &provider.ProviderResponse{StatusCode: 200, MessageID: "wamid." + payload.To}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var _ provider.Provider = (*fakeProvider)(nil)

type fakeRateLimiter struct {
	mu      sync.Mutex
	records map[string][]bool

	isRateLimitedFn func(ctx context.Context, key string) (bool, error)
	errorCountFn    func(ctx context.Context, key string) (int, error)
}

func (f *fakeRateLimiter) IsRateLimited(ctx context.Context, key string) (bool, error) {
	if f.isRateLimitedFn != nil {
		return f.isRateLimitedFn(ctx, key)
	}
	return false, nil
}

func (f *fakeRateLimiter) RecordMessage(_ context.Context, key string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string][]bool)
	}
	f.records[key] = append(f.records[key], success)
	return nil
}

func (f *fakeRateLimiter) ErrorCount(ctx context.Context, key string) (int, error) {
	if f.errorCountFn != nil {
		return f.errorCountFn(ctx, key)
	}
	return 0, nil
}

func (f *fakeRateLimiter) recorded(key string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.records[key]...)
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.CampaignRunMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.CampaignRunMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeRunner struct {
	runFn            func(ctx context.Context, campaignID string) (*domain.CampaignStats, error)
	runManualBatchFn func(ctx context.Context, campaignID string, ids []string, batchSize int) (*BatchResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, campaignID string) (*domain.CampaignStats, error) {
	if f.runFn != nil {
		return f.runFn(ctx, campaignID)
	}
	return &domain.CampaignStats{CampaignID: campaignID}, nil
}

func (f *fakeRunner) RunManualBatch(ctx context.Context, campaignID string, ids []string, batchSize int) (*BatchResult, error) {
	if f.runManualBatchFn != nil {
		return f.runManualBatchFn(ctx, campaignID, ids, batchSize)
	}
	return &BatchResult{CampaignID: campaignID, Requested: len(ids), Processed: len(ids), Success: len(ids)}, nil
}

// fakeClock advances only when the code under test sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) count(d time.Duration) int {
	n := 0
	for _, s := range c.Sleeps() {
		if s == d {
			n++
		}
	}
	return n
}

func newCampaign(status domain.CampaignStatus) *domain.Campaign {
	return &domain.Campaign{
		ID:           testCampaignID,
		Name:         "Seminar Invite",
		TemplateName: "event_invitation",
		TemplateParams: map[string]string{
			domain.ParamParticipantName: "Peserta",
			domain.ParamEventName:       "Seminar Nasional",
			domain.ParamEventDate:       "12 Maret 2026",
			domain.ParamEventTime:       "09:00",
			domain.ParamEventLocation:   "Jakarta",
		},
		Status: status,
	}
}

func newRecipient(id, phoneNumber string) *domain.Recipient {
	return &domain.Recipient{
		ID:          id,
		CampaignID:  testCampaignID,
		PhoneNumber: phoneNumber,
		Status:      domain.RecipientStatusPending,
	}
}

// validPhone returns a distinct canonical number for index i.
func validPhone(i int) string {
	return fmt.Sprintf("6281234%06d", i)
}
