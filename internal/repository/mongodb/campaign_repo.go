package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ repository.CampaignRepository = (*CampaignRepo)(nil)

var (
	startableStatuses = bson.A{domain.CampaignStatusDraft.String(), domain.CampaignStatusPending.String()}
	openStatuses      = bson.A{domain.CampaignStatusDraft.String(), domain.CampaignStatusPending.String(), domain.CampaignStatusSending.String()}
)

// CampaignRepo stores campaigns as documents keyed by their UUID.
type CampaignRepo struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewCampaignRepo(db *mongo.Database) *CampaignRepo {
	return &CampaignRepo{
		collection: db.Collection(campaignsCollection),
		now:        time.Now,
	}
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c == nil {
		return fmt.Errorf("%w: campaign is required", domain.ErrValidation)
	}
	if c.Status == "" {
		c.Status = domain.CampaignStatusDraft
	}
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, campaignDocumentFromDomain(c))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: campaign %s already exists", domain.ErrConflict, c.ID)
	}
	return err
}

func (r *CampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	var doc campaignDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignDocumentToDomain(&doc)
}

func (r *CampaignRepo) MarkSending(ctx context.Context, id string, startedAt time.Time) error {
	return r.guardedUpdate(ctx, id, startableStatuses, bson.M{
		"status":           domain.CampaignStatusSending.String(),
		"started_at":       startedAt,
		"error_message":    nil,
		"cancel_requested": false,
	})
}

func (r *CampaignRepo) UpdateProgress(ctx context.Context, id string, progress repository.CampaignProgress) error {
	return r.guardedUpdate(ctx, id, bson.A{domain.CampaignStatusSending.String()}, bson.M{
		"sent_count":          progress.SentCount,
		"failed_count":        progress.FailedCount,
		"progress_percentage": progress.ProgressPercentage,
	})
}

func (r *CampaignRepo) MarkCompleted(ctx context.Context, id string, completion repository.CampaignCompletion) error {
	return r.guardedUpdate(ctx, id, bson.A{domain.CampaignStatusSending.String()}, bson.M{
		"status":                  domain.CampaignStatusCompleted.String(),
		"sent_count":              completion.SentCount,
		"failed_count":            completion.FailedCount,
		"progress_percentage":     100.0,
		"completed_at":            completion.CompletedAt,
		"processing_time_minutes": completion.ProcessingTimeMinutes,
	})
}

func (r *CampaignRepo) MarkFailed(ctx context.Context, id string, failure repository.CampaignFailure) error {
	return r.guardedUpdate(ctx, id, openStatuses, bson.M{
		"status":                  domain.CampaignStatusFailed.String(),
		"sent_count":              failure.SentCount,
		"failed_count":            failure.FailedCount,
		"progress_percentage":     failure.ProgressPercentage,
		"completed_at":            failure.CompletedAt,
		"processing_time_minutes": failure.ProcessingTimeMinutes,
		"error_message":           failure.ErrorMessage,
	})
}

// IncrementCounters applies signed deltas with a pipeline update so the
// counters are floored at zero server-side.
func (r *CampaignRepo) IncrementCounters(ctx context.Context, id string, sentDelta, failedDelta int) error {
	if sentDelta == 0 && failedDelta == 0 {
		return nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "sent_count", Value: flooredAdd("$sent_count", sentDelta)},
			{Key: "failed_count", Value: flooredAdd("$failed_count", failedDelta)},
			{Key: "updated_at", Value: r.now().UTC()},
		}}},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) RequestCancel(ctx context.Context, id string) error {
	return r.guardedUpdate(ctx, id, openStatuses, bson.M{"cancel_requested": true})
}

func (r *CampaignRepo) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var doc struct {
		CancelRequested bool `bson:"cancel_requested"`
	}
	opts := options.FindOne().SetProjection(bson.M{"cancel_requested": 1})
	err := r.collection.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return doc.CancelRequested, nil
}

// ListStaleSending returns sending campaigns whose last write is older than
// updatedBefore, oldest first.
func (r *CampaignRepo) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error) {
	filter := bson.M{
		"status":     domain.CampaignStatusSending.String(),
		"updated_at": bson.M{"$lt": updatedBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []campaignDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	campaigns := make([]domain.Campaign, 0, len(docs))
	for i := range docs {
		c, err := campaignDocumentToDomain(&docs[i])
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, nil
}

// EnsureIndexes creates the indexes the processor's queries rely on.
func (r *CampaignRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
	})
	return err
}

func (r *CampaignRepo) guardedUpdate(ctx context.Context, id string, allowed bson.A, set bson.M) error {
	set["updated_at"] = r.now().UTC()

	filter := bson.M{"_id": id, "status": bson.M{"$in": allowed}}
	result, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *CampaignRepo) missingOrConflict(ctx context.Context, id string) error {
	var doc struct {
		Status string `bson:"status"`
	}
	opts := options.FindOne().SetProjection(bson.M{"status": 1})
	err := r.collection.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, id, doc.Status)
}

func flooredAdd(field string, delta int) bson.M {
	return bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{field, delta}}}}
}
