package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ repository.RecipientRepository = (*RecipientRepo)(nil)

type RecipientRepo struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewRecipientRepo(db *mongo.Database) *RecipientRepo {
	return &RecipientRepo{
		collection: db.Collection(recipientsCollection),
		now:        time.Now,
	}
}

func (r *RecipientRepo) CreateBatch(ctx context.Context, recipients []*domain.Recipient) error {
	now := r.now().UTC()
	docs := make([]any, 0, len(recipients))
	for _, rec := range recipients {
		if rec == nil {
			continue
		}
		if rec.Status == "" {
			rec.Status = domain.RecipientStatusPending
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		docs = append(docs, recipientDocumentFromDomain(rec))
	}

	if len(docs) == 0 {
		return nil
	}

	_, err := r.collection.InsertMany(ctx, docs)
	return err
}

func (r *RecipientRepo) ListPendingByCampaign(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	filter := bson.M{"campaign_id": campaignID, "status": domain.RecipientStatusPending.String()}

	return r.find(ctx, filter, opts)
}

func (r *RecipientRepo) ListByIDs(ctx context.Context, campaignID string, ids []string) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return []domain.Recipient{}, nil
	}

	found, err := r.find(ctx, bson.M{"campaign_id": campaignID, "_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}

	return orderByIDs(found, ids), nil
}

func (r *RecipientRepo) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	total, err := r.collection.CountDocuments(ctx, bson.M{"campaign_id": campaignID})
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func (r *RecipientRepo) CountByStatus(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"campaign_id": campaignID}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := map[domain.RecipientStatus]int{
		domain.RecipientStatusPending: 0,
		domain.RecipientStatusSent:    0,
		domain.RecipientStatusFailed:  0,
	}
	for _, row := range rows {
		status, err := domain.ParseRecipientStatusFromString(row.Status)
		if err != nil {
			return nil, err
		}
		counts[status] += row.Count
	}
	return counts, nil
}

func (r *RecipientRepo) MarkSent(ctx context.Context, id string, messageID string, sentAt time.Time) error {
	return r.update(ctx, id, bson.M{
		"$set": bson.M{
			"status":        domain.RecipientStatusSent.String(),
			"message_id":    messageID,
			"sent_at":       sentAt,
			"error_message": nil,
			"updated_at":    r.now().UTC(),
		},
	})
}

func (r *RecipientRepo) MarkFailed(ctx context.Context, id string, errorMessage string, failedAt time.Time) error {
	return r.update(ctx, id, bson.M{
		"$set": bson.M{
			"status":        domain.RecipientStatusFailed.String(),
			"error_message": errorMessage,
			"failed_at":     failedAt,
			"updated_at":    r.now().UTC(),
		},
		"$inc": bson.M{"retry_count": 1},
	})
}

func (r *RecipientRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "campaign_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "phone_number", Value: 1}}},
	})
	return err
}

func (r *RecipientRepo) update(ctx context.Context, id string, update bson.M) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("recipient %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RecipientRepo) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]domain.Recipient, error) {
	cursor, err := r.collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []recipientDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	recipients := make([]domain.Recipient, 0, len(docs))
	for i := range docs {
		rec, err := recipientDocumentToDomain(&docs[i])
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, nil
}

// orderByIDs arranges found in the order of ids, dropping duplicates.
func orderByIDs(found []domain.Recipient, ids []string) []domain.Recipient {
	byID := make(map[string]domain.Recipient, len(found))
	for _, rec := range found {
		byID[rec.ID] = rec
	}

	ordered := make([]domain.Recipient, 0, len(found))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		ordered = append(ordered, rec)
		delete(byID, id)
	}
	return ordered
}
