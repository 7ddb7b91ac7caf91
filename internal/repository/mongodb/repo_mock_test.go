package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const mockCampaignID = "8b0f7a64-1c54-4c55-9d59-0d7d0a0e6c11"

var mockNow = time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)

func newMock(t *testing.T) *mtest.T {
	t.Helper()
	return mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
}

func mockCampaignRepo(mt *mtest.T) *CampaignRepo {
	repo := NewCampaignRepo(mt.DB)
	repo.now = func() time.Time { return mockNow }
	return repo
}

func mockRecipientRepo(mt *mtest.T) *RecipientRepo {
	repo := NewRecipientRepo(mt.DB)
	repo.now = func() time.Time { return mockNow }
	return repo
}

func ns(mt *mtest.T, collection string) string {
	return mt.DB.Name() + "." + collection
}

// matched is the server reply to an update that matched n documents.
func matched(n int) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: n}, bson.E{Key: "nModified", Value: n})
}

func campaignCursor(mt *mtest.T, docs ...bson.D) bson.D {
	return mtest.CreateCursorResponse(0, ns(mt, campaignsCollection), mtest.FirstBatch, docs...)
}

func recipientCursor(mt *mtest.T, docs ...bson.D) bson.D {
	return mtest.CreateCursorResponse(0, ns(mt, recipientsCollection), mtest.FirstBatch, docs...)
}

func recipientDoc(id, status string, created time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "campaign_id", Value: mockCampaignID},
		{Key: "phone_number", Value: "6281234567890"},
		{Key: "status", Value: status},
		{Key: "retry_count", Value: 0},
		{Key: "created_at", Value: created},
	}
}

func startedCommand(mt *mtest.T, name string) bson.Raw {
	mt.Helper()

	evt := mt.GetStartedEvent()
	if evt == nil {
		mt.Fatalf("no %s command was sent", name)
	}
	if evt.CommandName != name {
		mt.Fatalf("command = %s, want %s", evt.CommandName, name)
	}
	return evt.Command
}

func inStatuses(mt *mtest.T, update bson.Raw) []string {
	mt.Helper()

	arr, ok := update.Lookup("updates", "0", "q", "status", "$in").ArrayOK()
	if !ok {
		mt.Fatalf("update filter has no status guard: %s", update)
	}
	values, err := arr.Values()
	if err != nil {
		mt.Fatalf("status guard values: %v", err)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.StringValue())
	}
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCampaignRepoGuardedUpdates(t *testing.T) {
	mt := newMock(t)

	startable := []string{"draft", "pending"}
	sending := []string{"sending"}
	open := []string{"draft", "pending", "sending"}

	tests := []struct {
		name    string
		call    func(ctx context.Context, repo *CampaignRepo) error
		allowed []string
		field   string
	}{
		{
			name: "mark sending",
			call: func(ctx context.Context, repo *CampaignRepo) error {
				return repo.MarkSending(ctx, mockCampaignID, mockNow)
			},
			allowed: startable,
			field:   "started_at",
		},
		{
			name: "update progress",
			call: func(ctx context.Context, repo *CampaignRepo) error {
				return repo.UpdateProgress(ctx, mockCampaignID, repository.CampaignProgress{SentCount: 3, ProgressPercentage: 60})
			},
			allowed: sending,
			field:   "progress_percentage",
		},
		{
			name: "mark completed",
			call: func(ctx context.Context, repo *CampaignRepo) error {
				return repo.MarkCompleted(ctx, mockCampaignID, repository.CampaignCompletion{SentCount: 5, CompletedAt: mockNow})
			},
			allowed: sending,
			field:   "completed_at",
		},
		{
			name: "mark failed",
			call: func(ctx context.Context, repo *CampaignRepo) error {
				return repo.MarkFailed(ctx, mockCampaignID, repository.CampaignFailure{ErrorMessage: "campaign canceled", CompletedAt: mockNow})
			},
			allowed: open,
			field:   "error_message",
		},
		{
			name: "request cancel",
			call: func(ctx context.Context, repo *CampaignRepo) error {
				return repo.RequestCancel(ctx, mockCampaignID)
			},
			allowed: open,
			field:   "cancel_requested",
		},
	}

	for _, tt := range tests {
		tt := tt

		mt.Run(tt.name+" applies", func(mt *mtest.T) {
			mt.AddMockResponses(matched(1))

			if err := tt.call(context.Background(), mockCampaignRepo(mt)); err != nil {
				mt.Fatalf("unexpected error = %v", err)
			}

			cmd := startedCommand(mt, "update")
			if got := inStatuses(mt, cmd); !sameStrings(got, tt.allowed) {
				mt.Fatalf("status guard = %v, want %v", got, tt.allowed)
			}
			if _, err := cmd.LookupErr("updates", "0", "u", "$set", tt.field); err != nil {
				mt.Fatalf("$set lacks %s: %v", tt.field, err)
			}
			if _, err := cmd.LookupErr("updates", "0", "u", "$set", "updated_at"); err != nil {
				mt.Fatalf("$set lacks updated_at: %v", err)
			}
		})

		mt.Run(tt.name+" conflicts on other status", func(mt *mtest.T) {
			mt.AddMockResponses(
				matched(0),
				campaignCursor(mt, bson.D{{Key: "_id", Value: mockCampaignID}, {Key: "status", Value: "completed"}}),
			)

			err := tt.call(context.Background(), mockCampaignRepo(mt))
			if !errors.Is(err, domain.ErrConflict) {
				mt.Fatalf("error = %v, want ErrConflict", err)
			}
		})

		mt.Run(tt.name+" reports missing campaign", func(mt *mtest.T) {
			mt.AddMockResponses(matched(0), campaignCursor(mt))

			err := tt.call(context.Background(), mockCampaignRepo(mt))
			if !errors.Is(err, domain.ErrNotFound) {
				mt.Fatalf("error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCampaignRepoCreate(t *testing.T) {
	mt := newMock(t)

	mt.Run("defaults status and timestamps", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		c := &domain.Campaign{ID: mockCampaignID, Name: "Seminar", TemplateName: "event_invitation"}
		if err := mockCampaignRepo(mt).Create(context.Background(), c); err != nil {
			mt.Fatalf("Create() error = %v", err)
		}
		if c.Status != domain.CampaignStatusDraft || !c.CreatedAt.Equal(mockNow) {
			mt.Fatalf("campaign = %+v, want draft created at mock time", c)
		}

		cmd := startedCommand(mt, "insert")
		if got, _ := cmd.Lookup("documents", "0", "status").StringValueOK(); got != "draft" {
			mt.Fatalf("inserted status = %q, want draft", got)
		}
	})

	mt.Run("duplicate id conflicts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))

		err := mockCampaignRepo(mt).Create(context.Background(), &domain.Campaign{ID: mockCampaignID})
		if !errors.Is(err, domain.ErrConflict) {
			mt.Fatalf("Create() error = %v, want ErrConflict", err)
		}
	})
}

func TestCampaignRepoGetByID(t *testing.T) {
	mt := newMock(t)

	mt.Run("decodes document", func(mt *mtest.T) {
		mt.AddMockResponses(campaignCursor(mt, bson.D{
			{Key: "_id", Value: mockCampaignID},
			{Key: "name", Value: "Seminar"},
			{Key: "template_name", Value: "event_invitation"},
			{Key: "template_params", Value: bson.D{{Key: domain.ParamEventName, Value: "Seminar Nasional"}}},
			{Key: "status", Value: "sending"},
			{Key: "sent_count", Value: 4},
			{Key: "failed_count", Value: 1},
			{Key: "cancel_requested", Value: true},
		}))

		c, err := mockCampaignRepo(mt).GetByID(context.Background(), mockCampaignID)
		if err != nil {
			mt.Fatalf("GetByID() error = %v", err)
		}
		if c.Status != domain.CampaignStatusSending || c.SentCount != 4 || c.FailedCount != 1 || !c.CancelRequested {
			mt.Fatalf("campaign = %+v", c)
		}
		if c.TemplateParams[domain.ParamEventName] != "Seminar Nasional" {
			mt.Fatalf("TemplateParams = %v", c.TemplateParams)
		}
	})

	mt.Run("missing campaign", func(mt *mtest.T) {
		mt.AddMockResponses(campaignCursor(mt))

		if _, err := mockCampaignRepo(mt).GetByID(context.Background(), mockCampaignID); !errors.Is(err, domain.ErrNotFound) {
			mt.Fatalf("GetByID() error = %v, want ErrNotFound", err)
		}
	})

	mt.Run("unknown stored status", func(mt *mtest.T) {
		mt.AddMockResponses(campaignCursor(mt, bson.D{
			{Key: "_id", Value: mockCampaignID},
			{Key: "status", Value: "paused"},
		}))

		if _, err := mockCampaignRepo(mt).GetByID(context.Background(), mockCampaignID); !errors.Is(err, domain.ErrValidation) {
			mt.Fatalf("GetByID() error = %v, want ErrValidation", err)
		}
	})
}

func TestCampaignRepoIncrementCounters(t *testing.T) {
	mt := newMock(t)

	mt.Run("pipeline update", func(mt *mtest.T) {
		mt.AddMockResponses(matched(1))

		if err := mockCampaignRepo(mt).IncrementCounters(context.Background(), mockCampaignID, 1, -1); err != nil {
			mt.Fatalf("IncrementCounters() error = %v", err)
		}

		cmd := startedCommand(mt, "update")
		if cmd.Lookup("updates", "0", "u").Type != bson.TypeArray {
			mt.Fatalf("update = %s, want an aggregation pipeline", cmd)
		}
		if _, err := cmd.LookupErr("updates", "0", "u", "0", "$set", "sent_count", "$max"); err != nil {
			mt.Fatalf("sent_count is not floored: %v", err)
		}
	})

	mt.Run("missing campaign", func(mt *mtest.T) {
		mt.AddMockResponses(matched(0))

		err := mockCampaignRepo(mt).IncrementCounters(context.Background(), mockCampaignID, 1, 0)
		if !errors.Is(err, domain.ErrNotFound) {
			mt.Fatalf("IncrementCounters() error = %v, want ErrNotFound", err)
		}
	})

	mt.Run("zero deltas skip the write", func(mt *mtest.T) {
		if err := mockCampaignRepo(mt).IncrementCounters(context.Background(), mockCampaignID, 0, 0); err != nil {
			mt.Fatalf("IncrementCounters() error = %v", err)
		}
		if evt := mt.GetStartedEvent(); evt != nil {
			mt.Fatalf("unexpected %s command", evt.CommandName)
		}
	})
}

func TestCampaignRepoIsCancelRequested(t *testing.T) {
	mt := newMock(t)

	mt.Run("flag set", func(mt *mtest.T) {
		mt.AddMockResponses(campaignCursor(mt, bson.D{{Key: "_id", Value: mockCampaignID}, {Key: "cancel_requested", Value: true}}))

		got, err := mockCampaignRepo(mt).IsCancelRequested(context.Background(), mockCampaignID)
		if err != nil || !got {
			mt.Fatalf("IsCancelRequested() = %v, %v, want true", got, err)
		}
	})

	mt.Run("missing campaign", func(mt *mtest.T) {
		mt.AddMockResponses(campaignCursor(mt))

		if _, err := mockCampaignRepo(mt).IsCancelRequested(context.Background(), mockCampaignID); !errors.Is(err, domain.ErrNotFound) {
			mt.Fatalf("IsCancelRequested() error = %v, want ErrNotFound", err)
		}
	})
}

func TestCampaignRepoListStaleSending(t *testing.T) {
	mt := newMock(t)

	mt.Run("oldest first with limit", func(mt *mtest.T) {
		mt.AddMockResponses(campaignCursor(mt,
			bson.D{{Key: "_id", Value: "c-old"}, {Key: "status", Value: "sending"}},
			bson.D{{Key: "_id", Value: "c-new"}, {Key: "status", Value: "sending"}},
		))

		got, err := mockCampaignRepo(mt).ListStaleSending(context.Background(), mockNow, 10)
		if err != nil {
			mt.Fatalf("ListStaleSending() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "c-old" || got[1].ID != "c-new" {
			mt.Fatalf("ListStaleSending() = %+v", got)
		}

		cmd := startedCommand(mt, "find")
		if status, _ := cmd.Lookup("filter", "status").StringValueOK(); status != "sending" {
			mt.Fatalf("filter status = %q, want sending", status)
		}
		if dir, _ := cmd.Lookup("sort", "updated_at").AsInt64OK(); dir != 1 {
			mt.Fatalf("sort updated_at = %d, want ascending", dir)
		}
		if limit, _ := cmd.Lookup("limit").AsInt64OK(); limit != 10 {
			mt.Fatalf("limit = %d, want 10", limit)
		}
	})
}

func TestRecipientRepoListPendingByCampaign(t *testing.T) {
	mt := newMock(t)

	mt.Run("sorted by creation then id", func(mt *mtest.T) {
		first := mockNow.Add(-2 * time.Minute)
		second := mockNow.Add(-time.Minute)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(1, ns(mt, recipientsCollection), mtest.FirstBatch, recipientDoc("r-1", "pending", first)),
			mtest.CreateCursorResponse(0, ns(mt, recipientsCollection), mtest.NextBatch, recipientDoc("r-2", "pending", second)),
		)

		got, err := mockRecipientRepo(mt).ListPendingByCampaign(context.Background(), mockCampaignID)
		if err != nil {
			mt.Fatalf("ListPendingByCampaign() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "r-1" || got[1].ID != "r-2" {
			mt.Fatalf("ListPendingByCampaign() = %+v, want [r-1 r-2]", got)
		}
		if got[0].Status != domain.RecipientStatusPending || !got[0].CreatedAt.Equal(first) {
			mt.Fatalf("decoded recipient = %+v", got[0])
		}

		cmd := startedCommand(mt, "find")
		if status, _ := cmd.Lookup("filter", "status").StringValueOK(); status != "pending" {
			mt.Fatalf("filter status = %q, want pending", status)
		}
		sortDoc, ok := cmd.Lookup("sort").DocumentOK()
		if !ok {
			mt.Fatalf("find command has no sort: %s", cmd)
		}
		elems, err := sortDoc.Elements()
		if err != nil {
			mt.Fatalf("sort elements: %v", err)
		}
		if len(elems) != 2 || elems[0].Key() != "created_at" || elems[1].Key() != "_id" {
			mt.Fatalf("sort = %s, want created_at then _id", sortDoc)
		}
	})

	mt.Run("unknown stored status", func(mt *mtest.T) {
		mt.AddMockResponses(recipientCursor(mt, recipientDoc("r-1", "queued", mockNow)))

		if _, err := mockRecipientRepo(mt).ListPendingByCampaign(context.Background(), mockCampaignID); !errors.Is(err, domain.ErrValidation) {
			mt.Fatalf("ListPendingByCampaign() error = %v, want ErrValidation", err)
		}
	})
}

func TestRecipientRepoListByIDs(t *testing.T) {
	mt := newMock(t)

	mt.Run("request order", func(mt *mtest.T) {
		mt.AddMockResponses(recipientCursor(mt,
			recipientDoc("r-1", "failed", mockNow),
			recipientDoc("r-3", "sent", mockNow),
		))

		got, err := mockRecipientRepo(mt).ListByIDs(context.Background(), mockCampaignID, []string{"r-3", "r-2", "r-1"})
		if err != nil {
			mt.Fatalf("ListByIDs() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "r-3" || got[1].ID != "r-1" {
			mt.Fatalf("ListByIDs() = %+v, want [r-3 r-1]", got)
		}
	})

	mt.Run("empty ids skip the query", func(mt *mtest.T) {
		got, err := mockRecipientRepo(mt).ListByIDs(context.Background(), mockCampaignID, nil)
		if err != nil || len(got) != 0 {
			mt.Fatalf("ListByIDs() = %v, %v, want empty", got, err)
		}
		if evt := mt.GetStartedEvent(); evt != nil {
			mt.Fatalf("unexpected %s command", evt.CommandName)
		}
	})
}

func TestRecipientRepoCounts(t *testing.T) {
	mt := newMock(t)

	mt.Run("count by status fills missing statuses", func(mt *mtest.T) {
		mt.AddMockResponses(recipientCursor(mt,
			bson.D{{Key: "_id", Value: "sent"}, {Key: "count", Value: 3}},
			bson.D{{Key: "_id", Value: "failed"}, {Key: "count", Value: 1}},
		))

		got, err := mockRecipientRepo(mt).CountByStatus(context.Background(), mockCampaignID)
		if err != nil {
			mt.Fatalf("CountByStatus() error = %v", err)
		}
		if got[domain.RecipientStatusSent] != 3 || got[domain.RecipientStatusFailed] != 1 || got[domain.RecipientStatusPending] != 0 {
			mt.Fatalf("CountByStatus() = %v", got)
		}
		if _, ok := got[domain.RecipientStatusPending]; !ok {
			mt.Fatal("pending should be reported as zero")
		}

		cmd := startedCommand(mt, "aggregate")
		if campaign, _ := cmd.Lookup("pipeline", "0", "$match", "campaign_id").StringValueOK(); campaign != mockCampaignID {
			mt.Fatalf("$match campaign_id = %q", campaign)
		}
		if group, _ := cmd.Lookup("pipeline", "1", "$group", "_id").StringValueOK(); group != "$status" {
			mt.Fatalf("$group _id = %q, want $status", group)
		}
	})

	mt.Run("count by status rejects unknown status", func(mt *mtest.T) {
		mt.AddMockResponses(recipientCursor(mt, bson.D{{Key: "_id", Value: "bounced"}, {Key: "count", Value: 2}}))

		if _, err := mockRecipientRepo(mt).CountByStatus(context.Background(), mockCampaignID); !errors.Is(err, domain.ErrValidation) {
			mt.Fatalf("CountByStatus() error = %v, want ErrValidation", err)
		}
	})

	mt.Run("count by campaign", func(mt *mtest.T) {
		mt.AddMockResponses(recipientCursor(mt, bson.D{{Key: "_id", Value: 1}, {Key: "n", Value: 4}}))

		got, err := mockRecipientRepo(mt).CountByCampaign(context.Background(), mockCampaignID)
		if err != nil {
			mt.Fatalf("CountByCampaign() error = %v", err)
		}
		if got != 4 {
			mt.Fatalf("CountByCampaign() = %d, want 4", got)
		}
	})
}

func TestRecipientRepoMarkOutcomes(t *testing.T) {
	mt := newMock(t)

	mt.Run("mark failed bumps retry count", func(mt *mtest.T) {
		mt.AddMockResponses(matched(1))

		if err := mockRecipientRepo(mt).MarkFailed(context.Background(), "r-1", "invalid phone number format: 123", mockNow); err != nil {
			mt.Fatalf("MarkFailed() error = %v", err)
		}

		cmd := startedCommand(mt, "update")
		if inc, ok := cmd.Lookup("updates", "0", "u", "$inc", "retry_count").AsInt64OK(); !ok || inc != 1 {
			mt.Fatalf("$inc retry_count = %d, want 1", inc)
		}
		if status, _ := cmd.Lookup("updates", "0", "u", "$set", "status").StringValueOK(); status != "failed" {
			mt.Fatalf("$set status = %q, want failed", status)
		}
	})

	mt.Run("mark sent clears error", func(mt *mtest.T) {
		mt.AddMockResponses(matched(1))

		if err := mockRecipientRepo(mt).MarkSent(context.Background(), "r-1", "wamid.1", mockNow); err != nil {
			mt.Fatalf("MarkSent() error = %v", err)
		}

		cmd := startedCommand(mt, "update")
		if cmd.Lookup("updates", "0", "u", "$set", "error_message").Type != bson.TypeNull {
			mt.Fatalf("error_message should be reset: %s", cmd)
		}
		if _, err := cmd.LookupErr("updates", "0", "u", "$inc"); err == nil {
			mt.Fatal("MarkSent must not touch retry_count")
		}
	})

	mt.Run("missing recipient", func(mt *mtest.T) {
		mt.AddMockResponses(matched(0))

		err := mockRecipientRepo(mt).MarkSent(context.Background(), "r-404", "wamid.1", mockNow)
		if !errors.Is(err, domain.ErrNotFound) {
			mt.Fatalf("MarkSent() error = %v, want ErrNotFound", err)
		}
	})
}
