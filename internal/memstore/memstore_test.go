package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/pushchan"
	"github.com/roach88/atelier/internal/status"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(definition.MustDefault(), opts...)
}

func TestStore_CreateAndFetch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, job.WorkOrder{ID: "job-1", CreatedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, status.Key("en_cours"), created.Status)
	assert.Equal(t, now, created.CreatedAt)

	labelled, err := s.CreateJob(ctx, job.WorkOrder{ID: "job-2", Status: "Prêt impression"})
	require.NoError(t, err)
	assert.Equal(t, status.Key("pret_impression"), labelled.Status)

	_, err = s.CreateJob(ctx, job.WorkOrder{ID: "job-1"})
	assert.Equal(t, errclass.KindRemoteRejection, errclass.KindOf(err))

	_, err = s.CreateJob(ctx, job.WorkOrder{ID: "job-3", Status: "archive"})
	assert.Equal(t, errclass.KindRemoteRejection, errclass.KindOf(err))

	_, err = s.CreateJob(ctx, job.WorkOrder{})
	assert.Equal(t, errclass.KindInvalidIdentifier, errclass.KindOf(err))

	got, err := s.FetchEntity(ctx, "job-1")
	require.NoError(t, err)
	got.Status = "termine"
	again, _ := s.FetchEntity(ctx, "job-1")
	assert.Equal(t, status.Key("en_cours"), again.Status, "fetch returns copies")

	_, err = s.FetchEntity(ctx, "ghost")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	list, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "job-1", list[0].ID)
}

func TestStore_MutateStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, job.WorkOrder{ID: "job-1"})
	require.NoError(t, err)

	wo, err := s.MutateStatus(ctx, "job-1", "Prêt impression", "")
	require.NoError(t, err)
	assert.Equal(t, status.Key("pret_impression"), wo.Status)

	_, err = s.MutateStatus(ctx, "job-1", "Terminé", "")
	var rej *errclass.RemoteRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, errclass.CodeIllegalTransition, rej.Code)

	_, err = s.MutateStatus(ctx, "job-1", "Archivé", "")
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, errclass.CodeUnknownStatus, rej.Code)

	_, err = s.MutateStatus(ctx, "ghost", "En cours", "")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	_, _, mutations := s.Counters()
	assert.EqualValues(t, 4, mutations)
}

func TestStore_InjectedFailures(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, job.WorkOrder{ID: "job-1"})
	require.NoError(t, err)

	boom := errors.New("boom")
	s.FailNext(OpFetch, boom)
	_, err = s.FetchEntity(ctx, "job-1")
	assert.ErrorIs(t, err, boom)
	_, err = s.FetchEntity(ctx, "job-1")
	assert.NoError(t, err, "failure is consumed")

	s.FailNext(OpList, boom)
	_, err = s.ListAttachments(ctx, "job-1")
	assert.ErrorIs(t, err, boom)

	s.RejectNext("a_revoir", "not this one")
	s.RejectNext("pret_impression", "locked")
	_, err = s.MutateStatus(ctx, "job-1", "pret_impression", "")
	var rej *errclass.RemoteRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "locked", rej.Message)

	wo, err := s.MutateStatus(ctx, "job-1", "pret_impression", "")
	require.NoError(t, err)
	assert.Equal(t, status.Key("pret_impression"), wo.Status)

	_, err = s.MutateStatus(ctx, "job-1", "a_revoir", "")
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "not this one", rej.Message)
}

func TestStore_AttachmentsAndJournal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, job.WorkOrder{ID: "job-1"})
	require.NoError(t, err)

	require.NoError(t, s.AddAttachment(ctx, job.Attachment{ID: "f1", JobID: "job-1", Name: "bat.pdf"}))
	assert.ErrorIs(t, s.AddAttachment(ctx, job.Attachment{ID: "f2", JobID: "ghost"}), errclass.ErrNotFound)

	files, err := s.ListAttachments(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, now, files[0].UploadedAt)

	require.NoError(t, s.Record(ctx, job.JournalEntry{ID: "j1", JobID: "job-1", From: "en_cours", To: "pret_impression"}))
	require.NoError(t, s.Record(ctx, job.JournalEntry{ID: "j2", JobID: "job-9"}))
	history, err := s.History(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "j1", history[0].ID)
}

func TestStore_PublishesChanges(t *testing.T) {
	ch := pushchan.NewLocal()
	s := newStore(t, WithPushChannel(ch))
	ctx := context.Background()

	var mu sync.Mutex
	var got []events.Change
	unsubscribe, err := ch.Subscribe(ctx, func(payload []byte) {
		c, err := events.Normalize(payload)
		require.NoError(t, err)
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = s.CreateJob(ctx, job.WorkOrder{ID: "job-1"})
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, job.WorkOrder{ID: "job-2"})
	require.NoError(t, err)
	_, err = s.MutateStatus(ctx, "job-1", "pret_impression", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(ctx, "job-1"))
	n, err := s.DeleteJobs(ctx, []string{"job-2", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, s.DeleteJob(ctx, "job-1"), errclass.ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	assert.Equal(t, events.ChangeEntity, got[2].Kind)
	assert.Equal(t, "job-1", got[2].EntityID)
	assert.Equal(t, events.ChangeDeleted, got[3].Kind)
	assert.Equal(t, events.ChangeBulkDeleted, got[4].Kind)
	assert.Equal(t, []string{"job-2"}, got[4].IDs())
}
