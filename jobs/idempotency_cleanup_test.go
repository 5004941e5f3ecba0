package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeKeyCleaner struct {
	olderThan time.Duration
	err       error
}

func (f *fakeKeyCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	f.olderThan = olderThan
	return f.err
}

func TestIdempotencyCleanupUsesDefaultRetention(t *testing.T) {
	cleaner := &fakeKeyCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, discardLogger(), 0)

	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 30*24*time.Hour, cleaner.olderThan)
}

func TestIdempotencyCleanupPropagatesFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewIdempotencyCleanupJob(&fakeKeyCleaner{err: boom}, discardLogger(), time.Hour)
	require.ErrorIs(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()), boom)
}
