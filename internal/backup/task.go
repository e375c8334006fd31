package backup

import (
	"context"

	"posadmin/backend/internal/domain"
)

// Task is a backup running in its own goroutine.
type Task struct {
	done chan struct{}
	meta domain.BackupMetadata
	err  error
}

// CreateBackupAsync starts CreateBackup in the background. Cancelling ctx
// stops the backup at its next cancellation point; nothing is stored then.
func (e *Engine) CreateBackupAsync(ctx context.Context, typ domain.BackupType) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.meta, t.err = e.CreateBackup(ctx, typ)
	}()
	return t
}

// Done is closed when the backup has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the backup finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (domain.BackupMetadata, error) {
	select {
	case <-t.done:
		return t.meta, t.err
	case <-ctx.Done():
		return domain.BackupMetadata{}, ctx.Err()
	}
}
