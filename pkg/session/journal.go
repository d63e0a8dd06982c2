package session

import (
	"context"
	"time"

	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const journalSaveTimeout = 5 * time.Second

type journalEntry struct {
	diag       repository.Diagnostics
	transition *repository.Transition
}

// journal writes diagnostics to storage off the state-machine path. Entries
// are dropped, not queued without bound, when storage falls behind.
type journal struct {
	repo  repository.DiagnosticsRepository
	queue chan journalEntry
	done  chan struct{}
}

func newJournal(repo repository.DiagnosticsRepository) *journal {
	j := &journal{
		repo:  repo,
		queue: make(chan journalEntry, 64),
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *journal) record(e journalEntry) {
	select {
	case j.queue <- e:
	default:
		logger.WarnC("session", "Diagnostics journal is behind; dropping entry")
	}
}

func (j *journal) run() {
	defer close(j.done)
	for e := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), journalSaveTimeout)
		if err := j.repo.Save(ctx, e.diag); err != nil {
			logger.WarnCF("session", "Failed to persist diagnostics", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if e.transition != nil {
			if err := j.repo.AppendTransition(ctx, *e.transition); err != nil {
				logger.WarnCF("session", "Failed to journal transition", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		cancel()
	}
}

func (j *journal) close() {
	close(j.queue)
	<-j.done
}
