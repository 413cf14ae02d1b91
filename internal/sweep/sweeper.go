package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresuchdata/spoolrelay/internal/repository"
	"github.com/andresuchdata/spoolrelay/internal/spool"
	"github.com/andresuchdata/spoolrelay/pkg/logger"
)

// Report summarizes one sweep.
type Report struct {
	Leaked  int
	Orphans int
	Removed int
	Failed  int
	Bytes   int64
}

type job struct {
	path       string
	transferID string
	size       int64
}

// Sweeper removes spool artifacts that relays left behind: the ones the
// ledger recorded as kept and any file older than a cutoff.
type Sweeper struct {
	spool       *spool.Spool
	ledger      repository.TransferRepository
	workerCount int
	now         func() time.Time
}

func NewSweeper(sp *spool.Spool, ledger repository.TransferRepository, workerCount int) *Sweeper {
	if ledger == nil {
		ledger = repository.NewNoopTransferRepository()
	}
	if workerCount < 1 {
		workerCount = 1
	}
	return &Sweeper{spool: sp, ledger: ledger, workerCount: workerCount, now: time.Now}
}

// Run sweeps leaked artifacts and files last modified more than olderThan
// ago. A zero olderThan skips the orphan scan.
func (s *Sweeper) Run(ctx context.Context, olderThan time.Duration) (*Report, error) {
	report := &Report{}

	leaked, err := s.ledger.ListLeaked(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaked transfers: %w", err)
	}

	seen := make(map[string]bool, len(leaked))
	jobs := make([]job, 0, len(leaked))
	for _, rec := range leaked {
		seen[rec.SpoolPath] = true
		jobs = append(jobs, job{path: rec.SpoolPath, transferID: rec.TransferID, size: rec.Bytes})
	}
	report.Leaked = len(jobs)

	if olderThan > 0 {
		orphans, err := s.spool.Scan(s.now().Add(-olderThan))
		if err != nil {
			return nil, err
		}
		for _, o := range orphans {
			if seen[o.Path] {
				continue
			}
			jobs = append(jobs, job{path: o.Path, size: o.Size})
			report.Orphans++
		}
	}

	return report, s.process(ctx, jobs, report)
}

func (s *Sweeper) process(ctx context.Context, jobs []job, report *Report) error {
	log := logger.Ctx(ctx)
	jobChan := make(chan job, len(jobs))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobChan {
				err := s.remove(ctx, j)
				mu.Lock()
				if err != nil {
					report.Failed++
				} else {
					report.Removed++
					report.Bytes += j.size
				}
				mu.Unlock()
				if err != nil {
					log.Warn().Err(err).Str("path", j.path).Str("transfer_id", j.transferID).Msg("sweep failed")
				}
			}
		}()
	}

	var err error
enqueue:
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break enqueue
		case jobChan <- j:
		}
	}
	close(jobChan)
	wg.Wait()
	return err
}

func (s *Sweeper) remove(ctx context.Context, j job) error {
	if err := s.spool.RemovePath(j.path); err != nil {
		return err
	}
	if j.transferID == "" {
		return nil
	}
	return s.ledger.MarkSwept(ctx, j.transferID)
}
