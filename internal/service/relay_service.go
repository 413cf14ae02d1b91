package service

import (
	"context"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
	"github.com/andresuchdata/spoolrelay/internal/domain"
	"github.com/andresuchdata/spoolrelay/internal/ingest"
	"github.com/andresuchdata/spoolrelay/internal/repository"
	"github.com/andresuchdata/spoolrelay/internal/spool"
	"github.com/andresuchdata/spoolrelay/internal/storage"
	"github.com/andresuchdata/spoolrelay/pkg/logger"
)

type RelayOptions struct {
	// KeyPrefix is prepended to the uploaded filename to form the object key.
	KeyPrefix string
	// KeepOnFailure leaves the spool artifact on disk when a relay fails.
	KeepOnFailure bool
	// MaxConcurrent bounds in-flight relays; 0 means unlimited.
	MaxConcurrent int64
}

// RelayService moves one uploaded file per request from the multipart body
// to the object store through a spool file.
type RelayService struct {
	store  storage.ObjectStorage
	spool  *spool.Spool
	ledger repository.TransferRepository
	opts   RelayOptions
	sem    *semaphore.Weighted
	now    func() time.Time
}

func NewRelayService(store storage.ObjectStorage, sp *spool.Spool, ledger repository.TransferRepository, opts RelayOptions) *RelayService {
	if ledger == nil {
		ledger = repository.NewNoopTransferRepository()
	}
	s := &RelayService{
		store:  store,
		spool:  sp,
		ledger: ledger,
		opts:   opts,
		now:    time.Now,
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return s
}

// RelayRequest relays the first file of r's multipart body.
func (s *RelayService) RelayRequest(ctx context.Context, requestID string, r *http.Request) (*domain.TransferRecord, error) {
	t := s.begin(requestID)
	mr, err := ingest.OpenReader(r)
	if err == nil {
		err = s.run(ctx, t, mr)
	}
	return s.finish(ctx, t, err)
}

// Relay relays the first file found in mr.
func (s *RelayService) Relay(ctx context.Context, requestID string, mr *multipart.Reader) (*domain.TransferRecord, error) {
	t := s.begin(requestID)
	err := s.run(ctx, t, mr)
	return s.finish(ctx, t, err)
}

type transfer struct {
	stage domain.Stage
	rec   *domain.TransferRecord
}

func (t *transfer) advance(stage domain.Stage) {
	t.stage = stage
}

func (s *RelayService) begin(requestID string) *transfer {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	relaysInFlight.Inc()
	return &transfer{
		stage: domain.StageStart,
		rec: &domain.TransferRecord{
			TransferID: uuid.NewString(),
			RequestID:  requestID,
			Bucket:     s.store.Bucket(),
			StartedAt:  s.now(),
		},
	}
}

func (s *RelayService) run(ctx context.Context, t *transfer, mr *multipart.Reader) (err error) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return apperr.New(apperr.KindBusy, "relay.acquire", err)
		}
		defer s.sem.Release(1)
	}

	t.advance(domain.StageReceiving)
	up, err := ingest.NextFile(mr)
	if err != nil {
		return err
	}
	t.rec.Filename = up.Filename
	t.rec.Key = s.objectKey(up.Filename)

	name, err := ingest.SanitizeFilename(up.Filename)
	if err != nil {
		return err
	}

	t.advance(domain.StageSpooling)
	artifact, err := s.spool.Create(t.rec.TransferID, name)
	if err != nil {
		return err
	}
	t.rec.SpoolPath = artifact.Path()
	defer func() {
		t.rec.SpoolKept = artifact.Release(err != nil && s.opts.KeepOnFailure)
	}()

	n, err := artifact.Write(up.Body)
	t.rec.Bytes = n
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindEmptyBody, "relay", apperr.ErrEmptyBody)
	}

	t.advance(domain.StageUploading)
	f, err := artifact.Open()
	if err != nil {
		return err
	}
	res, err := s.store.PutObject(ctx, t.rec.Key, f, n, up.ContentType)
	_ = f.Close()
	if err != nil {
		return err
	}
	t.rec.ETag = res.ETag
	t.rec.VersionID = res.VersionID

	// The object is stored from here on; a failed delete still fails the
	// request and the ledger keeps stage=cleaning to show it.
	t.advance(domain.StageCleaning)
	if err = artifact.Remove(); err != nil {
		return err
	}

	t.advance(domain.StageDone)
	return nil
}

func (s *RelayService) finish(ctx context.Context, t *transfer, err error) (*domain.TransferRecord, error) {
	relaysInFlight.Dec()
	rec := t.rec
	rec.FinishedAt = s.now()
	rec.Stage = t.stage.String()
	if err != nil {
		rec.FailStage = rec.Stage
		rec.Stage = domain.StageFailed.String()
	}

	log := logger.Ctx(ctx)
	if err != nil {
		rec.Outcome = domain.OutcomeFailed
		rec.FailKind = string(apperr.KindOf(err))
		rec.Message = err.Error()
		if rec.SpoolKept {
			spoolLeaked.Inc()
		}
		event := log.Warn()
		if apperr.IsClientError(err) {
			event = log.Info()
		}
		event.
			Err(err).
			Str("filename", rec.Filename).
			Str("transfer_id", rec.TransferID).
			Str("kind", rec.FailKind).
			Str("stage", rec.FailStage).
			Bool("spool_kept", rec.SpoolKept).
			Msg("relay failed")
	} else {
		rec.Outcome = domain.OutcomeSuccess
		bytesRelayed.Add(float64(rec.Bytes))
		log.Info().
			Str("filename", rec.Filename).
			Str("bucket", rec.Bucket).
			Str("key", rec.Key).
			Str("etag", rec.ETag).
			Str("version_id", rec.VersionID).
			Str("transfer_id", rec.TransferID).
			Int64("bytes", rec.Bytes).
			Str("size", humanize.IBytes(uint64(rec.Bytes))).
			Dur("took", rec.Duration()).
			Msg("relay complete")
	}

	relaysTotal.WithLabelValues(string(rec.Outcome), rec.FailKind).Inc()
	relayDuration.WithLabelValues(string(rec.Outcome)).Observe(rec.Duration().Seconds())

	// Ledger errors are logged, never returned.
	if saveErr := s.ledger.SaveTransfer(context.WithoutCancel(ctx), rec); saveErr != nil {
		log.Error().Err(saveErr).Str("transfer_id", rec.TransferID).Msg("failed to record transfer")
	}

	return rec, err
}

func (s *RelayService) objectKey(filename string) string {
	if s.opts.KeyPrefix == "" {
		return filename
	}
	return strings.TrimSuffix(s.opts.KeyPrefix, "/") + "/" + filename
}
