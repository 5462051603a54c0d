// Package archive exports terminal tasks to object storage once their
// retention window passes. Rows are stamped archived_at but never deleted;
// the export is a cold copy, not a move.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/observability"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/internal/state"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	After     time.Duration
	BatchSize int
}

type Archiver struct {
	store  state.Store
	client *minio.Client
	bucket string
	after  time.Duration
	batch  int
	log    zerolog.Logger
}

func New(store state.Store, opts Options, log zerolog.Logger) (*Archiver, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when archiving is enabled")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Archiver{
		store:  store,
		client: client,
		bucket: opts.Bucket,
		after:  opts.After,
		batch:  opts.BatchSize,
		log:    log.With().Str("component", "archive").Logger(),
	}, nil
}

// taskExport is the archived object shape; identifiers and outcome only, no
// credential material ever lands here.
type taskExport struct {
	ID                    string    `json:"id"`
	OrgID                 string    `json:"org_id"`
	WABAID                string    `json:"waba_id,omitempty"`
	ResolvedWABAID        string    `json:"resolved_waba_id,omitempty"`
	ResolvedBusinessID    string    `json:"resolved_business_id,omitempty"`
	ResolvedPhoneNumberID string    `json:"resolved_phone_number_id,omitempty"`
	Status                string    `json:"status"`
	CompletedSteps        []string  `json:"completed_steps"`
	Attempts              int       `json:"attempts"`
	RetryCount            int       `json:"retry_count"`
	LastError             string    `json:"last_error,omitempty"`
	ResultAccount         string    `json:"result_account_id,omitempty"`
	Summary               string    `json:"summary,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	CompletedAt           time.Time `json:"completed_at"`
}

// Run exports one batch and returns how many tasks were archived.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-a.after)
	tasks, err := a.store.ListArchivable(ctx, cutoff, a.batch)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, task := range tasks {
		if err := a.export(ctx, task); err != nil {
			a.log.Warn().Str("task_id", task.ID).Err(err).Msg("archive export failed")
			continue
		}
		if err := a.store.MarkArchived(ctx, task.ID, time.Now().UTC()); err != nil {
			a.log.Warn().Str("task_id", task.ID).Err(err).Msg("archive stamp failed")
			continue
		}
		archived++
	}
	if archived > 0 {
		observability.Default.IncCounter("tasks_archived_total", nil, float64(archived))
	}
	return archived, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) export(ctx context.Context, task state.TaskRecord) error {
	payload, err := json.Marshal(taskExport{
		ID:                    task.ID,
		OrgID:                 task.OrgID,
		WABAID:                task.WABAID,
		ResolvedWABAID:        task.ResolvedWABAID,
		ResolvedBusinessID:    task.ResolvedBusinessID,
		ResolvedPhoneNumberID: task.ResolvedPhoneNumberID,
		Status:                string(task.Status),
		CompletedSteps:        task.CompletedSteps.Names(),
		Attempts:              task.Attempts,
		RetryCount:            task.RetryCount,
		LastError:             task.LastError,
		ResultAccount:         task.ResultAccount,
		Summary:               task.Summary,
		CreatedAt:             task.CreatedAt,
		CompletedAt:           task.CompletedAt,
	})
	if err != nil {
		return err
	}
	objectName := fmt.Sprintf("%s/%s/%s.json", task.CompletedAt.UTC().Format("2006/01"), task.OrgID, task.ID)
	_, err = a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
