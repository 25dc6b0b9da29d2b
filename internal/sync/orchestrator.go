package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/enrich"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
)

// Component is the sync_state key for orchestrator passes.
const Component = "sync"

// Reasons reported when a pass does not run.
const (
	ReasonOffline    = "offline"
	ReasonInProgress = "sync already in progress"
)

// errFormNotReady marks a Survey skipped because its Form has no canonical id.
var errFormNotReady = errors.New("waiting on form canonical id")

// Step is one entity kind processed by a pass.
type Step struct {
	Kind schema.Kind
}

// DefaultSteps is the dependency order of the synced kinds.
var DefaultSteps = []Step{
	{Kind: schema.KindForm},
	{Kind: schema.KindSurvey},
}

// Config configures an Orchestrator.
type Config struct {
	Store  *store.DB
	Remote remote.Store
	Signal connectivity.Signal

	// Enrich is kicked after every pass that ran. Optional.
	Enrich enrich.Trigger

	// DeviceID is written into every pushed record
	DeviceID string

	// CallTimeout bounds each remote call (default 30s)
	CallTimeout time.Duration

	// EnrichTimeout bounds the enrichment kick (default 10s)
	EnrichTimeout time.Duration

	// Steps overrides DefaultSteps
	Steps []Step

	// Logger (default: stderr with [sync] prefix)
	Logger *log.Logger

	// Now overrides the clock
	Now func() time.Time
}

// Result is the outcome of SyncOnce.
type Result struct {
	Success bool
	Reason  string
	Report  *Report
}

// StepReport counts what happened to the records of one kind.
type StepReport struct {
	Kind     schema.Kind
	Inserted int
	Updated  int
	Deleted  int
	Skipped  int
	Failed   int
	// Stale counts records edited while their remote write was in flight
	Stale int
	// Purged counts tombstones dropped locally because they never reached
	// the remote store
	Purged int
}

// OK returns the number of records written remotely.
func (r StepReport) OK() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Report summarizes a pass.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepReport
	Errors     *multierror.Error
}

// OK returns the number of records written remotely across all steps.
func (r *Report) OK() int {
	n := 0
	for _, s := range r.Steps {
		n += s.OK()
	}
	return n
}

// Failed returns the number of records that failed or were skipped.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Failed + s.Skipped
	}
	return n
}

// Err returns the aggregated per-record errors, or nil.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

// Duration returns how long the pass took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Orchestrator runs sync passes.
type Orchestrator struct {
	db       *store.DB
	remote   remote.Store
	signal   connectivity.Signal
	trigger  enrich.Trigger
	deviceID string
	steps    []Step
	timeout  time.Duration
	enrichTO time.Duration
	logger   *log.Logger
	now      func() time.Time

	running atomic.Bool
	wg      stdsync.WaitGroup
}

// New creates an Orchestrator.
func New(config Config) *Orchestrator {
	o := &Orchestrator{
		db:       config.Store,
		remote:   config.Remote,
		signal:   config.Signal,
		trigger:  config.Enrich,
		deviceID: config.DeviceID,
		steps:    config.Steps,
		timeout:  config.CallTimeout,
		enrichTO: config.EnrichTimeout,
		logger:   config.Logger,
		now:      config.Now,
	}
	if o.steps == nil {
		o.steps = DefaultSteps
	}
	if o.timeout == 0 {
		o.timeout = 30 * time.Second
	}
	if o.enrichTO == 0 {
		o.enrichTO = 10 * time.Second
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Running reports whether a pass is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// SyncOnce runs one pass. It returns immediately when offline or when another
// pass is running. Per-record failures are recorded on the records and in the
// Report; they do not turn Success false.
func (o *Orchestrator) SyncOnce(ctx context.Context) Result {
	if o.signal != nil && !o.signal.IsOnline() {
		return Result{Reason: ReasonOffline}
	}
	if !o.running.CompareAndSwap(false, true) {
		return Result{Reason: ReasonInProgress}
	}
	defer o.running.Store(false)

	report := &Report{StartedAt: o.now()}
	if err := o.db.RecordPassStart(ctx, Component, report.StartedAt); err != nil {
		o.logger.Printf("WARNING: %v", err)
	}

	for _, step := range o.steps {
		sr := StepReport{Kind: step.Kind}
		switch step.Kind {
		case schema.KindForm:
			o.syncForms(ctx, &sr, report)
		case schema.KindSurvey:
			o.syncSurveys(ctx, &sr, report)
		default:
			o.logger.Printf("WARNING: no sync step for kind %s", step.Kind)
		}
		report.Steps = append(report.Steps, sr)
	}
	report.FinishedAt = o.now()

	o.logger.Printf("Sync pass complete: ok=%d failed=%d (%s)",
		report.OK(), report.Failed(), report.Duration().Round(time.Millisecond))

	if err := o.db.RecordPassEnd(ctx, store.SyncState{
		Component:      Component,
		LastStartedAt:  &report.StartedAt,
		LastFinishedAt: &report.FinishedAt,
		LastSuccess:    true,
		LastReason:     reasonFor(report),
		RecordsOK:      report.OK(),
		RecordsFailed:  report.Failed(),
	}); err != nil {
		o.logger.Printf("WARNING: %v", err)
	}

	o.kickEnrichment(ctx)
	return Result{Success: true, Report: report}
}

func reasonFor(r *Report) string {
	if err := r.Err(); err != nil {
		return fmt.Sprintf("%d record(s) failed", r.Failed())
	}
	return ""
}

// Wait blocks until background enrichment kicks have returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) kickEnrichment(ctx context.Context) {
	if o.trigger == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.enrichTO)
		defer cancel()
		if err := o.trigger.ProcessPending(kctx); err != nil {
			o.logger.Printf("WARNING: enrichment trigger failed: %v", err)
		}
	}()
}

func (o *Orchestrator) syncForms(ctx context.Context, sr *StepReport, report *Report) {
	forms, err := o.db.PendingForms(ctx)
	if err != nil {
		o.logger.Printf("WARNING: %v", err)
		report.Errors = multierror.Append(report.Errors, err)
		return
	}

	for _, f := range forms {
		fields := f.RemoteFields(o.deviceID)
		if err := o.push(ctx, schema.KindForm, f.LocalID, f.CanonicalID, f.Version, fields, sr); err != nil {
			o.fail(ctx, schema.KindForm, f.LocalID, err, sr, report)
		}
	}
}

func (o *Orchestrator) syncSurveys(ctx context.Context, sr *StepReport, report *Report) {
	purged, err := o.db.PurgeLocalTombstones(ctx)
	if err != nil {
		o.logger.Printf("WARNING: %v", err)
		report.Errors = multierror.Append(report.Errors, err)
	}
	sr.Purged = purged

	surveys, err := o.db.PendingSurveys(ctx)
	if err != nil {
		o.logger.Printf("WARNING: %v", err)
		report.Errors = multierror.Append(report.Errors, err)
		return
	}

	for _, s := range surveys {
		if s.Deleted {
			if err := o.deleteSurvey(ctx, s, sr); err != nil {
				o.fail(ctx, schema.KindSurvey, s.LocalID, err, sr, report)
			}
			continue
		}

		formID, err := o.formReference(ctx, s)
		if errors.Is(err, errFormNotReady) {
			o.skip(ctx, s.LocalID, err, sr, report)
			continue
		}
		if err != nil {
			o.fail(ctx, schema.KindSurvey, s.LocalID, err, sr, report)
			continue
		}

		fields := s.RemoteFields(formID, o.deviceID)
		if err := o.push(ctx, schema.KindSurvey, s.LocalID, s.CanonicalID, s.Version, fields, sr); err != nil {
			o.fail(ctx, schema.KindSurvey, s.LocalID, err, sr, report)
		}
	}
}

// formReference resolves the canonical id of the Survey's Form, copying it
// onto the Survey the first time it is known.
func (o *Orchestrator) formReference(ctx context.Context, s *schema.Survey) (string, error) {
	if s.FormCanonicalID != "" {
		return s.FormCanonicalID, nil
	}
	form, err := o.db.GetForm(ctx, s.FormLocalID)
	if err != nil {
		return "", fmt.Errorf("failed to load form %d: %w", s.FormLocalID, err)
	}
	if form.CanonicalID == "" {
		return "", errFormNotReady
	}
	if err := o.db.SetSurveyFormReference(ctx, s.LocalID, form.CanonicalID); err != nil {
		return "", err
	}
	return form.CanonicalID, nil
}

// push inserts or updates one record remotely and flags it synchronized.
func (o *Orchestrator) push(ctx context.Context, kind schema.Kind, localID int64, canonicalID string, version int64, fields map[string]any, sr *StepReport) error {
	assigned := ""
	err := o.call(ctx, func(ctx context.Context) error {
		if canonicalID != "" {
			return o.remote.Update(ctx, kind, canonicalID, fields)
		}
		id, err := o.remote.Insert(ctx, kind, fields)
		assigned = id
		return err
	})
	if err != nil {
		return err
	}

	marked, err := o.db.MarkSynced(ctx, kind, localID, version, assigned)
	if err != nil {
		return err
	}
	if canonicalID == "" {
		sr.Inserted++
	} else {
		sr.Updated++
	}
	if !marked {
		sr.Stale++
		o.logger.Printf("%s %d changed during push, will retry next pass", kind, localID)
	}
	return nil
}

func (o *Orchestrator) deleteSurvey(ctx context.Context, s *schema.Survey, sr *StepReport) error {
	err := o.call(ctx, func(ctx context.Context) error {
		return o.remote.Delete(ctx, schema.KindSurvey, s.CanonicalID)
	})
	if err != nil && !remote.IsNotFound(err) {
		return err
	}
	if err := o.db.DeleteSurvey(ctx, s.LocalID); err != nil {
		return err
	}
	sr.Deleted++
	return nil
}

// call runs fn under the per-call timeout. A deadline hit is reported as
// remote.ErrTimeout.
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, remote.ErrTimeout) {
		return fmt.Errorf("%w: %w", remote.ErrTimeout, err)
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, kind schema.Kind, localID int64, err error, sr *StepReport, report *Report) {
	sr.Failed++
	o.record(ctx, kind, localID, err, report)
	o.logger.Printf("WARNING: Failed to sync %s %d: %v", kind, localID, err)
}

func (o *Orchestrator) skip(ctx context.Context, localID int64, err error, sr *StepReport, report *Report) {
	sr.Skipped++
	o.record(ctx, schema.KindSurvey, localID, err, report)
	o.logger.Printf("Skipping survey %d: %v", localID, err)
}

func (o *Orchestrator) record(ctx context.Context, kind schema.Kind, localID int64, err error, report *Report) {
	report.Errors = multierror.Append(report.Errors, fmt.Errorf("%s %d: %w", kind, localID, err))
	if rerr := o.db.RecordSyncFailure(ctx, kind, localID, err.Error()); rerr != nil {
		o.logger.Printf("WARNING: %v", rerr)
	}
}
