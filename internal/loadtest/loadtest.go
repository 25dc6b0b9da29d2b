// Package loadtest measures how fast a device store converges with the remote
// store under injected failures.
//
// CreateTestDatabase fills a store with forms, finalized surveys and recorded
// media. RunPasses then drives sync and media passes against an in-memory
// remote that fails a configurable share of calls, until nothing is pending
// or the pass limit is reached.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/media"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
	fsync "github.com/contavoto/fieldsync/internal/sync"
)

// Options configures a load run.
type Options struct {
	Forms          int
	SurveysPerForm int
	// MediaPct is the share of surveys that carry a recording (0..1)
	MediaPct float64
	// FailureRate is the share of remote calls that fail (0..1)
	FailureRate float64
	// Latency is added to every remote call
	Latency time.Duration
	// MaxPasses bounds RunPasses (default 50)
	MaxPasses int
	// Seed makes the population and failures reproducible
	Seed int64
	// Logger receives component logs (default: discarded)
	Logger *log.Logger
}

// TestDatabase is a populated store paired with the remote it syncs to.
type TestDatabase struct {
	DB        *store.DB
	Remote    *remote.Memory
	FormIDs   []int64
	SurveyIDs []int64
	MediaJobs int

	opts     Options
	rngMu    sync.Mutex
	rng      *rand.Rand
	injected int
	timed    *timedStore
}

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result summarizes RunPasses.
type Result struct {
	Passes           int
	Converged        bool
	RecordsPushed    int
	RecordsFailed    int
	Uploaded         int
	InjectedFailures int
	Remaining        int // records and jobs still pending at the end
	Elapsed          time.Duration
	PassLatency      *LatencyStats
	CallLatency      *LatencyStats
}

// CreateTestDatabase opens a store at dbPath and populates it.
//
// Every form gets SurveysPerForm finalized surveys; MediaPct of them get a
// small recording written next to the store. Nothing is synchronized yet.
func CreateTestDatabase(ctx context.Context, dbPath string, opts Options) (*TestDatabase, error) {
	if opts.Forms <= 0 {
		return nil, fmt.Errorf("forms must be positive (got %d)", opts.Forms)
	}
	if opts.FailureRate < 0 || opts.FailureRate >= 1 {
		return nil, fmt.Errorf("failure rate must be in [0, 1) (got %v)", opts.FailureRate)
	}
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 50
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	database, err := store.OpenContext(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	td := &TestDatabase{
		DB:   database,
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
	td.Remote = remote.NewMemory(remote.MemoryConfig{Latency: opts.Latency, Fail: td.inject})
	td.timed = &timedStore{next: td.Remote}

	if err := td.populate(ctx, filepath.Join(filepath.Dir(dbPath), "media")); err != nil {
		_ = database.Close()
		return nil, err
	}
	return td, nil
}

func (td *TestDatabase) populate(ctx context.Context, mediaDir string) error {
	if td.opts.MediaPct > 0 {
		if err := os.MkdirAll(mediaDir, 0755); err != nil {
			return fmt.Errorf("failed to create media directory: %w", err)
		}
	}

	for i := 0; i < td.opts.Forms; i++ {
		form := &schema.Form{
			Title: fmt.Sprintf("Load form %d", i),
			Fields: []schema.Field{
				{ID: "name", Type: schema.FieldText, Label: "Name", Required: true},
				{ID: "rooms", Type: schema.FieldNumber, Label: "Rooms"},
				{ID: "water", Type: schema.FieldSingleChoice, Label: "Water", Options: []string{"piped", "well", "none"}},
			},
		}
		formID, err := td.DB.CreateForm(ctx, form)
		if err != nil {
			return fmt.Errorf("failed to insert form %d: %w", i, err)
		}
		td.FormIDs = append(td.FormIDs, formID)

		for j := 0; j < td.opts.SurveysPerForm; j++ {
			surveyID, err := td.createSurvey(ctx, formID, i, j)
			if err != nil {
				return err
			}
			td.SurveyIDs = append(td.SurveyIDs, surveyID)

			if td.chance(td.opts.MediaPct) {
				path := filepath.Join(mediaDir, fmt.Sprintf("survey-%d.m4a", surveyID))
				if err := os.WriteFile(path, []byte(fmt.Sprintf("audio %d", surveyID)), 0644); err != nil {
					return fmt.Errorf("failed to write media payload: %w", err)
				}
				if _, err := td.DB.AttachMedia(ctx, surveyID, store.MediaInput{Path: path, ContentType: "audio/mp4"}); err != nil {
					return fmt.Errorf("failed to attach media to survey %d: %w", surveyID, err)
				}
				td.MediaJobs++
			}
		}
	}
	return nil
}

func (td *TestDatabase) createSurvey(ctx context.Context, formID int64, i, j int) (int64, error) {
	water := []string{"piped", "well", "none"}
	s := &schema.Survey{
		FormLocalID: formID,
		Location: schema.Location{
			Address:      fmt.Sprintf("Rua %d", j),
			Neighborhood: fmt.Sprintf("Bairro %d", i%7),
			City:         "Olinda",
		},
	}
	id, err := td.DB.CreateSurvey(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("failed to insert survey %d/%d: %w", i, j, err)
	}

	answers := map[string]schema.Answer{
		"name":  schema.TextAnswer(fmt.Sprintf("Respondent %d-%d", i, j)),
		"rooms": schema.NumberAnswer(float64(1 + j%6)),
		"water": schema.TextAnswer(water[j%len(water)]),
	}
	respondent := schema.Respondent{Name: fmt.Sprintf("Respondent %d-%d", i, j), Phone: "+55 81 0000-0000"}
	if _, err := td.DB.FinalizeSurvey(ctx, id, respondent, answers); err != nil {
		return 0, fmt.Errorf("failed to finalize survey %d: %w", id, err)
	}
	return id, nil
}

// chance draws from the seeded source.
func (td *TestDatabase) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	td.rngMu.Lock()
	defer td.rngMu.Unlock()
	return td.rng.Float64() < p
}

func (td *TestDatabase) inject(op remote.Op, kind schema.Kind, id string, _ map[string]any) error {
	if !td.chance(td.opts.FailureRate) {
		return nil
	}
	td.rngMu.Lock()
	td.injected++
	td.rngMu.Unlock()
	return fmt.Errorf("injected %s %s %s: %w", op, kind, id, remote.ErrTransient)
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// RunPasses alternates sync and media passes until the store has nothing
// pending or MaxPasses is reached.
func (td *TestDatabase) RunPasses(ctx context.Context) (*Result, error) {
	signal := connectivity.NewManual(true)
	orch := fsync.New(fsync.Config{
		Store:    td.DB,
		Remote:   td.timed,
		Signal:   signal,
		DeviceID: "loadtest",
		Logger:   td.opts.Logger,
	})
	queue := media.New(media.Config{
		Store:   td.DB,
		Remote:  td.timed,
		Signal:  signal,
		Backoff: media.ZeroBackoff,
		Logger:  td.opts.Logger,
	})

	result := &Result{}
	var passDurations []time.Duration
	start := time.Now()

	for result.Passes < td.opts.MaxPasses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Passes++

		passStart := time.Now()
		syncRes := orch.SyncOnce(ctx)
		mediaRes := queue.ProcessQueueOnce(ctx)
		passDurations = append(passDurations, time.Since(passStart))

		if r := syncRes.Report; r != nil {
			result.RecordsPushed += r.OK()
			result.RecordsFailed += r.Failed()
		}
		if r := mediaRes.Report; r != nil {
			result.Uploaded += r.Uploaded
		}

		remaining, err := td.pending(ctx)
		if err != nil {
			return nil, err
		}
		result.Remaining = remaining
		if remaining == 0 {
			result.Converged = true
			break
		}
	}

	result.Elapsed = time.Since(start)
	result.PassLatency = computeLatencyStats(passDurations)
	result.CallLatency = computeLatencyStats(td.timed.durations())
	td.rngMu.Lock()
	result.InjectedFailures = td.injected
	td.rngMu.Unlock()
	return result, nil
}

func (td *TestDatabase) pending(ctx context.Context) (int, error) {
	st, err := td.DB.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load stats: %w", err)
	}
	return st.FormsPending + st.SurveysPending +
		st.Jobs[schema.JobPending] + st.Jobs[schema.JobUploading] + st.Jobs[schema.JobError], nil
}

// timedStore records the latency of every remote call.
type timedStore struct {
	next remote.Store

	mu    sync.Mutex
	calls []time.Duration
}

func (s *timedStore) observe(start time.Time) {
	s.mu.Lock()
	s.calls = append(s.calls, time.Since(start))
	s.mu.Unlock()
}

func (s *timedStore) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *timedStore) Insert(ctx context.Context, kind schema.Kind, fields map[string]any) (string, error) {
	defer s.observe(time.Now())
	return s.next.Insert(ctx, kind, fields)
}

func (s *timedStore) Update(ctx context.Context, kind schema.Kind, id string, fields map[string]any) error {
	defer s.observe(time.Now())
	return s.next.Update(ctx, kind, id, fields)
}

func (s *timedStore) Delete(ctx context.Context, kind schema.Kind, id string) error {
	defer s.observe(time.Now())
	return s.next.Delete(ctx, kind, id)
}

func (s *timedStore) UploadBlob(ctx context.Context, bucket, name string, payload []byte, contentType string) (string, error) {
	defer s.observe(time.Now())
	return s.next.UploadBlob(ctx, bucket, name, payload, contentType)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes the run summary to w.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Passes:            %d (converged: %v)\n", r.Passes, r.Converged)
	fmt.Fprintf(w, "Records pushed:    %d (failed attempts: %d)\n", r.RecordsPushed, r.RecordsFailed)
	fmt.Fprintf(w, "Media uploaded:    %d\n", r.Uploaded)
	fmt.Fprintf(w, "Injected failures: %d\n", r.InjectedFailures)
	fmt.Fprintf(w, "Still pending:     %d\n", r.Remaining)
	fmt.Fprintf(w, "Elapsed:           %v\n", r.Elapsed)
	r.PassLatency.print(w, "Pass latency")
	r.CallLatency.print(w, "Remote call latency")
}

func (s *LatencyStats) print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s (%d samples):\n", title, s.Count)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
