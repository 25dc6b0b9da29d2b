package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/config"
	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/enrich"
	"github.com/contavoto/fieldsync/internal/lockfile"
	"github.com/contavoto/fieldsync/internal/logging"
	"github.com/contavoto/fieldsync/internal/media"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/store"
	fsync "github.com/contavoto/fieldsync/internal/sync"
)

var (
	configFile string
	jsonOutput bool
	quietLogs  bool

	// app is built by the root PersistentPreRunE and torn down by execute.
	app *App
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first survey capture with background sync",
	Long: `fieldsync records survey interviews on a field device and pushes them to a
central store whenever the device is online.

Forms, surveys and recorded audio are written to a local SQLite store first.
A sync pass pushes every unsynchronized form and survey (forms first, so
surveys can reference their form's canonical id), and the media queue uploads
pending recordings with backoff. Run 'fieldsync daemon' to do both
automatically on connectivity changes, on a timer and after local writes.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupApp,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default: fieldsync.yaml in the data directory)")
	pf.String("store", "", "Local store path")
	pf.String("remote", "", "Remote kind: memory, http or sql")
	pf.String("remote-url", "", "Remote URL (http base URL or SQL DSN)")
	pf.String("device", "", "Device id stamped on pushed records")
	pf.String("log-file", "", "Also write logs to this rotating file")
	pf.BoolVar(&jsonOutput, "json", false, "Output JSON")
	pf.BoolVarP(&quietLogs, "quiet", "q", false, "Suppress component logs on stderr")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"store":      "store.path",
	"remote":     "remote.kind",
	"remote-url": "remote.url",
	"device":     "device.id",
	"log-file":   "log.file",
}

func setupApp(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	v := config.New()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDeviceID(config.DataDir()); err != nil {
		return err
	}

	logs, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quietLogs,
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	app = &App{Config: cfg, Logs: logs}
	return nil
}

// App holds the resources shared by commands. Everything is opened lazily.
type App struct {
	Config *config.Config
	Logs   *logging.Factory

	db      *store.DB
	remote  remote.Store
	closers []io.Closer
	lock    *lockfile.Lock
}

// Store opens the local store.
func (a *App) Store(ctx context.Context) (*store.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := store.OpenContext(ctx, a.Config.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", a.Config.Store.Path, err)
	}
	a.db = db
	return db, nil
}

// Remote connects the configured remote store.
func (a *App) Remote(ctx context.Context) (remote.Store, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	rc := a.Config.Remote

	switch rc.Kind {
	case config.RemoteMemory:
		a.remote = remote.NewMemory(remote.MemoryConfig{PublicURL: rc.PublicURL})
	case config.RemoteHTTP:
		h, err := remote.NewHTTP(remote.HTTPConfig{BaseURL: rc.URL, Token: rc.Token, Timeout: rc.Timeout})
		if err != nil {
			return nil, err
		}
		a.remote = h
	case config.RemoteSQL:
		s, err := remote.OpenSQL(ctx, rc.SQLDriver, sqlDSN(rc), remote.SQLConfig{PublicURL: rc.PublicURL})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		a.remote = s
	default:
		return nil, fmt.Errorf("unknown remote kind %q", rc.Kind)
	}
	return a.remote, nil
}

// sqlDSN adds the auth token to libsql URLs.
func sqlDSN(rc config.RemoteConfig) string {
	if rc.Token == "" || !strings.HasPrefix(rc.URL, "libsql://") {
		return rc.URL
	}
	u, err := url.Parse(rc.URL)
	if err != nil {
		return rc.URL
	}
	q := u.Query()
	if q.Get("authToken") == "" {
		q.Set("authToken", rc.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Signal returns the connectivity signal. Without a probe URL the device is
// assumed online. With one, the first check runs before returning and a
// background probe follows until ctx ends.
func (a *App) Signal(ctx context.Context, background bool) connectivity.Signal {
	cc := a.Config.Connectivity
	if cc.ProbeURL == "" {
		return connectivity.NewManual(true)
	}
	p := connectivity.NewProbe(connectivity.ProbeConfig{
		URL:      cc.ProbeURL,
		Interval: cc.ProbeInterval,
		Logger:   a.Logs.Logger("connectivity"),
	})
	p.Check(ctx)
	if background {
		go p.Run(ctx)
	}
	return p
}

// Enrich returns the enrichment trigger, or nil when none is configured.
// An HTTP remote implies the server's enrichment endpoint.
func (a *App) Enrich() enrich.Trigger {
	target := a.Config.Enrich.URL
	if target == "" && a.Config.Remote.Kind == config.RemoteHTTP {
		target = strings.TrimRight(a.Config.Remote.URL, "/") + "/v1/enrich/pending"
	}
	if target == "" {
		return nil
	}
	return enrich.NewHTTP(enrich.HTTPConfig{
		URL:     target,
		Token:   a.Config.Remote.Token,
		Timeout: a.Config.Enrich.Timeout,
	})
}

// Orchestrator builds the sync orchestrator.
func (a *App) Orchestrator(db *store.DB, rem remote.Store, signal connectivity.Signal) *fsync.Orchestrator {
	return fsync.New(fsync.Config{
		Store:       db,
		Remote:      rem,
		Signal:      signal,
		Enrich:      a.Enrich(),
		DeviceID:    a.Config.Device.ID,
		CallTimeout: a.Config.Sync.CallTimeout,
		Logger:      a.Logs.Logger(fsync.Component),
	})
}

// Queue builds the media upload queue.
func (a *App) Queue(db *store.DB, rem remote.Store, signal connectivity.Signal) (*media.Queue, error) {
	backoff, err := media.ParseBackoff(a.Config.Media.Backoff)
	if err != nil {
		return nil, fmt.Errorf("invalid media.backoff: %w", err)
	}
	return media.New(media.Config{
		Store:       db,
		Remote:      rem,
		Signal:      signal,
		Bucket:      a.Config.Remote.Bucket,
		Backoff:     backoff,
		MaxAttempts: a.Config.Media.MaxAttempts,
		CallTimeout: a.Config.Media.CallTimeout,
		Logger:      a.Logs.Logger(media.Component),
	}), nil
}

// Lock takes the cross-process lock for the store.
func (a *App) Lock() error {
	if a.lock != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.Config.Store.Path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	l, err := lockfile.Acquire(lockfile.PathFor(a.Config.Store.Path))
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return fmt.Errorf("another fieldsync process is syncing this store: %w", err)
		}
		return err
	}
	a.lock = l
	return nil
}

// Close releases everything the commands opened.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.lock.Release()
	_ = a.Logs.Close()
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func execute() error {
	defer func() {
		if app != nil {
			app.Close()
			app = nil
		}
	}()
	return rootCmd.Execute()
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
