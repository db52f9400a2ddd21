package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"chatrelay/internal/sweeper"
	"chatrelay/pkg/config"
	"chatrelay/pkg/delivery"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/models"
	"chatrelay/pkg/msglog"
	"chatrelay/pkg/state"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	st    *store.Store
	dir   *directory.Directory
	msgs  *msglog.Log
	coord *delivery.Coordinator

	stopSweeper context.CancelFunc

	srv *http.Server
}

// New initializes resources that do not require a running context (DB,
// directory, message log, coordinator, validation, runtime keys). It
// does not start the sweeper or the HTTP server; call Run to start
// those and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime keys
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	// validation rules
	initValidation(eff)

	// state dirs before the store so telemetry and uploads have a home
	if err := state.EnsureStateDirs(eff.DBPath, eff.Config.Server.UploadsDir); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}

	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	dir := directory.New(st)
	msgs := msglog.New(st, dir)
	coord := delivery.NewCoordinator(msgs, dir)

	// directory changes fan out to live sessions after the durable append
	dir.SetChangeListener(func(ch models.DirectoryChange) {
		telemetry.DirectoryChanges.Inc()
		coord.PublishDirectory(ch)
	})

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		st:        st,
		dir:       dir,
		msgs:      msgs,
		coord:     coord,
	}
	return a, nil
}

// Run starts the sweeper (if enabled) and the HTTP server, and blocks
// until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stop, err := sweeper.Start(ctx, a.eff, a.dir)
	if err != nil {
		return err
	}
	a.stopSweeper = stop

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

// shutdown stops background work and closes the store. Safe to call
// once; Run owns it.
func (a *App) shutdown() {
	if a.stopSweeper != nil {
		a.stopSweeper()
	}
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = a.srv.Shutdown(sctx)
	}
	if a.st != nil {
		_ = a.st.Close()
	}
}

// initValidation builds validation rules from config and sets them globally.
func initValidation(eff config.EffectiveConfigResult) {
	vr := validation.Rules{Types: map[string]string{}, MaxLen: map[string]int{}, Enums: map[string][]string{}}
	vr.Required = append(vr.Required, eff.Config.Validation.Required...)
	for _, t := range eff.Config.Validation.Types {
		vr.Types[t.Path] = t.Type
	}
	for _, ml := range eff.Config.Validation.MaxLen {
		vr.MaxLen[ml.Path] = ml.Max
	}
	for _, e := range eff.Config.Validation.Enums {
		vr.Enums[e.Path] = append([]string{}, e.Values...)
	}
	for _, wt := range eff.Config.Validation.WhenThen {
		vr.WhenThen = append(vr.WhenThen, validation.WhenThenRule{WhenPath: wt.When.Path, Equals: wt.When.Equals, ThenReq: append([]string{}, wt.Then.Required...)})
	}
	validation.SetRules(vr)
}
