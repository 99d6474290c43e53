package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"junoloop/internal/config"
	"junoloop/internal/cycle"
	"junoloop/internal/domain"
	"junoloop/internal/evaluation"
	"junoloop/internal/messaging/inproc"
	"junoloop/internal/remedy"
	sqlitestore "junoloop/internal/store/sqlite"
	"junoloop/internal/team"
	"junoloop/internal/workload"
)

type app struct {
	cfg       config.Config
	ctrl      *cycle.Controller
	store     *sqlitestore.Store
	evaluator *evaluation.Evaluator
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.junoloop/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	seedFlag := flag.Int64("seed", 0, "random seed for reproducible runs (0 = time based)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Supervisor.Addr, ":8092")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Supervisor.DBPath, "data/junoloop.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	seed := *seedFlag
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	bus := inproc.New(256)
	go logEvents(bus.Subscribe("junod-log"))
	defer bus.Unsubscribe("junod-log")
	ctrl := buildController(cfg, store, bus, seed)

	a := &app{
		cfg:       cfg,
		ctrl:      ctrl,
		store:     store,
		evaluator: evaluation.New(cfg.Targets),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/run", a.handleRun)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/state", a.handleState)
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/issues", a.handleIssues)
	mux.HandleFunc("/fixes", a.handleFixes)
	mux.HandleFunc("/decisions", a.handleDecisions)
	mux.HandleFunc("/report", a.handleReport)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"junoloop started addr=%s db=%s seed=%d model=%s provider=%s",
		addr,
		dbPath,
		seed,
		cfg.ModelName,
		cfg.ModelProvider,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func buildController(cfg config.Config, store *sqlitestore.Store, bus *inproc.Bus, seed int64) *cycle.Controller {
	sup := cfg.Supervisor

	wl := workload.New(workload.Config{
		EnableDynamicWorkload:  sup.EnableDynamicWorkload,
		RandomWorkloadIncrease: sup.RandomWorkloadIncrease,
		MaxTaskSizeMultiplier:  sup.MaxTaskSizeMultiplier,
		DefaultDeadlineMinutes: sup.DefaultDeadlineMinutes,
		TaskCategories:         cfg.TaskCategories,
	}, rand.New(rand.NewSource(seed)))

	var ctrl *cycle.Controller
	agents := func(t domain.TeamID) func() int {
		return func() int { return ctrl.AgentCount(t) }
	}

	researcher := &team.ScriptedExecutor{
		Team:       domain.TeamResearch,
		Delay:      400 * time.Millisecond,
		AgentCount: agents(domain.TeamResearch),
	}
	writer := &team.ScriptedExecutor{
		Team:       domain.TeamWriting,
		Delay:      300 * time.Millisecond,
		AgentCount: agents(domain.TeamWriting),
	}

	proposer := &team.JunoProposer{
		Delay:      200 * time.Millisecond,
		AgentCount: agents(domain.TeamJuno),
	}
	remediator := remedy.NewExecutor(remedy.Config{
		Timeout: time.Duration(sup.RemediationTimeoutSec) * time.Second,
	}, proposer, log.Default())

	ctrl = cycle.New(cycle.Config{
		MaxCycles:          sup.MaxCycles,
		QualityThreshold:   sup.QualityThreshold,
		AllowCodeChanges:   sup.AllowCodeChanges,
		ResourceScaling:    sup.ResourceScaling,
		AutoGenerateTasks:  sup.AutoGenerateTasks,
		MinAgentsPerTeam:   sup.MinAgentsPerTeam,
		MaxAgentsPerTeam:   sup.MaxAgentsPerTeam,
		VerificationCycles: sup.VerificationCycles,
	}, cycle.Deps{
		Store:      store,
		Bus:        bus,
		Scorer:     team.NewReviewer(rand.New(rand.NewSource(seed + 1))),
		Workload:   wl,
		Teams:      []team.Executor{researcher, writer},
		Remediator: remediator,
	}, log.Default())
	return ctrl
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req struct {
		Messages []string `json:"messages"`
		Cycles   int      `json:"cycles"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
	}

	var (
		out domain.RunOutput
		err error
	)
	if req.Cycles > 0 {
		out, err = a.ctrl.RunCycles(r.Context(), req.Cycles)
	} else {
		out, err = a.ctrl.Run(r.Context(), req.Messages)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.store.ListCompletedTasks(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
			return
		}
		a.ctrl.SubmitTask(req.Content)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": req.Content})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (a *app) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request) {
	outcomes, err := a.store.ListOutcomes(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (a *app) handleIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := a.store.ListIssues(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (a *app) handleFixes(w http.ResponseWriter, r *http.Request) {
	fixes, err := a.store.ListFixes(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, fixes)
}

func (a *app) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := a.store.ListDecisions(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (a *app) handleReport(w http.ResponseWriter, _ *http.Request) {
	var report evaluation.Report
	a.ctrl.State(func(state *domain.CycleState) {
		report = a.evaluator.Evaluate(state)
	})
	writeJSON(w, http.StatusOK, report)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// logEvents drains the bus subscription so every published event lands in
// the process log. Exits when the bus closes the channel on shutdown.
func logEvents(events <-chan domain.Event) {
	for ev := range events {
		if ev.Team != "" {
			log.Printf("event %s cycle=%d team=%s", ev.Kind, ev.Cycle, ev.Team)
			continue
		}
		log.Printf("event %s cycle=%d", ev.Kind, ev.Cycle)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
