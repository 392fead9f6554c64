package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tokenpoints/internal/application"
	"tokenpoints/internal/domain"

	"github.com/gorilla/mux"
)

type LedgerService interface {
	HasChain(chain string) bool
	GetBalance(ctx context.Context, chain, address string) (domain.BalanceRecord, error)
	History(ctx context.Context, chain, address string, pageSize int, before *domain.HistoryCursor) iter.Seq2[domain.BalanceHistoryEntry, error]
}

type PointsService interface {
	GetPoints(ctx context.Context, chain, address string) (domain.PointsSummary, error)
}

type JobService interface {
	Submit(ctx context.Context, chain string, start, end time.Time) (domain.RecalculationJob, error)
	Get(ctx context.Context, id string) (domain.RecalculationJob, error)
	Cancel(ctx context.Context, id string) (domain.RecalculationJob, error)
	List(ctx context.Context, chain string, limit int) ([]domain.RecalculationJob, error)
}

type BackupService interface {
	CreateBackup(ctx context.Context, chain string) (domain.Backup, error)
	ListBackups(ctx context.Context) ([]domain.Backup, error)
	RestoreBackup(ctx context.Context, id string) (domain.Backup, error)
}

type QueryService interface {
	Stats(ctx context.Context) (domain.Stats, error)
	PointsHistory(ctx context.Context, days int) (application.PointsSeries, error)
	RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Deps struct {
	Ledger  LedgerService
	Points  PointsService
	Jobs    JobService
	Backups BackupService
	Query   QueryService
	Store   Pinger
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Server struct {
	deps      Deps
	metrics   *Metrics
	buildInfo BuildInfo
}

func NewServer(deps Deps, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if deps.Ledger == nil || deps.Points == nil || deps.Jobs == nil || deps.Backups == nil || deps.Query == nil || deps.Store == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{deps: deps, metrics: metrics, buildInfo: buildInfo}, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/recalculate", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/recalculate", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/recalculate/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/recalculate/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)

	r.HandleFunc("/backup", s.handleCreateBackup).Methods(http.MethodPost)
	r.HandleFunc("/backups", s.handleListBackups).Methods(http.MethodGet)
	r.HandleFunc("/backup/restore", s.handleRestoreBackup).Methods(http.MethodPost)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/points/history", s.handlePointsHistory).Methods(http.MethodGet)
	r.HandleFunc("/points/{chain}/{address}", s.handlePoints).Methods(http.MethodGet)
	r.HandleFunc("/balance/{chain}/{address}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/history/{chain}/{address}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/transactions/recent", s.handleRecentTransactions).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

type submitJobRequest struct {
	Chain     string       `json:"chain"`
	StartTime flexibleTime `json:"startTime"`
	EndTime   flexibleTime `json:"endTime"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Chain == "" || req.StartTime.IsZero() || req.EndTime.IsZero() {
		respondError(w, http.StatusBadRequest, "chain, startTime and endTime are required")
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), req.Chain, req.StartTime.Time, req.EndTime.Time)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), r.URL.Query().Get("chain"), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chain string `json:"chain"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Chain == "" {
		respondError(w, http.StatusBadRequest, "chain is required")
		return
	}
	backup, err := s.deps.Backups.CreateBackup(r.Context(), req.Chain)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toBackupResponse(backup))
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.deps.Backups.ListBackups(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	out := make([]backupResponse, 0, len(backups))
	for _, backup := range backups {
		out = append(out, toBackupResponse(backup))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupID string `json:"backupId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BackupID == "" {
		respondError(w, http.StatusBadRequest, "backupId is required")
		return
	}
	backup, err := s.deps.Backups.RestoreBackup(r.Context(), req.BackupID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "restored",
		"backupId": backup.ID,
		"chain":    backup.Chain,
		"cursor":   backup.Cursor,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Query.Stats(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	out := map[string]any{
		"totalUsers":        stats.TotalUsers,
		"totalPoints":       json.Number(stats.TotalPoints.String()),
		"totalTransactions": stats.TotalTransactions,
	}
	for chain, block := range stats.LatestBlocks {
		out[chain+"Block"] = block
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePointsHistory(w http.ResponseWriter, r *http.Request) {
	days, err := parseIntQuery(r, "days")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	series, err := s.deps.Query.PointsHistory(r.Context(), days)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	values := make([]json.Number, 0, len(series.Values))
	for _, v := range series.Values {
		values = append(values, json.Number(v.String()))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"labels": series.Labels,
		"values": values,
	})
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	summary, err := s.deps.Points.GetPoints(r.Context(), vars["chain"], vars["address"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"totalPoints":      json.Number(summary.TotalPoints.String()),
		"lastCalculatedAt": optionalTime(summary.LastCalculatedAt),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	record, err := s.deps.Ledger.GetBalance(r.Context(), vars["chain"], vars["address"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chain":     record.Chain,
		"address":   record.Address,
		"balance":   intString(record.Balance),
		"updatedAt": optionalTime(record.UpdatedAt),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	var before *domain.HistoryCursor
	if raw := r.URL.Query().Get("before"); raw != "" {
		cursor, err := decodeCursor(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &cursor
	}

	// One extra entry tells whether another page exists.
	entries := make([]domain.BalanceHistoryEntry, 0, limit+1)
	for entry, err := range s.deps.Ledger.History(r.Context(), vars["chain"], vars["address"], limit+1, before) {
		if err != nil {
			respondDomainError(w, err)
			return
		}
		entries = append(entries, entry)
		if len(entries) > limit {
			break
		}
	}
	if len(entries) > limit {
		entries = entries[:limit]
		w.Header().Set("X-Next-Cursor", encodeCursor(entries[limit-1].Cursor()))
	}

	out := make([]historyResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toHistoryResponse(entry))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	txs, err := s.deps.Query.RecentTransactions(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	respondJSON(w, http.StatusOK, out)
}

// parseIntQuery returns 0 when key is absent.
func parseIntQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		var timeErr *timeFormatError
		if errors.As(err, &timeErr) {
			return timeErr
		}
		return errors.New("invalid request body")
	}
	return nil
}

func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		respondError(w, status, "internal error")
		return
	}
	var classified *domain.Error
	code := ""
	if errors.As(err, &classified) {
		code = classified.Code
	}
	respondJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
