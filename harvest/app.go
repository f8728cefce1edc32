package harvest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-git/go-billy/v6/osfs"
	"github.com/rs/zerolog/log"

	"github.com/lewtec/harvestmark/internal/assign"
	"github.com/lewtec/harvestmark/internal/domain"
	"github.com/lewtec/harvestmark/internal/index"
	"github.com/lewtec/harvestmark/internal/render"
	"github.com/lewtec/harvestmark/internal/repository"
	"github.com/lewtec/harvestmark/internal/thumbcache"
	"github.com/lewtec/harvestmark/internal/tracker"
)

// App wires the farm index, batch claim manager, session engine and
// thumbnail cache behind the HTTP/JSON interface.
type App struct {
	Config   *Config
	Index    *index.Index
	Cache    *thumbcache.Cache
	Manager  *assign.Manager
	Engine   *tracker.Engine
	Sessions domain.SessionRepository

	db          *sql.DB
	placeholder []byte
}

// NewApp builds the application: loads (or builds and saves) the farm
// index, opens and migrates the state store, partitions batches, and opens
// the thumbnail cache.
func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	if err := absolutizePaths(cfg); err != nil {
		return nil, err
	}
	fsys := osfs.New("/")

	ix, err := index.Load(fsys, cfg.IndexPath)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info().Str("root", cfg.DatasetRoot).Msg("app: index artifact absent, scanning dataset")
		ix, err = index.Build(fsys, cfg.DatasetRoot)
		if err != nil {
			return nil, err
		}
		if err := ix.Save(fsys, cfg.IndexPath); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	db, err := repository.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	batches := repository.NewBatchRepository(db)
	sessions := repository.NewSessionRepository(db)

	if err := batches.Seed(ctx, ix.FarmIDs(), cfg.BatchSize); err != nil {
		db.Close()
		return nil, fmt.Errorf("while partitioning batches: %w", err)
	}

	manager := assign.NewManager(batches)
	sink := NewCSVStore(cfg.CSVPath, cfg.BackupDir)
	engine := tracker.NewEngine(sessions, manager, ix, sink, cfg.RequeueSkipped)

	timeout, err := cfg.RenderTimeout()
	if err != nil {
		db.Close()
		return nil, err
	}
	cache, err := thumbcache.New(fsys,
		thumbcache.Options{
			Dir:           cfg.Cache.Dir,
			Capacity:      cfg.Cache.CapacityBytes,
			RenderTimeout: timeout,
		},
		func(farmID, filename string) (string, error) {
			farm, err := ix.Farm(farmID)
			if err != nil {
				return "", err
			}
			img, ok := farm.ImageByFilename(filename)
			if !ok {
				return "", fmt.Errorf("%w: image %s in farm %s", domain.ErrNotFound, filename, farmID)
			}
			return img.Path, nil
		},
		func(ctx context.Context, path string, width, height int) ([]byte, error) {
			return render.Thumbnail(ctx, fsys, path, width, height)
		})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &App{
		Config:      cfg,
		Index:       ix,
		Cache:       cache,
		Manager:     manager,
		Engine:      engine,
		Sessions:    sessions,
		db:          db,
		placeholder: brokenImagePNG(120),
	}, nil
}

// Close releases the state store.
func (a *App) Close() error {
	return a.db.Close()
}

// Handler returns the HTTP handler for the whole service.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/farm/{farmID}", a.handleFarm)
	mux.HandleFunc("GET /api/thumbnail", a.handleThumbnail)
	mux.HandleFunc("POST /api/login", a.handleLogin)
	mux.HandleFunc("POST /api/navigate", a.handleNavigate)
	mux.HandleFunc("POST /api/save_annotation", a.handleSave)
	mux.HandleFunc("POST /api/skip_farm", a.handleSkip)
	mux.HandleFunc("POST /api/claim_batch", a.handleClaim)
	mux.HandleFunc("POST /api/release_batch", a.handleRelease)
	mux.HandleFunc("GET /api/admin/tasks", a.handleAdminTasks)
	mux.HandleFunc("GET /admin", a.handleAdminPage)

	return HTTPLogger(mux)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if !a.Config.AllowsAnnotator(body.Name) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "annotator not allowed"})
		return
	}
	if err := a.Engine.Login(r.Context(), body.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "annotator": body.Name})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	annotator := r.URL.Query().Get("annotator")
	if annotator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "annotator required"})
		return
	}
	st, err := a.Engine.Status(r.Context(), annotator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON(st))
}

func (a *App) handleFarm(w http.ResponseWriter, r *http.Request) {
	farmID := r.PathValue("farmID")
	farm, err := a.Index.Farm(farmID)
	if err != nil {
		writeError(w, err)
		return
	}

	thumbnails := make([]map[string]any, len(farm.Images))
	for i, img := range farm.Images {
		thumbnails[i] = map[string]any{
			"index":         i,
			"filename":      img.Filename,
			"date_display":  img.Label,
			"original_path": img.Path,
		}
	}

	resp := map[string]any{
		"farm_id":     farm.ID,
		"image_count": len(farm.Images),
		"thumbnails":  thumbnails,
	}

	// Resume aid: surface the annotator's previous selection for this farm.
	if annotator := r.URL.Query().Get("annotator"); annotator != "" {
		out, err := a.Sessions.Outcome(r.Context(), annotator, farmID)
		if err != nil {
			writeError(w, err)
			return
		}
		if out != nil && out.Outcome == domain.OutcomeSelected {
			for i, img := range farm.Images {
				if img.Filename == out.SelectedImage {
					resp["selected_index"] = i
					break
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	farmID := q.Get("farm_id")
	filename := q.Get("filename")
	if farmID == "" || filename == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "farm_id and filename required"})
		return
	}
	width := intParam(q.Get("w"), 300)
	height := intParam(q.Get("h"), 300)

	data, err := a.Cache.Get(r.Context(), farmID, filename, width, height)
	if errors.Is(err, domain.ErrRenderFailure) {
		// Recovered locally: the annotator sees a broken-image tile.
		log.Error().Err(err).Str("farm", farmID).Str("image", filename).Msg("app: thumbnail render failed")
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Render-Failed", "1")
		w.WriteHeader(http.StatusOK)
		w.Write(a.placeholder)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=2592000")
	w.Write(data)
}

func (a *App) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Annotator string `json:"annotator"`
		Direction string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	st, err := a.Engine.Navigate(r.Context(), body.Annotator, body.Direction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON(st))
}

func (a *App) handleSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Annotator     string `json:"annotator"`
		FarmID        string `json:"farm_id"`
		SelectedImage string `json:"selected_image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	st, err := a.Engine.Save(r.Context(), body.Annotator, body.FarmID, body.SelectedImage)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusJSON(st)
	resp["success"] = true
	resp["message"] = fmt.Sprintf("Saved selection for farm %s: %s", body.FarmID, body.SelectedImage)
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSkip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Annotator string `json:"annotator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	st, err := a.Engine.Skip(r.Context(), body.Annotator)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusJSON(st)
	resp["success"] = true
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Annotator string `json:"annotator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	st, err := a.Engine.Claim(r.Context(), body.Annotator)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusJSON(st)
	resp["success"] = true
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Annotator string `json:"annotator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := a.Manager.Release(r.Context(), body.Annotator); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleAdminTasks(w http.ResponseWriter, r *http.Request) {
	batches, err := a.Manager.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := a.Sessions.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	batchList := make([]map[string]any, len(batches))
	for i, b := range batches {
		entry := map[string]any{
			"id":         b.ID,
			"status":     string(b.Status),
			"farm_count": len(b.FarmIDs),
			"farm_ids":   b.FarmIDs,
		}
		if b.Claimant != "" {
			entry["claimant"] = b.Claimant
		}
		if b.ClaimedAt != nil {
			entry["claimed_at"] = b.ClaimedAt.UTC().Format(time.RFC3339)
		}
		batchList[i] = entry
	}
	sessionList := make([]map[string]any, len(sessions))
	for i, s := range sessions {
		sessionList[i] = map[string]any{
			"annotator": s.Annotator,
			"batch_id":  s.BatchID,
			"cursor":    s.Cursor,
			"visited":   s.Visited,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_farms": a.Index.Len(),
		"batches":     batchList,
		"sessions":    sessionList,
	})
}

func (a *App) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	batches, err := a.Manager.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := a.Sessions.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type batchRow struct {
		ID        int64
		Status    string
		Claimant  string
		ClaimedAt string
		FarmCount int
	}
	rows := make([]batchRow, len(batches))
	for i, b := range batches {
		row := batchRow{ID: b.ID, Status: string(b.Status), Claimant: b.Claimant, FarmCount: len(b.FarmIDs)}
		if b.ClaimedAt != nil {
			row.ClaimedAt = b.ClaimedAt.UTC().Format(time.RFC3339)
		}
		rows[i] = row
	}

	title := a.Config.Meta.Title
	if title == "" {
		title = "harvestmark diagnostics"
	}
	err = RenderPage(w, "admin.html", map[string]any{
		"Title":       title,
		"Description": a.Config.Meta.Description,
		"TotalFarms":  a.Index.Len(),
		"Batches":     rows,
		"Sessions":    sessions,
	})
	if err != nil {
		log.Error().Err(err).Msg("app: while rendering admin page")
	}
}

func statusJSON(st *tracker.Status) map[string]any {
	return map[string]any{
		"state":           string(st.State),
		"annotator":       st.Annotator,
		"batch_id":        st.BatchID,
		"current_farm_id": st.FarmID,
		"cursor":          st.Cursor,
		"batch_size":      st.BatchSize,
		"completed":       st.Completed,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("app: while encoding response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrNoBatchesAvailable):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "retryable": true})
	case errors.Is(err, domain.ErrNotClaimant),
		errors.Is(err, domain.ErrNoSelection),
		errors.Is(err, domain.ErrNoActiveBatch):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrDatasetUnavailable):
		log.Error().Err(err).Msg("app: dataset unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("app: internal error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func absolutizePaths(cfg *Config) error {
	for _, p := range []*string{
		&cfg.DatasetRoot, &cfg.IndexPath, &cfg.DatabasePath,
		&cfg.CSVPath, &cfg.BackupDir, &cfg.Cache.Dir,
	} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("while resolving path %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}
