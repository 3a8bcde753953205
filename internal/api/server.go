package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
	"catalogworker/internal/plugins"
	"catalogworker/internal/scheduler"
	"catalogworker/internal/store"
	"catalogworker/internal/worker"
)

type Resolver interface {
	Resolve(c domain.Catalog) (plugins.Connector, error)
}

type Cipher interface {
	Seal(plain string) (string, error)
	Decipher(sealed map[string]string) (map[string]string, error)
}

type Deps struct {
	Repo    store.Repository
	Plugins Resolver
	Events  eventbus.Bus
	Cipher  Cipher
	// Stats reports the local worker pool; nil when no pool runs here.
	Stats func() worker.Stats
	Debug bool
}

type Server struct {
	r *chi.Mux
	Deps
	now func() time.Time
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/catalogs", s.createCatalog)
		r.Get("/catalogs/{id}", s.getCatalog)
		r.Delete("/catalogs/{id}", s.deleteCatalog)
		r.Get("/catalogs/{id}/resources", s.listResources)

		r.Post("/imports", s.createImport)
		r.Get("/imports/{id}", s.getImport)

		r.Post("/publications", s.createPublication)
		r.Get("/publications/{id}", s.getPublication)
		r.Delete("/publications/{id}", s.deletePublication)

		r.Post("/imports/{id}/_reset", s.resetTask(domain.TaskImport))
		r.Post("/publications/{id}/_reset", s.resetTask(domain.TaskPublication))
		r.Get("/events", s.events)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "catalog_worker_up 1")
	if s.Stats == nil {
		return
	}
	st := s.Stats()
	fmt.Fprintf(w, "catalog_worker_tasks_in_flight %d\n", st.InFlight)
	fmt.Fprintf(w, "catalog_worker_tasks_dispatched_total %d\n", st.Dispatched)
	fmt.Fprintf(w, "catalog_worker_tasks_failed_total %d\n", st.Failed)
	fmt.Fprintf(w, "catalog_worker_tasks_discarded_total %d\n", st.Discarded)
	fmt.Fprintf(w, "catalog_worker_tasks_recovered_total %d\n", st.Recovered)
}

type catalogReq struct {
	Owner         domain.Account    `json:"owner"`
	Title         string            `json:"title"`
	Plugin        string            `json:"plugin"`
	PluginVersion string            `json:"pluginVersion"`
	Config        json.RawMessage   `json:"config"`
	Secrets       map[string]string `json:"secrets"`
}

// createCatalog validates the config with the connector, lets it prepare
// the catalog, then stores the secrets sealed.
func (s *Server) createCatalog(w http.ResponseWriter, r *http.Request) {
	var req catalogReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Plugin == "" {
		http.Error(w, "plugin is required", 400)
		return
	}
	cat := domain.Catalog{
		Owner:         req.Owner,
		Title:         req.Title,
		Plugin:        req.Plugin,
		PluginVersion: req.PluginVersion,
		Config:        req.Config,
	}
	conn, err := s.Plugins.Resolve(cat)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if v, ok := conn.(plugins.ConfigValidator); ok {
		if err := v.AssertConfigValid(r.Context(), req.Config); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	cat.Capabilities = conn.Capabilities()
	plain := req.Secrets
	if p, ok := conn.(plugins.Preparer); ok {
		res, err := p.Prepare(r.Context(), plugins.PrepareRequest{Context: plugins.Context{
			CatalogConfig: req.Config,
			Secrets:       req.Secrets,
		}})
		if err != nil {
			http.Error(w, "prepare catalog: "+err.Error(), 400)
			return
		}
		if len(res.CatalogConfig) > 0 {
			cat.Config = res.CatalogConfig
		}
		if res.Secrets != nil {
			plain = res.Secrets
		}
		if len(res.Capabilities) > 0 {
			cat.Capabilities = res.Capabilities
		}
	}
	if len(plain) > 0 {
		cat.Secrets = make(map[string]string, len(plain))
		for k, v := range plain {
			sealed, err := s.Cipher.Seal(v)
			if err != nil {
				http.Error(w, "seal secrets: "+err.Error(), 500)
				return
			}
			cat.Secrets[k] = sealed
		}
	}
	id, err := s.Repo.PutCatalog(r.Context(), cat)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := s.Repo.GetCatalog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	cat.Secrets = redact(cat.Secrets)
	writeJSON(w, 200, cat)
}

// deleteCatalog deletes right away when nothing references the catalog,
// and otherwise defers until its last publication is removed.
func (s *Server) deleteCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	deleted, err := s.Repo.RequestCatalogDeletion(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	n, err := s.Repo.CountPublications(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"deletionRequested": true, "publications": n})
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cat, err := s.Repo.GetCatalog(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.Plugins.Resolve(cat)
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	lister, ok := plugins.AsLister(conn)
	if !ok {
		http.Error(w, "catalog cannot list resources", 501)
		return
	}
	secrets, err := s.Cipher.Decipher(cat.Secrets)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	res, err := lister.List(ctx, plugins.ListRequest{
		Context:         plugins.Context{CatalogConfig: cat.Config, Secrets: secrets},
		CurrentFolderID: r.URL.Query().Get("currentFolderId"),
		Query:           r.URL.Query().Get("q"),
	})
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	writeJSON(w, 200, res)
}

type importReq struct {
	Owner                domain.Account          `json:"owner"`
	CatalogID            string                  `json:"catalogId"`
	RemoteResourceID     string                  `json:"remoteResourceId"`
	DataFairDatasetID    string                  `json:"dataFairDatasetId"`
	Config               json.RawMessage         `json:"config"`
	ShouldUpdateMetadata bool                    `json:"shouldUpdateMetadata"`
	ShouldUpdateSchema   bool                    `json:"shouldUpdateSchema"`
	SchedulingRules      []domain.SchedulingRule `json:"schedulingRules"`
}

func (s *Server) createImport(w http.ResponseWriter, r *http.Request) {
	var req importReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.CatalogID == "" || req.RemoteResourceID == "" {
		http.Error(w, "catalogId and remoteResourceId are required", 400)
		return
	}
	cat, err := s.Repo.GetCatalog(r.Context(), req.CatalogID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !cat.HasCapability(plugins.CapImport) {
		http.Error(w, "catalog cannot import", 400)
		return
	}
	for _, rule := range req.SchedulingRules {
		if err := scheduler.ValidateRule(rule); err != nil {
			http.Error(w, "invalid scheduling rule: "+err.Error(), 400)
			return
		}
	}
	next, _ := scheduler.NextRun(req.SchedulingRules, s.now())
	id, err := s.Repo.PutImport(r.Context(), domain.Import{
		Owner:                req.Owner,
		CatalogID:            req.CatalogID,
		RemoteResourceID:     req.RemoteResourceID,
		DataFairDatasetID:    req.DataFairDatasetID,
		Config:               req.Config,
		ShouldUpdateMetadata: req.ShouldUpdateMetadata,
		ShouldUpdateSchema:   req.ShouldUpdateSchema,
		SchedulingRules:      req.SchedulingRules,
		NextRunAt:            next,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) getImport(w http.ResponseWriter, r *http.Request) {
	imp, err := s.Repo.GetImport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, imp)
}

type publicationReq struct {
	Owner             domain.Account           `json:"owner"`
	CatalogID         string                   `json:"catalogId"`
	Action            domain.PublicationAction `json:"action"`
	DataFairDatasetID string                   `json:"dataFairDatasetId"`
	RemoteDatasetID   string                   `json:"remoteDatasetId"`
	PublicationSite   domain.PublicationSite   `json:"publicationSite"`
}

func (s *Server) createPublication(w http.ResponseWriter, r *http.Request) {
	var req publicationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	switch req.Action {
	case domain.ActionCreate, domain.ActionAddAsResource, domain.ActionOverwrite:
	case "":
		req.Action = domain.ActionCreate
	default:
		http.Error(w, "invalid action "+strconv.Quote(string(req.Action)), 400)
		return
	}
	if req.CatalogID == "" || req.DataFairDatasetID == "" {
		http.Error(w, "catalogId and dataFairDatasetId are required", 400)
		return
	}
	cat, err := s.Repo.GetCatalog(r.Context(), req.CatalogID)
	if err != nil {
		writeError(w, err)
		return
	}
	if cat.DeletionRequested {
		http.Error(w, "catalog is being deleted", 409)
		return
	}
	id, err := s.Repo.PutPublication(r.Context(), domain.Publication{
		Owner:             req.Owner,
		CatalogID:         req.CatalogID,
		Action:            req.Action,
		DataFairDatasetID: req.DataFairDatasetID,
		RemoteDatasetID:   req.RemoteDatasetID,
		PublicationSite:   req.PublicationSite,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	p, err := s.Repo.GetPublication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, p)
}

// deletePublication queues the removal; the worker deletes the record once
// the remote side was asked to drop it.
func (s *Server) deletePublication(w http.ResponseWriter, r *http.Request) {
	queued, err := s.Repo.QueuePublicationDelete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !queued {
		writeError(w, domain.ErrTaskRunning)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resetTask(t domain.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Repo.Reset(r.Context(), t, id); err != nil {
			writeError(w, err)
			return
		}
		if s.Events != nil {
			s.Events.Publish(eventbus.Event{
				Channel: domain.Channel(t, id),
				Data:    map[string]any{"status": domain.StatusWaiting, "error": nil, "logs": []domain.LogEntry{}},
			})
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// events streams task events as server-sent events. channel filters by
// prefix, e.g. "import/imp_123".
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		http.Error(w, "events are not enabled", 501)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}
	ch, unsub := s.Events.Subscribe(r.URL.Query().Get("channel"), 64)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Warn().Err(err).Str("channel", ev.Channel).Msg("encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Channel, b)
			flusher.Flush()
		}
	}
}

type idResp struct {
	ID string `json:"id"`
}

func redact(secrets map[string]string) map[string]string {
	if len(secrets) == 0 {
		return nil
	}
	out := make(map[string]string, len(secrets))
	for k := range secrets {
		out[k] = "**********"
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrTaskRunning):
		http.Error(w, err.Error(), 409)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
