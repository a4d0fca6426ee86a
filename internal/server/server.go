package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/bootparams"
	"github.com/devghori1264/aerophoenix/cnapi/internal/cache"
	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/devghori1264/aerophoenix/cnapi/internal/storage"
	"github.com/devghori1264/aerophoenix/cnapi/internal/ur"
	"github.com/devghori1264/aerophoenix/cnapi/internal/workflow"
	"github.com/moby/locker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrAlreadySetup = errors.New("server is already set up")
	// ErrInvalidRequest wraps problems with caller-supplied input.
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoJobRunner    = errors.New("no job runner configured")
)

// JobRunner starts workflow jobs.
type JobRunner interface {
	Create(ctx context.Context, name string, params map[string]string) (*models.Job, error)
}

// Publisher announces server lifecycle events on the message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Options carry the deployment facts the service stamps onto records and
// jobs.
type Options struct {
	Datacenter string
	CNAPIURL   string
	AssetsURL  string
	BootExtras bootparams.Extras
}

// Server owns the server records: admin reads and writes, boot parameters,
// job creation, and the event-driven reconciliation in reconcile.go.
type Server struct {
	store  storage.Store
	ur     ur.Client
	jobs   JobRunner
	events Publisher
	opts   Options
	log    *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	// last-known records; the store stays authoritative.
	cache *cache.ServerCache
	// serializes every read-decide-write sequence per server uuid
	locks *locker.Locker
}

// New creates a server service. Jobs and event publishing are wired in
// afterwards with SetJobRunner and SetPublisher.
func New(store storage.Store, client ur.Client, log *zap.Logger, opts Options) *Server {
	return &Server{
		store:  store,
		ur:     client,
		opts:   opts,
		log:    log.Named("server"),
		tracer: otel.Tracer("github.com/devghori1264/aerophoenix/cnapi/internal/server"),
		now:    time.Now,
		cache:  cache.New(),
		locks:  locker.New(),
	}
}

func (s *Server) SetJobRunner(r JobRunner) { s.jobs = r }

func (s *Server) SetPublisher(p Publisher) { s.events = p }

// Get returns the stored record for id.
func (s *Server) Get(ctx context.Context, id string) (*models.Server, error) {
	return s.store.GetServer(ctx, id)
}

// List returns the servers matching f.
func (s *Server) List(ctx context.Context, f storage.ServerFilter) ([]*models.Server, error) {
	s.log.Debug("listing servers", zap.Stringer("filter", f))
	servers, err := s.store.FindServers(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("find servers %s: %w", f, err)
	}
	return servers, nil
}

// ModifyServer applies changes to the stored record. A non-empty etag
// must match the stored revision; otherwise the write is still guarded by
// the revision just read.
func (s *Server) ModifyServer(ctx context.Context, id string, changes models.Changes, etag string) (*models.Server, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if etag != "" && etag != cur.Etag {
		return nil, fmt.Errorf("modify %s: %w", id, storage.ErrConflict)
	}

	next := cur.Clone()
	if err := changes.Apply(next); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := s.store.PutServer(ctx, next, storage.PutOptions{Etag: cur.Etag}); err != nil {
		return nil, fmt.Errorf("modify %s: %w", id, err)
	}
	s.cache.Store(id, next)

	s.log.Info("server modified", zap.String("server_uuid", id), zap.Strings("fields", changes.Keys()))
	return next, nil
}

// DeleteServer removes the record. A node that is still alive will be
// recreated by its next startup or heartbeat.
func (s *Server) DeleteServer(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if err := s.store.DeleteServer(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(id)
	s.log.Info("server deleted", zap.String("server_uuid", id))
	return nil
}

// GetBootParams returns what the booter should use for id. Derived keys are
// added here and never stored.
func (s *Server) GetBootParams(ctx context.Context, id string) (models.BootParams, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return models.BootParams{}, err
	}
	if id == models.DefaultServerUUID {
		return bootparams.View(srv, nil, s.opts.BootExtras), nil
	}

	defaults, err := s.store.GetServer(ctx, models.DefaultServerUUID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		defaults = nil
	case err != nil:
		return models.BootParams{}, fmt.Errorf("get default boot params: %w", err)
	}
	return bootparams.View(srv, defaults, s.opts.BootExtras), nil
}

// SetBootParams replaces the boot configuration of id.
func (s *Server) SetBootParams(ctx context.Context, id string, u models.BootParamsUpdate) (*models.Server, error) {
	return s.writeBootParams(ctx, id, u, bootparams.Replace)
}

// UpdateBootParams merges u into the boot configuration of id.
func (s *Server) UpdateBootParams(ctx context.Context, id string, u models.BootParamsUpdate) (*models.Server, error) {
	return s.writeBootParams(ctx, id, u, bootparams.Merge)
}

func (s *Server) writeBootParams(ctx context.Context, id string, u models.BootParamsUpdate,
	apply func(*models.Server, models.BootParamsUpdate) *models.Server,
) (*models.Server, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, err := s.store.GetServer(ctx, id)
	opts := storage.PutOptions{}
	switch {
	case err == nil:
		opts.Etag = cur.Etag
	case errors.Is(err, storage.ErrNotFound) && id == models.DefaultServerUUID:
		// the defaults record comes into existence on first write
		cur = &models.Server{UUID: id, Created: s.now().UTC()}
		opts.MustNotExist = true
	default:
		return nil, err
	}

	next := apply(cur, u)
	if err := s.store.PutServer(ctx, next, opts); err != nil {
		return nil, fmt.Errorf("write boot params %s: %w", id, err)
	}
	if id != models.DefaultServerUUID {
		s.cache.Store(id, next)
	}
	s.log.Info("boot params written", zap.String("server_uuid", id), zap.String("platform", next.BootPlatform))
	return next, nil
}

// SetupRequest identifies who asked for a setup.
type SetupRequest struct {
	CreatorUUID string `json:"creator_uuid,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

// Setup creates the setup job for id.
func (s *Server) Setup(ctx context.Context, id string, req SetupRequest) (*models.Job, error) {
	srv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if srv.Setup {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadySetup)
	}
	return s.createJob(ctx, workflow.SetupWorkflowName, map[string]string{
		"cnapi_url":    s.opts.CNAPIURL,
		"assets_url":   s.opts.AssetsURL,
		"server_uuid":  id,
		"target":       id,
		"creator_uuid": req.CreatorUUID,
		"origin":       req.Origin,
	})
}

// RebootRequest identifies who asked for a reboot and whether the node
// should drain first.
type RebootRequest struct {
	CreatorUUID string `json:"creator_uuid,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Drain       bool   `json:"drain,omitempty"`
}

// Reboot creates the reboot job for id.
func (s *Server) Reboot(ctx context.Context, id string, req RebootRequest) (*models.Job, error) {
	if _, err := s.lookupServer(ctx, id); err != nil {
		return nil, err
	}
	return s.createJob(ctx, workflow.RebootWorkflowName, map[string]string{
		"cnapi_url":    s.opts.CNAPIURL,
		"server_uuid":  id,
		"target":       id,
		"creator_uuid": req.CreatorUUID,
		"origin":       req.Origin,
		"drain":        strconv.FormatBool(req.Drain),
	})
}

func (s *Server) createJob(ctx context.Context, name string, params map[string]string) (*models.Job, error) {
	if s.jobs == nil {
		return nil, ErrNoJobRunner
	}
	job, err := s.jobs.Create(ctx, name, params)
	if err != nil {
		return nil, fmt.Errorf("create %s job: %w", name, err)
	}
	s.log.Info("job created",
		zap.String("server_uuid", params["server_uuid"]),
		zap.String("workflow", name),
		zap.String("job_uuid", job.UUID))
	return job, nil
}

// Job returns a stored workflow job.
func (s *Server) Job(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Jobs lists the jobs run against a server, newest first.
func (s *Server) Jobs(ctx context.Context, serverUUID string) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, serverUUID)
}

// Execute runs a script on the node.
func (s *Server) Execute(ctx context.Context, id string, script ur.Script) (*ur.Result, error) {
	if script.Script == "" {
		return nil, fmt.Errorf("%w: script required", ErrInvalidRequest)
	}
	if _, err := s.lookupServer(ctx, id); err != nil {
		return nil, err
	}
	return s.ur.Execute(ctx, id, script)
}

// lookupServer returns a server from the cache, else the store. It never
// fills the cache: only code holding the per-uuid lock may write it.
func (s *Server) lookupServer(ctx context.Context, id string) (*models.Server, error) {
	if srv, ok := s.cache.Lookup(id); ok {
		return srv, nil
	}
	return s.store.GetServer(ctx, id)
}
