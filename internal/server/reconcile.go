package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/devghori1264/aerophoenix/cnapi/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventsSubject carries server lifecycle announcements.
const EventsSubject = "cnapi.events"

// Outcomes of a reconciled event, used as metric labels.
const (
	outcomeCached    = "cached"
	outcomeAdopted   = "adopted"
	outcomeCreated   = "created"
	outcomeUnchanged = "unchanged"
	outcomeUpdated   = "updated"
	outcomeInvalid   = "invalid"
	outcomeConflict  = "conflict"
	outcomeError     = "error"
)

// HandleStartup reconciles a node's startup announcement: the record is
// adopted from the cache or the store, or created from the inventory.
func (s *Server) HandleStartup(ctx context.Context, id string, si models.Sysinfo) error {
	return s.observe(ctx, "startup", id, func(ctx context.Context) (string, error) {
		return s.handleStartup(ctx, id, si)
	})
}

// HandleHeartbeat reconciles a node's periodic report. The store is only
// written when a memory counter changed.
func (s *Server) HandleHeartbeat(ctx context.Context, id string, hb *models.Heartbeat) error {
	return s.observe(ctx, "heartbeat", id, func(ctx context.Context) (string, error) {
		return s.handleHeartbeat(ctx, id, hb)
	})
}

func (s *Server) observe(ctx context.Context, kind, id string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, "reconcile "+kind, trace.WithAttributes(attribute.String("server.uuid", id)))
	defer span.End()

	start := s.now()
	outcome, err := fn(ctx)
	reconcileEvents.WithLabelValues(kind, outcome).Inc()
	reconcileDuration.WithLabelValues(kind).Observe(s.now().Sub(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Server) handleStartup(ctx context.Context, id string, si models.Sysinfo) (string, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if _, ok := s.cache.Lookup(id); ok {
		return outcomeCached, nil
	}

	cur, err := s.store.GetServer(ctx, id)
	switch {
	case err == nil:
		s.cache.Store(id, cur)
		return outcomeAdopted, nil
	case !errors.Is(err, storage.ErrNotFound):
		return outcomeError, fmt.Errorf("get server: %w", err)
	}

	srv, err := s.fromSysinfo(id, si)
	if err != nil {
		return outcomeInvalid, err
	}
	_, created, err := s.create(ctx, srv)
	if err != nil {
		return outcomeError, err
	}
	if !created {
		return outcomeAdopted, nil
	}
	return outcomeCreated, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, id string, hb *models.Heartbeat) (string, error) {
	counters, err := hb.Memory()
	if err != nil {
		return outcomeInvalid, err
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	cur, ok := s.cache.Lookup(id)
	if !ok {
		cur, err = s.store.GetServer(ctx, id)
		switch {
		case err == nil:
			s.cache.Store(id, cur)
		case errors.Is(err, storage.ErrNotFound):
			return s.createFromHeartbeat(ctx, id, counters)
		default:
			return outcomeError, fmt.Errorf("get server: %w", err)
		}
	}
	return s.updateMemory(ctx, cur, counters)
}

// updateMemory writes the counters that differ from cur. cur must be the
// cached record or the one just read from the store.
func (s *Server) updateMemory(ctx context.Context, cur *models.Server, counters models.MemoryCounters) (string, error) {
	changes := MemoryChanges(cur.Memory(), counters)
	if len(changes) == 0 {
		cur.SetMemory(counters)
		s.cache.Store(cur.UUID, cur)
		return outcomeUnchanged, nil
	}

	next := cur.Clone()
	if err := changes.Apply(next); err != nil {
		return outcomeError, err
	}
	if err := s.store.PutServer(ctx, next, storage.PutOptions{Etag: cur.Etag}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// someone else wrote the record; re-read on the next heartbeat
			s.cache.Delete(cur.UUID)
			return outcomeConflict, fmt.Errorf("update memory: %w", err)
		}
		return outcomeError, fmt.Errorf("update memory: %w", err)
	}
	s.cache.Store(next.UUID, next)

	s.log.Debug("memory updated", zap.String("server_uuid", next.UUID), zap.Strings("fields", changes.Keys()))
	return outcomeUpdated, nil
}

func (s *Server) createFromHeartbeat(ctx context.Context, id string, counters models.MemoryCounters) (string, error) {
	si, err := s.ur.Sysinfo(ctx, id)
	if err != nil {
		return outcomeError, fmt.Errorf("sysinfo: %w", err)
	}
	srv, err := s.fromSysinfo(id, si)
	if err != nil {
		return outcomeInvalid, err
	}
	srv.SetMemory(counters)

	stored, created, err := s.create(ctx, srv)
	if err != nil {
		return outcomeError, err
	}
	if !created {
		return s.updateMemory(ctx, stored, counters)
	}
	return outcomeCreated, nil
}

// create persists a new record. When another writer created it first, the
// stored record is adopted instead and created is false.
func (s *Server) create(ctx context.Context, srv *models.Server) (stored *models.Server, created bool, err error) {
	err = s.store.PutServer(ctx, srv, storage.PutOptions{MustNotExist: true})
	if errors.Is(err, storage.ErrConflict) {
		cur, err := s.store.GetServer(ctx, srv.UUID)
		if err != nil {
			return nil, false, fmt.Errorf("adopt server: %w", err)
		}
		s.cache.Store(cur.UUID, cur)
		return cur, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create server: %w", err)
	}
	s.cache.Store(srv.UUID, srv)

	s.log.Info("server created",
		zap.String("server_uuid", srv.UUID),
		zap.String("datacenter", srv.Datacenter),
		zap.String("hostname", srv.Hostname))
	s.announce(ctx, srv)
	return srv, true, nil
}

func (s *Server) fromSysinfo(id string, si models.Sysinfo) (*models.Server, error) {
	switch reported := si.UUID(); {
	case reported == "":
		si = cloneSysinfo(si)
		si["UUID"] = id
	case reported != id:
		return nil, fmt.Errorf("sysinfo reports uuid %s", reported)
	}
	return models.ServerFromSysinfo(si, s.opts.Datacenter, s.now())
}

func cloneSysinfo(si models.Sysinfo) models.Sysinfo {
	out := make(models.Sysinfo, len(si)+1)
	maps.Copy(out, si)
	return out
}

type serverEvent struct {
	Event      string `json:"event"`
	UUID       string `json:"uuid"`
	Datacenter string `json:"datacenter"`
	Hostname   string `json:"hostname,omitempty"`
	Time       int64  `json:"time"`
}

func (s *Server) announce(ctx context.Context, srv *models.Server) {
	if s.events == nil {
		return
	}
	payload, _ := json.Marshal(serverEvent{
		Event:      "server.created",
		UUID:       srv.UUID,
		Datacenter: srv.Datacenter,
		Hostname:   srv.Hostname,
		Time:       s.now().Unix(),
	})
	if err := s.events.Publish(ctx, EventsSubject, payload); err != nil {
		s.log.Warn("publish failed", zap.String("server_uuid", srv.UUID), zap.Error(err))
	}
}

// MemoryChanges returns the changeset turning old into next. Counters are
// compared after normalization, so "1024" and "1024.0" are equal.
func MemoryChanges(old, next models.MemoryCounters) models.Changes {
	changes := models.Changes{}
	if !sameCounter(old.Available, next.Available) {
		changes["memory_available_bytes"] = next.Available
	}
	if !sameCounter(old.Arc, next.Arc) {
		changes["memory_arc_bytes"] = next.Arc
	}
	if !sameCounter(old.Total, next.Total) {
		changes["memory_total_bytes"] = next.Total
	}
	return changes
}

func sameCounter(a, b string) bool {
	if a == b {
		return true
	}
	na, errA := models.NormalizeCounter(json.Number(a))
	nb, errB := models.NormalizeCounter(json.Number(b))
	return errA == nil && errB == nil && na == nb
}
