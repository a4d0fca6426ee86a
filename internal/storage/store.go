package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored revision no longer matches the etag the
	// write was based on, or a create found an existing record.
	ErrConflict = errors.New("etag conflict")
)

const (
	ServersBucket = "cnapi_servers"
	JobsBucket    = "wf_jobs"
)

// PutOptions turns a put into a compare-and-swap.
type PutOptions struct {
	// Etag, when set, must match the stored revision.
	Etag string
	// MustNotExist makes the put a create.
	MustNotExist bool
}

// SortOrder orders FindServers results by uuid.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// ServerFilter selects servers. The zero value matches every server except
// the defaults record.
type ServerFilter struct {
	UUIDs []string
	Setup *bool
	Order SortOrder
}

// Match reports whether s passes the filter.
func (f ServerFilter) Match(s *models.Server) bool {
	if s.UUID == models.DefaultServerUUID {
		return false
	}
	if len(f.UUIDs) > 0 && !slices.Contains(f.UUIDs, s.UUID) {
		return false
	}
	if f.Setup != nil && s.Setup != *f.Setup {
		return false
	}
	return true
}

// String renders the filter as the LDAP-style expression used in logs.
func (f ServerFilter) String() string {
	var b strings.Builder
	b.WriteString("(&")
	if len(f.UUIDs) == 0 {
		b.WriteString("(uuid=*)")
	} else {
		ids := slices.Sorted(slices.Values(f.UUIDs))
		b.WriteString("(|")
		for _, id := range ids {
			fmt.Fprintf(&b, "(uuid=%s)", id)
		}
		b.WriteString(")")
	}
	if f.Setup != nil {
		fmt.Fprintf(&b, "(&(setup=%s)!(uuid=%s)))", strconv.FormatBool(*f.Setup), models.DefaultServerUUID)
	} else {
		fmt.Fprintf(&b, "!(uuid=%s))", models.DefaultServerUUID)
	}
	return b.String()
}

// Store is the directory of server records and workflow jobs. Every server
// write is a compare-and-swap when the record carries an etag.
type Store interface {
	GetServer(ctx context.Context, uuid string) (*models.Server, error)
	FindServers(ctx context.Context, filter ServerFilter) ([]*models.Server, error)
	// PutServer writes s and, on success, sets s.Etag to the new revision.
	PutServer(ctx context.Context, s *models.Server, opts PutOptions) error
	DeleteServer(ctx context.Context, uuid string) error

	SaveJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, uuid string) (*models.Job, error)
	// ListJobs returns the jobs created for serverUUID, newest first. An
	// empty serverUUID lists every job.
	ListJobs(ctx context.Context, serverUUID string) ([]*models.Job, error)

	Close() error
}
