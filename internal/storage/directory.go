package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/google/uuid"
)

// backend is the transactional key/value primitive a directory runs on.
type backend interface {
	// view returns a copy of the value, or ErrNotFound.
	view(bucket, key string) ([]byte, error)
	// update atomically replaces the value with fn(old). old is nil when
	// the key does not exist. An error from fn aborts the write.
	update(bucket, key string, fn func(old []byte) ([]byte, error)) error
	remove(bucket, key string) error
	// scan visits keys in ascending order.
	scan(bucket string, fn func(key string, value []byte) error) error
	close() error
}

// envelope is the stored form of every record: the document plus the etag
// of the revision that wrote it.
type envelope struct {
	Etag  string          `json:"etag"`
	Value json.RawMessage `json:"value"`
}

type directory struct {
	kv backend
}

func (d *directory) get(bucket, key string, out any) (string, error) {
	raw, err := d.kv.view(bucket, key)
	if err != nil {
		return "", err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return "", fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return env.Etag, nil
}

func (d *directory) put(bucket, key string, v any, opts PutOptions) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	etag := newEtag()
	err = d.kv.update(bucket, key, func(old []byte) ([]byte, error) {
		if old == nil {
			if opts.Etag != "" {
				return nil, ErrConflict
			}
		} else {
			if opts.MustNotExist {
				return nil, ErrConflict
			}
			if opts.Etag != "" {
				var cur envelope
				if err := json.Unmarshal(old, &cur); err != nil {
					return nil, err
				}
				if cur.Etag != opts.Etag {
					return nil, ErrConflict
				}
			}
		}
		return json.Marshal(envelope{Etag: etag, Value: data})
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func newEtag() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func (d *directory) GetServer(ctx context.Context, id string) (*models.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var s models.Server
	etag, err := d.get(ServersBucket, id, &s)
	if err != nil {
		return nil, err
	}
	s.Etag = etag
	return &s, nil
}

func (d *directory) FindServers(ctx context.Context, f ServerFilter) ([]*models.Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*models.Server
	if len(f.UUIDs) > 0 {
		for _, id := range slices.Compact(slices.Sorted(slices.Values(f.UUIDs))) {
			s, err := d.GetServer(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if f.Match(s) {
				out = append(out, s)
			}
		}
	} else {
		err := d.kv.scan(ServersBucket, func(key string, raw []byte) error {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decode %s/%s: %w", ServersBucket, key, err)
			}
			var s models.Server
			if err := json.Unmarshal(env.Value, &s); err != nil {
				return fmt.Errorf("decode %s/%s: %w", ServersBucket, key, err)
			}
			s.Etag = env.Etag
			if f.Match(&s) {
				out = append(out, &s)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	slices.SortFunc(out, func(a, b *models.Server) int {
		if f.Order == Descending {
			return strings.Compare(b.UUID, a.UUID)
		}
		return strings.Compare(a.UUID, b.UUID)
	})
	return out, nil
}

func (d *directory) PutServer(ctx context.Context, s *models.Server, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	etag, err := d.put(ServersBucket, s.UUID, s, opts)
	if err != nil {
		return err
	}
	s.Etag = etag
	return nil
}

func (d *directory) DeleteServer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.kv.remove(ServersBucket, id)
}

func (d *directory) SaveJob(ctx context.Context, j *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.put(JobsBucket, j.UUID, j, PutOptions{})
	return err
}

func (d *directory) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var j models.Job
	if _, err := d.get(JobsBucket, id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (d *directory) ListJobs(ctx context.Context, serverUUID string) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []*models.Job{}
	err := d.kv.scan(JobsBucket, func(key string, raw []byte) error {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode %s/%s: %w", JobsBucket, key, err)
		}
		var j models.Job
		if err := json.Unmarshal(env.Value, &j); err != nil {
			return fmt.Errorf("decode %s/%s: %w", JobsBucket, key, err)
		}
		if serverUUID == "" || j.Params["server_uuid"] == serverUUID {
			out = append(out, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *models.Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (d *directory) Close() error {
	return d.kv.close()
}
