package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements VersionedStore on etcd. Each path becomes a key under
// Prefix. etcd counts key versions from 1 and resets them on delete, so the
// store version of a path is the etcd key version minus one.
type EtcdStore struct {
	cli    *clientv3.Client
	prefix string

	mu     sync.RWMutex
	closed bool
}

// EtcdConfig configures NewEtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewEtcdStore dials etcd and returns a store rooted at cfg.Prefix.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd: dial")
	}
	return NewEtcdStoreFromClient(cli, cfg.Prefix), nil
}

// NewEtcdStoreFromClient wraps an existing client. Close closes the client.
func NewEtcdStoreFromClient(cli *clientv3.Client, prefix string) *EtcdStore {
	return &EtcdStore{cli: cli, prefix: strings.TrimRight(prefix, "/")}
}

func (s *EtcdStore) key(path string) string { return s.prefix + path }

func (s *EtcdStore) live() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *EtcdStore) Exists(ctx context.Context, path string) (int, bool, error) {
	if err := s.live(); err != nil {
		return 0, false, err
	}
	resp, err := s.cli.Get(ctx, s.key(path), clientv3.WithKeysOnly())
	if err != nil {
		return 0, false, s.wrap(err, "exists", path)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	return int(resp.Kvs[0].Version - 1), true, nil
}

func (s *EtcdStore) GetData(ctx context.Context, path string) ([]byte, int, error) {
	if err := s.live(); err != nil {
		return nil, 0, err
	}
	resp, err := s.cli.Get(ctx, s.key(path))
	if err != nil {
		return nil, 0, s.wrap(err, "get", path)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNoNode
	}
	kv := resp.Kvs[0]
	return kv.Value, int(kv.Version - 1), nil
}

func (s *EtcdStore) Create(ctx context.Context, path string, data []byte) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	key := s.key(path)
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return 0, s.wrap(err, "create", path)
	}
	if !resp.Succeeded {
		return 0, ErrNodeExists
	}
	return 0, nil
}

func (s *EtcdStore) SetData(ctx context.Context, path string, data []byte, expectedVersion int) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	key := s.key(path)
	cmp := clientv3.Compare(clientv3.Version(key), ">", 0)
	if expectedVersion != AnyVersion {
		cmp = clientv3.Compare(clientv3.Version(key), "=", int64(expectedVersion)+1)
	}
	resp, err := s.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(data)), clientv3.OpGet(key, clientv3.WithKeysOnly())).
		Else(clientv3.OpGet(key, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return 0, s.wrap(err, "setData", path)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return 0, ErrNoNode
		}
		return 0, ErrVersionConflict
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return 0, ErrNoNode
	}
	return int(kvs[0].Version - 1), nil
}

func (s *EtcdStore) Delete(ctx context.Context, path string, expectedVersion int) error {
	if err := s.live(); err != nil {
		return err
	}
	key := s.key(path)
	cmp := clientv3.Compare(clientv3.Version(key), ">", 0)
	if expectedVersion != AnyVersion {
		cmp = clientv3.Compare(clientv3.Version(key), "=", int64(expectedVersion)+1)
	}
	resp, err := s.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpDelete(key)).
		Else(clientv3.OpGet(key, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return s.wrap(err, "delete", path)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return ErrNoNode
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *EtcdStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	resp, err := s.cli.Get(ctx, s.key(prefix), clientv3.WithPrefix(), clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, s.wrap(err, "list", prefix)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(kv.Key), s.prefix))
	}
	return out, nil
}

// Watch streams etcd events for path to fn on a background goroutine.
func (s *EtcdStore) Watch(ctx context.Context, path string, fn WatchFunc) error {
	if err := s.live(); err != nil {
		return err
	}
	ch := s.cli.Watch(ctx, s.key(path))
	go func() {
		for resp := range ch {
			for _, ev := range resp.Events {
				e := Event{Path: path, Version: int(ev.Kv.Version - 1)}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					e.Type = EventDeleted
				case ev.IsCreate():
					e.Type = EventCreated
				default:
					e.Type = EventChanged
				}
				fn(e)
			}
		}
	}()
	return nil
}

func (s *EtcdStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cli.Close()
}

func (s *EtcdStore) wrap(err error, op, path string) error {
	if errors.Is(err, context.Canceled) && s.live() != nil {
		return ErrClosed
	}
	return errors.Wrapf(err, "etcd: %s %s", op, path)
}
