package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3.
//
// etcd is a flat key space, so a node is a key and the children of a path
// are the distinct next segments of the keys under "path/". Nodes are
// persistent: no lease is attached, and an instance stays published until
// it is deleted.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcdRegistry connects to the given etcd endpoints. With a positive
// dialTimeout the call fails if no endpoint answers in time.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      etcdLogger(),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// etcdLogger keeps the etcd client quiet unless we are debugging.
func etcdLogger() *zap.Logger {
	if log.IsLevelEnabled(log.DebugLevel) {
		if l, err := zap.NewDevelopment(); err == nil {
			return l
		}
	}
	return zap.NewNop()
}

// CreatePersistentNode puts an empty value only if the key has never been
// created, so concurrent publishers of the same instance do not clobber
// each other's data.
func (r *EtcdRegistry) CreatePersistentNode(ctx context.Context, path string) error {
	_, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, "")).
		Commit()
	return err
}

func (r *EtcdRegistry) GetNodeData(ctx context.Context, path string) (string, error) {
	resp, err := r.client.Get(ctx, path)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNoNode
	}
	return string(resp.Kvs[0].Value), nil
}

func (r *EtcdRegistry) SetNodeData(ctx context.Context, path, data string) error {
	_, err := r.client.Put(ctx, path, data)
	return err
}

func (r *EtcdRegistry) GetChildren(ctx context.Context, path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := childName(path, string(kv.Key))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

func (r *EtcdRegistry) DeleteNode(ctx context.Context, path string) error {
	_, err := r.client.Delete(ctx, path)
	return err
}

// Watch uses etcd's Watch API (server-push). Individual events are not
// parsed; any change is one signal. The channel closes when ctx is done or
// etcd cancels the watch (compaction, lost leader, closed client).
func (r *EtcdRegistry) Watch(ctx context.Context, path string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	prefix := strings.TrimSuffix(path, "/") + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if resp.Canceled {
				log.WithFields(log.Fields{"path": path}).WithError(resp.Err()).Warn("registry: watch canceled")
				return
			}
			if err := resp.Err(); err != nil {
				log.WithFields(log.Fields{"path": path}).WithError(err).Warn("registry: watch interrupted")
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
