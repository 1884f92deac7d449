package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/finagent-ai/finagent/history"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is a networked-KV alternative to SQLStore, selected when a
// deployment sets the session store backend to "etcd" and lists its
// endpoints, rather than running its own SQL server. Each session is one key holding a
// JSON-encoded turn list; replaying it through newHistory().AddTurn
// reconstructs the MessageHistory, the same approach SQLStore uses.
type EtcdStore struct {
	client     *clientv3.Client
	keyPrefix  string
	newHistory HistoryFactory
	timeout    time.Duration
}

type etcdTurn struct {
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Summary string `json:"summary"`
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*EtcdStore)

// WithKeyPrefix sets the key namespace sessions are stored under.
// Default is "finagent/sessions/".
func WithKeyPrefix(prefix string) EtcdOption {
	return func(s *EtcdStore) { s.keyPrefix = prefix }
}

// WithRequestTimeout overrides the per-operation context timeout.
// Default is 5 seconds.
func WithRequestTimeout(d time.Duration) EtcdOption {
	return func(s *EtcdStore) { s.timeout = d }
}

// NewEtcdStore dials endpoints and returns a ready EtcdStore.
func NewEtcdStore(endpoints []string, newHistory HistoryFactory, opts ...EtcdOption) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, &StoreError{Backend: "etcd", Operation: "New", Message: "dial failed", Err: err}
	}

	s := &EtcdStore{
		client:     client,
		keyPrefix:  "finagent/sessions/",
		newHistory: newHistory,
		timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *EtcdStore) key(sessionID string) string { return s.keyPrefix + sessionID }

func (s *EtcdStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *EtcdStore) Get(sessionID string) (*history.MessageHistory, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(sessionID))
	if err != nil {
		return nil, false, &StoreError{Backend: "etcd", Operation: "Get", Message: "get failed", Err: err}
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	var turns []etcdTurn
	if err := json.Unmarshal(resp.Kvs[0].Value, &turns); err != nil {
		return nil, false, &StoreError{Backend: "etcd", Operation: "Get", Message: "decode failed", Err: err}
	}

	h := s.newHistory()
	for _, t := range turns {
		if _, err := h.AddTurn(context.Background(), t.Query, t.Answer, t.Summary); err != nil {
			return nil, false, &StoreError{Backend: "etcd", Operation: "Get", Message: "turn replay failed", Err: err}
		}
	}
	return h, true, nil
}

func (s *EtcdStore) Set(sessionID string, h *history.MessageHistory) error {
	msgs := h.Messages()
	turns := make([]etcdTurn, len(msgs))
	for i, m := range msgs {
		turns[i] = etcdTurn{Query: m.Query, Answer: m.Answer, Summary: m.Summary}
	}
	blob, err := json.Marshal(turns)
	if err != nil {
		return &StoreError{Backend: "etcd", Operation: "Set", Message: "encode failed", Err: err}
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := s.client.Put(ctx, s.key(sessionID), string(blob)); err != nil {
		return &StoreError{Backend: "etcd", Operation: "Set", Message: "put failed", Err: err}
	}
	return nil
}

func (s *EtcdStore) Delete(sessionID string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if _, err := s.client.Delete(ctx, s.key(sessionID)); err != nil {
		return &StoreError{Backend: "etcd", Operation: "Delete", Message: "delete failed", Err: err}
	}
	return nil
}

func (s *EtcdStore) Exists(sessionID string) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(sessionID), clientv3.WithCountOnly())
	if err != nil {
		return false, &StoreError{Backend: "etcd", Operation: "Exists", Message: "get failed", Err: err}
	}
	return resp.Count > 0, nil
}

// Close releases the etcd client connection.
func (s *EtcdStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("sessionstore:etcd:Close: %w", err)
	}
	return nil
}

// BackendName identifies this store in metrics labels.
func (s *EtcdStore) BackendName() string { return "etcd" }
