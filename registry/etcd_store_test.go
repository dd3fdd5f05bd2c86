package registry

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// kvStore is an in-process etcd member for tests. It serves the KV gRPC
// surface behind a real clientv3 KV, so requests go through the same
// option handling as against a server, and implements Watcher and Lease
// directly. Revisions, prefix ranges, key-sorted and limited reads,
// nested txns, watches replayed from a revision and lease-bound keys
// behave as in etcd. Compaction and lease expiry are not modelled.
type kvStore struct {
	mu        sync.Mutex
	rev       int64
	kvs       map[string]*mvccpb.KeyValue
	history   []*mvccpb.Event
	watches   map[*storeWatch]struct{}
	lastLease int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newKVStore() *kvStore {
	return &kvStore{
		kvs:     make(map[string]*mvccpb.KeyValue),
		watches: make(map[*storeWatch]struct{}),
		closed:  make(chan struct{}),
	}
}

// client returns a clientv3.Client backed by s.
func (s *kvStore) client() *clientv3.Client {
	c := clientv3.NewCtxClient(context.Background())
	c.KV = clientv3.NewKVFromKVClient(s, c)
	c.Watcher = s
	c.Lease = s
	return c
}

func (s *kvStore) header() *pb.ResponseHeader {
	return &pb.ResponseHeader{Revision: s.rev}
}

func inRange(key, start, end []byte) bool {
	switch {
	case len(end) == 0:
		return bytes.Equal(key, start)
	case len(end) == 1 && end[0] == 0:
		return bytes.Compare(key, start) >= 0
	default:
		return bytes.Compare(key, start) >= 0 && bytes.Compare(key, end) < 0
	}
}

func copyKV(kv *mvccpb.KeyValue) *mvccpb.KeyValue {
	c := *kv
	return &c
}

func (s *kvStore) Range(_ context.Context, in *pb.RangeRequest, _ ...grpc.CallOption) (*pb.RangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(in), nil
}

func (s *kvStore) Put(_ context.Context, in *pb.PutRequest, _ ...grpc.CallOption) (*pb.PutResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(in), nil
}

func (s *kvStore) DeleteRange(_ context.Context, in *pb.DeleteRangeRequest, _ ...grpc.CallOption) (*pb.DeleteRangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(in), nil
}

func (s *kvStore) Txn(_ context.Context, in *pb.TxnRequest, _ ...grpc.CallOption) (*pb.TxnResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnLocked(in), nil
}

func (s *kvStore) Compact(_ context.Context, _ *pb.CompactionRequest, _ ...grpc.CallOption) (*pb.CompactionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &pb.CompactionResponse{Header: s.header()}, nil
}

// rangeLocked only sorts by key, the one target the registry uses.
func (s *kvStore) rangeLocked(in *pb.RangeRequest) *pb.RangeResponse {
	var kvs []*mvccpb.KeyValue
	for k, kv := range s.kvs {
		if inRange([]byte(k), in.Key, in.RangeEnd) {
			kvs = append(kvs, copyKV(kv))
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0 })
	if in.SortOrder == pb.RangeRequest_DESCEND {
		slices.Reverse(kvs)
	}

	resp := &pb.RangeResponse{Header: s.header(), Count: int64(len(kvs))}
	if in.CountOnly {
		return resp
	}
	if in.Limit > 0 && int64(len(kvs)) > in.Limit {
		kvs = kvs[:in.Limit]
		resp.More = true
	}
	resp.Kvs = kvs
	return resp
}

func (s *kvStore) putLocked(in *pb.PutRequest) *pb.PutResponse {
	s.rev++
	kv := &mvccpb.KeyValue{
		Key:            append([]byte(nil), in.Key...),
		Value:          append([]byte(nil), in.Value...),
		CreateRevision: s.rev,
		ModRevision:    s.rev,
		Version:        1,
		Lease:          in.Lease,
	}
	if old, ok := s.kvs[string(in.Key)]; ok {
		kv.CreateRevision = old.CreateRevision
		kv.Version = old.Version + 1
	}
	s.kvs[string(in.Key)] = kv
	s.emitLocked(&mvccpb.Event{Type: mvccpb.PUT, Kv: copyKV(kv)})
	return &pb.PutResponse{Header: s.header()}
}

func (s *kvStore) deleteLocked(in *pb.DeleteRangeRequest) *pb.DeleteRangeResponse {
	var keys []string
	for k := range s.kvs {
		if inRange([]byte(k), in.Key, in.RangeEnd) {
			keys = append(keys, k)
		}
	}
	s.deleteKeysLocked(keys)
	return &pb.DeleteRangeResponse{Header: s.header(), Deleted: int64(len(keys))}
}

func (s *kvStore) deleteKeysLocked(keys []string) {
	if len(keys) == 0 {
		return
	}
	s.rev++
	sort.Strings(keys)
	for _, k := range keys {
		delete(s.kvs, k)
		s.emitLocked(&mvccpb.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(k), ModRevision: s.rev}})
	}
}

func (s *kvStore) txnLocked(in *pb.TxnRequest) *pb.TxnResponse {
	succeeded := true
	for _, c := range in.Compare {
		if !s.compareLocked(c) {
			succeeded = false
			break
		}
	}
	ops := in.Success
	if !succeeded {
		ops = in.Failure
	}

	resp := &pb.TxnResponse{Succeeded: succeeded}
	for _, op := range ops {
		r := &pb.ResponseOp{}
		switch req := op.Request.(type) {
		case *pb.RequestOp_RequestRange:
			r.Response = &pb.ResponseOp_ResponseRange{ResponseRange: s.rangeLocked(req.RequestRange)}
		case *pb.RequestOp_RequestPut:
			r.Response = &pb.ResponseOp_ResponsePut{ResponsePut: s.putLocked(req.RequestPut)}
		case *pb.RequestOp_RequestDeleteRange:
			r.Response = &pb.ResponseOp_ResponseDeleteRange{ResponseDeleteRange: s.deleteLocked(req.RequestDeleteRange)}
		case *pb.RequestOp_RequestTxn:
			r.Response = &pb.ResponseOp_ResponseTxn{ResponseTxn: s.txnLocked(req.RequestTxn)}
		}
		resp.Responses = append(resp.Responses, r)
	}
	resp.Header = s.header()
	return resp
}

// compareLocked treats a missing key as all-zero, as etcd does for
// revision and version targets.
func (s *kvStore) compareLocked(c *pb.Compare) bool {
	kv, ok := s.kvs[string(c.Key)]
	if !ok {
		kv = &mvccpb.KeyValue{}
	}
	var result int
	switch c.Target {
	case pb.Compare_VERSION:
		result = cmp.Compare(kv.Version, c.GetVersion())
	case pb.Compare_CREATE:
		result = cmp.Compare(kv.CreateRevision, c.GetCreateRevision())
	case pb.Compare_MOD:
		result = cmp.Compare(kv.ModRevision, c.GetModRevision())
	case pb.Compare_VALUE:
		if !ok {
			return false
		}
		result = bytes.Compare(kv.Value, c.GetValue())
	default:
		return false
	}
	switch c.Result {
	case pb.Compare_EQUAL:
		return result == 0
	case pb.Compare_GREATER:
		return result > 0
	case pb.Compare_LESS:
		return result < 0
	case pb.Compare_NOT_EQUAL:
		return result != 0
	}
	return false
}

func (s *kvStore) emitLocked(ev *mvccpb.Event) {
	s.history = append(s.history, ev)
	for w := range s.watches {
		if inRange(ev.Kv.Key, w.key, w.end) {
			w.push(ev)
		}
	}
}

// storeWatch queues events without bound so emitting never blocks on a
// slow reader.
type storeWatch struct {
	key, end []byte

	mu      sync.Mutex
	pending []*clientv3.Event
	wake    chan struct{}
}

func (w *storeWatch) push(ev *mvccpb.Event) {
	w.mu.Lock()
	w.pending = append(w.pending, (*clientv3.Event)(ev))
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *storeWatch) take() []*clientv3.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.pending
	w.pending = nil
	return events
}

func (s *kvStore) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	op := clientv3.OpGet(key, opts...)
	w := &storeWatch{key: op.KeyBytes(), end: op.RangeBytes(), wake: make(chan struct{}, 1)}
	out := make(chan clientv3.WatchResponse)

	s.mu.Lock()
	if rev := op.Rev(); rev > 0 {
		for _, ev := range s.history {
			if ev.Kv.ModRevision >= rev && inRange(ev.Kv.Key, w.key, w.end) {
				w.push(ev)
			}
		}
	}
	s.watches[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watches, w)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-w.wake:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
			events := w.take()
			if len(events) == 0 {
				continue
			}
			select {
			case out <- clientv3.WatchResponse{Events: events}:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}
	}()
	return out
}

func (s *kvStore) RequestProgress(context.Context) error { return nil }

func (s *kvStore) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLease++
	return &clientv3.LeaseGrantResponse{ResponseHeader: s.header(), ID: clientv3.LeaseID(s.lastLease), TTL: ttl}, nil
}

// Revoke deletes every key attached to id.
func (s *kvStore) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, kv := range s.kvs {
		if kv.Lease == int64(id) {
			keys = append(keys, k)
		}
	}
	s.deleteKeysLocked(keys)
	return &clientv3.LeaseRevokeResponse{Header: s.header()}, nil
}

func (s *kvStore) TimeToLive(_ context.Context, id clientv3.LeaseID, _ ...clientv3.LeaseOption) (*clientv3.LeaseTimeToLiveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &clientv3.LeaseTimeToLiveResponse{ResponseHeader: s.header(), ID: id}, nil
}

func (s *kvStore) Leases(context.Context) (*clientv3.LeaseLeasesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &clientv3.LeaseLeasesResponse{ResponseHeader: s.header()}, nil
}

// KeepAlive answers once and holds the channel open until ctx is done.
func (s *kvStore) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	resp, _ := s.KeepAliveOnce(ctx, id)
	ch := make(chan *clientv3.LeaseKeepAliveResponse, 1)
	ch <- resp
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		close(ch)
	}()
	return ch, nil
}

func (s *kvStore) KeepAliveOnce(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &clientv3.LeaseKeepAliveResponse{ResponseHeader: s.header(), ID: id}, nil
}

// Close ends every watch and keep-alive. It serves as both Watcher.Close
// and Lease.Close.
func (s *kvStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

var (
	_ pb.KVClient      = (*kvStore)(nil)
	_ clientv3.Watcher = (*kvStore)(nil)
	_ clientv3.Lease   = (*kvStore)(nil)
)
