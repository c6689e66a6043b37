package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

type fakeService struct {
	mu      sync.Mutex
	tasks   map[types.TaskID]*types.TaskRecord
	created []types.NewTask
	events  []string
	status  worker.WorkerStatus
	failOn  error
}

func newFakeService() *fakeService {
	return &fakeService{tasks: make(map[types.TaskID]*types.TaskRecord)}
}

func (f *fakeService) CreateTask(_ context.Context, in types.NewTask) (*types.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		return nil, f.failOn
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative", controller.ErrInvalidTask)
	}
	f.created = append(f.created, in)
	id := types.TaskID(fmt.Sprintf("Task-%d", len(f.created)))
	rec := &types.TaskRecord{Task: types.Task{ID: id, Payload: in.Payload, Type: in.Type, Status: types.StatusQueued}}
	f.tasks[id] = rec
	return rec, nil
}

func (f *fakeService) GetTask(_ context.Context, id types.TaskID) (*types.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("find %s: %w", id, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (f *fakeService) ManualRequeue(_ context.Context, id types.TaskID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tasks[id]
	if !ok || rec.Status != types.StatusFailed {
		return false, nil
	}
	rec.Status = types.StatusQueued
	rec.Attempts = 0
	return true, nil
}

func (f *fakeService) RecentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeService) WorkerStatus() worker.WorkerStatus {
	return f.status
}

func startServer(t *testing.T, svc Service) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(svc, nil)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndGetTask(t *testing.T) {
	svc := newFakeService()
	client := startServer(t, svc)
	ctx := testCtx(t)

	maxRetries := 5
	id, err := client.SubmitTask(ctx, types.NewTask{
		Payload:    "hello",
		Type:       types.TypeEmail,
		MaxRetries: &maxRetries,
		Owner:      "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskID("Task-1"), id)

	require.Len(t, svc.created, 1)
	require.NotNil(t, svc.created[0].MaxRetries)
	assert.Equal(t, 5, *svc.created[0].MaxRetries)
	assert.Equal(t, "ops", svc.created[0].Owner)

	rec, err := client.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "hello", rec.Payload)
	assert.Equal(t, types.TypeEmail, rec.Type)
	assert.Equal(t, types.StatusQueued, rec.Status)
}

func TestSubmitWithoutMaxRetries(t *testing.T) {
	svc := newFakeService()
	client := startServer(t, svc)

	_, err := client.SubmitTask(testCtx(t), types.NewTask{Payload: "p"})
	require.NoError(t, err)
	require.Len(t, svc.created, 1)
	assert.Nil(t, svc.created[0].MaxRetries)
}

func TestErrorCodes(t *testing.T) {
	svc := newFakeService()
	client := startServer(t, svc)
	ctx := testCtx(t)

	_, err := client.GetTask(ctx, "Task-missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetTask(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	negative := -1
	_, err = client.SubmitTask(ctx, types.NewTask{Payload: "p", MaxRetries: &negative})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	svc.failOn = fmt.Errorf("submit: %w", worker.ErrPoolClosed)
	_, err = client.SubmitTask(ctx, types.NewTask{Payload: "p"})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	svc.failOn = fmt.Errorf("disk on fire")
	_, err = client.SubmitTask(ctx, types.NewTask{Payload: "p"})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestRequeueTask(t *testing.T) {
	svc := newFakeService()
	svc.tasks["Task-f"] = &types.TaskRecord{Task: types.Task{ID: "Task-f", Status: types.StatusFailed, Attempts: 3}}
	svc.tasks["Task-c"] = &types.TaskRecord{Task: types.Task{ID: "Task-c", Status: types.StatusCompleted}}
	client := startServer(t, svc)
	ctx := testCtx(t)

	ok, err := client.RequeueTask(ctx, "Task-f")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.StatusQueued, svc.tasks["Task-f"].Status)

	ok, err = client.RequeueTask(ctx, "Task-c")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.RequeueTask(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRecentEventsAndWorkerStatus(t *testing.T) {
	svc := newFakeService()
	svc.events = []string{"Task Task-2 completed", "Task Task-1 completed"}
	svc.status = worker.WorkerStatus{Active: 2, Idle: 6, Queued: 11}
	client := startServer(t, svc)
	ctx := testCtx(t)

	lines, err := client.RecentEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, svc.events, lines)

	st, err := client.WorkerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, svc.status, st)
}

func TestRecentEventsEmpty(t *testing.T) {
	client := startServer(t, newFakeService())
	lines, err := client.RecentEvents(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, lines)
}
