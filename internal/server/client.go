package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Client calls QueueAdmin on a remote process.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

func method(name string) string {
	return "/" + ServiceName + "/" + name
}

// SubmitTask creates a task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, in types.NewTask) (types.TaskID, error) {
	req, err := toStruct(in)
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, method("SubmitTask"), req, out); err != nil {
		return "", err
	}
	return types.TaskID(out.GetValue()), nil
}

// GetTask fetches a task record.
func (c *Client) GetTask(ctx context.Context, id types.TaskID) (*types.TaskRecord, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("GetTask"), wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	var rec types.TaskRecord
	if err := fromStruct(out, &rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &rec, nil
}

// RequeueTask reports whether the task was requeued.
func (c *Client) RequeueTask(ctx context.Context, id types.TaskID) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, method("RequeueTask"), wrapperspb.String(string(id)), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// RecentEvents returns the remote event log, most recent first.
func (c *Client) RecentEvents(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, method("RecentEvents"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		lines = append(lines, v.GetStringValue())
	}
	return lines, nil
}

// WorkerStatus returns the remote worker pool status.
func (c *Client) WorkerStatus(ctx context.Context) (worker.WorkerStatus, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("WorkerStatus"), &emptypb.Empty{}, out); err != nil {
		return worker.WorkerStatus{}, err
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return worker.WorkerStatus{}, err
	}
	var st worker.WorkerStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return worker.WorkerStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
