package control

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/secret"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	conn  *grpc.ClientConn
	token secret.String
}

func NewClient(target string, token secret.String) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", target, err)
	}
	return &Client{
		conn:  conn,
		token: token,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, reply proto.Message) error {
	if token := c.token.Get(); token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, bearerPrefix+token)
	}
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, &emptypb.Empty{}, reply)
}

func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	reply := &structpb.Struct{}
	if err := c.invoke(ctx, "GetStats", reply); err != nil {
		return nil, err
	}
	return reply.AsMap(), nil
}

func (c *Client) State(ctx context.Context) (string, error) {
	reply := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "GetState", reply); err != nil {
		return "", err
	}
	return reply.GetValue(), nil
}

func (c *Client) DumpState(ctx context.Context) (string, error) {
	reply := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "DumpState", reply); err != nil {
		return "", err
	}
	return reply.GetValue(), nil
}

func (c *Client) QueueSizes(ctx context.Context) (map[string]int, error) {
	reply := &structpb.Struct{}
	if err := c.invoke(ctx, "GetQueueSizes", reply); err != nil {
		return nil, err
	}
	result := map[string]int{}
	for name, v := range reply.GetFields() {
		result[name] = int(v.GetNumberValue())
	}
	return result, nil
}

func (c *Client) CheckIntegrity(ctx context.Context) error {
	return c.invoke(ctx, "CheckIntegrity", &emptypb.Empty{})
}

func (c *Client) Flush(ctx context.Context) error {
	return c.invoke(ctx, "Flush", &emptypb.Empty{})
}

func (c *Client) RecoverAccelerator(ctx context.Context) error {
	return c.invoke(ctx, "RecoverAccelerator", &emptypb.Empty{})
}
