package ledger

// ============================================================================
// gRPC 傳輸
// 服務 groupmesh.ledger.v1.Ledger：
//   rpc Send(Struct) returns (Struct);
//   rpc Subscribe(Struct) returns (stream Struct);
// 訊息以 structpb.Struct 承載
// ============================================================================

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

const (
	ServiceName = "groupmesh.ledger.v1.Ledger"

	sendMethod      = "/" + ServiceName + "/Send"
	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// LedgerServer is the server side of the service.
type LedgerServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "groupmesh/ledger/v1/ledger.proto",
}

// Register adds the ledger service backed by b to gs.
func Register(gs *grpc.Server, b Backend) {
	gs.RegisterService(&serviceDesc, &Server{backend: b, log: slog.With("component", "ledger-grpc")})
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Send(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LedgerServer).Subscribe(in, stream)
}

// Server adapts a Backend to LedgerServer.
type Server struct {
	backend Backend
	log     *slog.Logger
}

func (s *Server) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	env, err := decodeEnvelope(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rcpt, err := s.backend.Send(ctx, env)
	switch {
	case errors.Is(err, ErrNoRecipient):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return encodeReceipt(rcpt)
}

func (s *Server) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	recipient := in.GetFields()["recipient_id"].GetStringValue()
	if recipient == "" {
		return status.Error(codes.InvalidArgument, "recipient_id is required")
	}
	s.log.Debug("subscriber attached", "recipient", recipient)
	for env := range s.backend.Subscribe(stream.Context(), recipient) {
		out, err := encodeEnvelope(env)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Client
// ============================================================================

// Client implements distributor.Ledger over gRPC.
type Client struct {
	cc    grpc.ClientConnInterface
	close func() error
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, close: func() error { return nil }}
}

// Dial connects to a ledger service at addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w", addr, err)
	}
	return &Client{cc: conn, close: conn.Close}, nil
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error { return c.close() }

func (c *Client) Send(ctx context.Context, env types.Envelope) (types.DeliveryReceipt, error) {
	in, err := encodeEnvelope(env)
	if err != nil {
		return types.DeliveryReceipt{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, sendMethod, in, out); err != nil {
		return types.DeliveryReceipt{}, fmt.Errorf("rpc send failed: %w", err)
	}
	return decodeReceipt(out), nil
}

// Subscribe opens the server stream for recipientID. The channel closes
// when the stream ends or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, recipientID string) (<-chan types.Envelope, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("rpc subscribe failed: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"recipient_id": recipientID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	ch := make(chan types.Envelope, subscriberBuffer)
	go func() {
		defer close(ch)
		for {
			m := new(structpb.Struct)
			if err := stream.RecvMsg(m); err != nil {
				return
			}
			env, err := decodeEnvelope(m)
			if err != nil {
				continue
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Serve runs a gRPC server for b on lis until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, b Backend) error {
	gs := grpc.NewServer()
	Register(gs, b)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	return gs.Serve(lis)
}

// ============================================================================
// 編解碼
// ============================================================================

func encodeEnvelope(env types.Envelope) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"distribution_id": env.DistributionID,
		"message_id":      env.MessageID,
		"group_id":        env.GroupID,
		"sender_id":       env.SenderID,
		"device_id":       float64(env.DeviceID),
		"recipient_id":    env.RecipientID,
		"ciphertext":      base64.StdEncoding.EncodeToString(env.Ciphertext),
		"timestamp":       float64(env.Timestamp),
	})
}

func decodeEnvelope(s *structpb.Struct) (types.Envelope, error) {
	f := s.GetFields()
	ct, err := base64.StdEncoding.DecodeString(f["ciphertext"].GetStringValue())
	if err != nil {
		return types.Envelope{}, fmt.Errorf("ciphertext: %w", err)
	}
	return types.Envelope{
		DistributionID: f["distribution_id"].GetStringValue(),
		MessageID:      f["message_id"].GetStringValue(),
		GroupID:        f["group_id"].GetStringValue(),
		SenderID:       f["sender_id"].GetStringValue(),
		DeviceID:       uint32(f["device_id"].GetNumberValue()),
		RecipientID:    f["recipient_id"].GetStringValue(),
		Ciphertext:     ct,
		Timestamp:      int64(f["timestamp"].GetNumberValue()),
	}, nil
}

func encodeReceipt(r types.DeliveryReceipt) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"receipt_id":   r.ReceiptID,
		"message_id":   r.MessageID,
		"recipient_id": r.RecipientID,
		"timestamp":    float64(r.Timestamp),
	})
}

func decodeReceipt(s *structpb.Struct) types.DeliveryReceipt {
	f := s.GetFields()
	return types.DeliveryReceipt{
		ReceiptID:   f["receipt_id"].GetStringValue(),
		MessageID:   f["message_id"].GetStringValue(),
		RecipientID: f["recipient_id"].GetStringValue(),
		Timestamp:   int64(f["timestamp"].GetNumberValue()),
	}
}
