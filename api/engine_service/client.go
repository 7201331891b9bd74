package engineservice

import (
	"context"
	"fmt"

	"github.com/sushant-115/minidb/pkg/transport"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is one open session. It is not safe for concurrent use: statements
// are answered in order.
type Client struct {
	stream   grpc.BidiStreamingClient[wrapperspb.BytesValue, wrapperspb.BytesValue]
	packager *transport.Packager
	cancel   context.CancelFunc
}

// OpenSession starts a session on conn.
func OpenSession(ctx context.Context, conn grpc.ClientConnInterface) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	raw, err := conn.NewStream(ctx, &EngineServiceDesc.Streams[0], SessionFullMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	stream := &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ClientStream: raw}
	return &Client{stream: stream, packager: transport.NewPackager(stream), cancel: cancel}, nil
}

// Execute sends one statement and waits for its result. An error the server
// reports comes back as a *transport.RemoteError.
func (c *Client) Execute(stmt string) ([]byte, error) {
	if err := c.packager.Send(transport.Package{Data: []byte(stmt)}); err != nil {
		return nil, fmt.Errorf("failed to send statement: %w", err)
	}
	pkg, err := c.packager.Receive()
	if err != nil {
		return nil, fmt.Errorf("failed to receive result: %w", err)
	}
	return pkg.Data, pkg.Err
}

// Close ends the session. The server aborts a transaction left open.
func (c *Client) Close() error {
	defer c.cancel()
	if err := c.stream.CloseSend(); err != nil {
		return err
	}
	// Drain until the server closes its side.
	for {
		if _, err := c.stream.Recv(); err != nil {
			return nil
		}
	}
}
