package scheduler

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// collectMethod is the external training service's unary RPC. The
// retrieval pack's strategy.WorkerClient talks to a sibling service over a
// generated proto package that wasn't part of this module's sources, so
// this client speaks the same generic structpb envelope the rest of the
// pack's gRPC code avoids hand-generating.
const collectMethod = "/signalrelay.training.v1.Collector/Collect"

// GRPCAITrainingCollector asks the external training pipeline over gRPC to
// collect a day's data; the request carries only the date. Grounded on
// internal/strategy/grpc_client.go's WorkerClient: a *grpc.ClientConn held
// for the process lifetime, calls bounded by a short per-call timeout.
type GRPCAITrainingCollector struct {
	conn *grpc.ClientConn
}

// NewGRPCAITrainingCollector dials addr. Dialing is lazy/non-blocking;
// connection failures surface on the first Collect call.
func NewGRPCAITrainingCollector(addr string) (*GRPCAITrainingCollector, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial training service: %w", err)
	}
	return &GRPCAITrainingCollector{conn: conn}, nil
}

func (c *GRPCAITrainingCollector) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Collect sends a request carrying only the date and discards the
// acknowledgement.
func (c *GRPCAITrainingCollector) Collect(ctx context.Context, date string) error {
	req, err := structpb.NewStruct(map[string]any{"date": date})
	if err != nil {
		return fmt.Errorf("build training payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, collectMethod, req, resp); err != nil {
		return fmt.Errorf("collect training data: %w", err)
	}
	return nil
}
