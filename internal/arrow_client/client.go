// Package arrow_client fetches model checkpoints from a remote weight
// service over Arrow Flight. Checkpoints use the same record schema as
// the on-disk IPC format, so the stream feeds the weight store
// directly.
package arrow_client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-arbalest/internal/logger"
	"github.com/23skdu/longbow-arbalest/internal/weights"
)

const defaultTimeout = 60 * time.Second

// CheckpointClient talks to one Flight weight service.
type CheckpointClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	timeout time.Duration
	log     *logger.Logger
}

// NewCheckpointClient connects to addr. The connection is lazy; the
// first Fetch dials.
func NewCheckpointClient(addr string) (*CheckpointClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("arrow_client: dial %s: %w", addr, err)
	}
	return &CheckpointClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		timeout: defaultTimeout,
		log:     logger.Log.With("arrow_client"),
	}, nil
}

// Fetch retrieves the named checkpoint and decodes it into host
// tensors ready for the weight store.
func (c *CheckpointClient) Fetch(ctx context.Context, name string) (map[string]*weights.Tensor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("arrow_client: get %s: %w", name, err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("arrow_client: open stream for %s: %w", name, err)
	}
	defer reader.Release()

	out := make(map[string]*weights.Tensor)
	for reader.Next() {
		tensors, err := weights.TensorsFromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		for _, t := range tensors {
			if _, dup := out[t.Name]; dup {
				return nil, fmt.Errorf("arrow_client: duplicate tensor %s in %s", t.Name, name)
			}
			out[t.Name] = t
		}
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("arrow_client: read %s: %w", name, err)
	}

	c.log.Info("checkpoint fetched", "name", name, "tensors", len(out))
	return out, nil
}

// Push publishes a checkpoint under the given name, for seeding a
// weight service from a local model.
func (c *CheckpointClient) Push(ctx context.Context, name string, tensors []*weights.Tensor) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec, err := weights.RecordFromTensors(memory.NewGoAllocator(), tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("arrow_client: put %s: %w", name, err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("arrow_client: write %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("arrow_client: close %s: %w", name, err)
	}

	c.log.Info("checkpoint pushed", "name", name, "tensors", len(tensors))
	return nil
}

// Close releases the connection.
func (c *CheckpointClient) Close() error {
	return c.conn.Close()
}
