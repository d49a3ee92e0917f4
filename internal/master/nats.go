package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects under the configured prefix.
const (
	SubjectRegister  = "register"
	SubjectHeartbeat = "heartbeat"
	SubjectCommit    = "commit"
	SubjectCommitUfs = "commit_ufs"
	SubjectFileInfo  = "file_info"
)

// Envelope is the reply format of every master subject. A non-empty Error means the
// request failed on the master.
type Envelope struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RemoteError is a failure reported by the master rather than the transport.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("master %s: %s", e.Subject, e.Message)
}

// NATSClient talks to the masters with JSON request/reply over NATS.
type NATSClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

func NewNATSClient(nc *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *NATSClient {
	if prefix == "" {
		prefix = "tbw.master"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClient{nc: nc, prefix: prefix, timeout: timeout, logger: logger.Named("master")}
}

func (c *NATSClient) subject(name string) string {
	return c.prefix + "." + name
}

// call sends req to subject and decodes the reply's data into resp when resp is not nil.
func (c *NATSClient) call(ctx context.Context, name string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.subject(name), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("master %s: %w: %w", name, ErrUnavailable, err)
		}
		return fmt.Errorf("master %s: %w", name, err)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("decoding %s reply: %w", name, err)
	}
	if env.Error != "" {
		return &RemoteError{Subject: name, Message: env.Error}
	}
	if resp == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, resp); err != nil {
		return fmt.Errorf("decoding %s reply data: %w", name, err)
	}
	return nil
}

func (c *NATSClient) RegisterWorker(ctx context.Context, req RegisterRequest) (int64, error) {
	var resp struct {
		WorkerID int64 `json:"worker_id"`
	}
	if err := c.call(ctx, SubjectRegister, req, &resp); err != nil {
		return 0, err
	}
	c.logger.Info("worker registered", zap.Int64("worker_id", resp.WorkerID), zap.String("hostname", req.Hostname))
	return resp.WorkerID, nil
}

func (c *NATSClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.call(ctx, SubjectHeartbeat, req, &resp)
	return resp, err
}

func (c *NATSClient) CommitBlock(ctx context.Context, req CommitBlockRequest) error {
	return c.call(ctx, SubjectCommit, req, nil)
}

func (c *NATSClient) CommitBlockInUfs(ctx context.Context, blockID, length int64) error {
	req := struct {
		BlockID int64 `json:"block_id"`
		Length  int64 `json:"length"`
	}{blockID, length}
	return c.call(ctx, SubjectCommitUfs, req, nil)
}

func (c *NATSClient) GetFileInfo(ctx context.Context, fileID int64) (FileInfo, error) {
	req := struct {
		FileID int64 `json:"file_id"`
	}{fileID}
	var info FileInfo
	err := c.call(ctx, SubjectFileInfo, req, &info)
	return info, err
}
