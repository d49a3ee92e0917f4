package tbw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the worker client.
type Config struct {
	// BaseURL is the worker's HTTP API address, e.g. "http://localhost:8080".
	BaseURL string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// NC enables CacheViaNATS.
	NC *nats.Conn

	// SubjectPrefix is the prefix of the worker's NATS subjects.
	// Defaults to "tbw.worker".
	SubjectPrefix string

	// Timeout for requests. Defaults to 30s.
	Timeout time.Duration
}

// Client talks to one block worker.
type Client struct {
	baseURL string
	http    *http.Client
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a new worker client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" && cfg.NC == nil {
		return nil, fmt.Errorf("tbw: BaseURL or NC is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tbw.worker"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		nc:      cfg.NC,
		prefix:  prefix,
		timeout: timeout,
	}, nil
}

// Status is the worker's summary.
type Status struct {
	Status        string `json:"status"`
	WorkerID      int64  `json:"worker_id"`
	Uptime        string `json:"uptime"`
	Blocks        int    `json:"blocks"`
	CapacityBytes int64  `json:"capacity_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
}

// DirMeta is the capacity and usage of one storage dir. Locations are rendered as
// "tier/dir/medium".
type DirMeta struct {
	Location      string `json:"location"`
	Path          string `json:"path"`
	CapacityBytes int64  `json:"capacity_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
}

// StoreMeta describes the worker's block store. Block lists are only set when
// requested.
type StoreMeta struct {
	TierOrder            []string           `json:"tier_order"`
	CapacityBytes        int64              `json:"capacity_bytes"`
	UsedBytes            int64              `json:"used_bytes"`
	CapacityBytesOnTiers map[string]int64   `json:"capacity_bytes_on_tiers"`
	UsedBytesOnTiers     map[string]int64   `json:"used_bytes_on_tiers"`
	Dirs                 []DirMeta          `json:"dirs"`
	BlockList            map[string][]int64 `json:"block_list,omitempty"`
	BlockListByLocation  map[string][]int64 `json:"block_list_by_location,omitempty"`
	NumberOfBlocks       int                `json:"number_of_blocks"`
}

// BlockInfo describes a cached block.
type BlockInfo struct {
	BlockID     int64     `json:"block_id"`
	Size        int64     `json:"size"`
	Location    string    `json:"location"`
	Path        string    `json:"path"`
	Pinned      bool      `json:"pinned"`
	Locked      bool      `json:"locked"`
	CommittedAt time.Time `json:"committed_at"`
}

// UfsOptions tell the worker where a block lives in the under file system.
type UfsOptions struct {
	Path                  string `json:"ufs_path"`
	Offset                int64  `json:"offset"`
	BlockSize             int64  `json:"block_size"`
	MaxUfsReadConcurrency int    `json:"max_ufs_read_concurrency"`
	MountPoint            string `json:"mount_point"`
	// MountTableVersion 0 lets a cache request use the worker's current mount table.
	MountTableVersion int64 `json:"mount_table_version"`
}

// CacheRequest asks the worker to load a block from the under file system.
type CacheRequest struct {
	BlockID int64      `json:"block_id"`
	Options UfsOptions `json:"options"`
	Async   bool       `json:"async"`
	Pin     bool       `json:"pin"`
}

// Report lists block changes since the previous report, keyed by location.
type Report struct {
	AddedBlocks   map[string][]int64 `json:"added_blocks"`
	RemovedBlocks []int64            `json:"removed_blocks"`
}

// FileInfo is the master's view of a file.
type FileInfo struct {
	FileID            int64   `json:"file_id"`
	Path              string  `json:"path"`
	Length            int64   `json:"length"`
	BlockSizeBytes    int64   `json:"block_size_bytes"`
	BlockIDs          []int64 `json:"block_ids"`
	UfsPath           string  `json:"ufs_path"`
	MountPoint        string  `json:"mount_point"`
	MountTableVersion int64   `json:"mount_table_version"`
	Persisted         bool    `json:"persisted"`
	Pinned            bool    `json:"pinned"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StoreMeta returns capacity and usage, plus block lists when full is set.
func (c *Client) StoreMeta(ctx context.Context, full bool) (*StoreMeta, error) {
	path := "/v1/store/meta"
	if full {
		path += "?full=true"
	}
	var m StoreMeta
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) Block(ctx context.Context, blockID int64) (*BlockInfo, error) {
	var info BlockInfo
	if err := c.do(ctx, http.MethodGet, blockPath(blockID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReadBlock streams a block from offset. With opts the worker reads through to the
// under file system when the block is not cached. The caller closes the reader.
func (c *Client) ReadBlock(ctx context.Context, blockID, offset int64, opts *UfsOptions) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	if opts != nil {
		q.Set("ufs_path", opts.Path)
		q.Set("ufs_offset", strconv.FormatInt(opts.Offset, 10))
		q.Set("block_size", strconv.FormatInt(opts.BlockSize, 10))
		q.Set("max_ufs_read_concurrency", strconv.Itoa(opts.MaxUfsReadConcurrency))
		q.Set("mount_table_version", strconv.FormatInt(opts.MountTableVersion, 10))
		if opts.MountPoint != "" {
			q.Set("mount_point", opts.MountPoint)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+blockPath(blockID)+"/data?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tbw: reading block %d: %w", blockID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func (c *Client) RemoveBlock(ctx context.Context, blockID int64) error {
	return c.do(ctx, http.MethodDelete, blockPath(blockID), nil, nil)
}

// MoveBlock moves a block to a tier, or to any dir of a medium when tier is empty.
func (c *Client) MoveBlock(ctx context.Context, blockID int64, tier, medium string) (*BlockInfo, error) {
	body := map[string]string{"tier": tier, "medium": medium}
	var info BlockInfo
	if err := c.do(ctx, http.MethodPost, blockPath(blockID)+"/move", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdatePins replaces the worker's pin list.
func (c *Client) UpdatePins(ctx context.Context, blockIDs []int64) error {
	if blockIDs == nil {
		blockIDs = []int64{}
	}
	return c.do(ctx, http.MethodPut, "/v1/pins", map[string][]int64{"block_ids": blockIDs}, nil)
}

// Cache loads a block from the under file system. Asynchronous requests return once
// queued.
func (c *Client) Cache(ctx context.Context, req CacheRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/cache", req, nil)
}

func (c *Client) FileInfo(ctx context.Context, fileID int64) (*FileInfo, error) {
	var info FileInfo
	if err := c.do(ctx, http.MethodGet, "/v1/files/"+strconv.FormatInt(fileID, 10), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Configuration returns the worker's settings as dotted keys.
func (c *Client) Configuration(ctx context.Context) (map[string]string, error) {
	var cfg map[string]string
	if err := c.do(ctx, http.MethodGet, "/v1/configuration", nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) WhiteList(ctx context.Context) ([]string, error) {
	var resp struct {
		WhiteList []string `json:"whitelist"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/whitelist", nil, &resp); err != nil {
		return nil, err
	}
	return resp.WhiteList, nil
}

func (c *Client) ClearMetrics(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/metrics/clear", nil, nil)
}

// Report drains the worker's pending block report. Drained changes are not sent to
// the master.
func (c *Client) Report(ctx context.Context) (*Report, error) {
	var r Report
	if err := c.do(ctx, http.MethodPost, "/v1/report", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CacheViaNATS sends a cache request over NATS instead of HTTP.
func (c *Client) CacheViaNATS(ctx context.Context, req CacheRequest) error {
	if c.nc == nil {
		return fmt.Errorf("tbw: NC (NATS connection) is required")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.prefix+".cache", data)
	if err != nil {
		return fmt.Errorf("tbw: cache request: %w", err)
	}
	var result struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return fmt.Errorf("tbw: decoding cache response: %w", err)
	}
	if result.Error != "" {
		return fmt.Errorf("tbw: worker: %s", result.Error)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("tbw: BaseURL is required")
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tbw: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tbw: decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

func blockPath(blockID int64) string {
	return "/v1/blocks/" + strconv.FormatInt(blockID, 10)
}
