package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/allocator"
	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/evictor"
	"github.com/gftdcojp/tiered-block-worker/internal/master"
	"github.com/gftdcojp/tiered-block-worker/internal/store"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
	"github.com/gftdcojp/tiered-block-worker/internal/ufs"
	"github.com/gftdcojp/tiered-block-worker/internal/worker"
	"go.uber.org/zap"
)

type testSetup struct {
	worker *worker.BlockWorker
	ufs    *ufs.MemoryUFS
	srv    *httptest.Server
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	root := t.TempDir()
	settings := config.DefaultConfig()
	settings.TieredStore.Levels = []config.LevelConfig{
		{Alias: "MEM", Dirs: []config.DirConfig{{Path: filepath.Join(root, "mem"), MediumType: "MEM", Quota: 1000}}},
		{Alias: "SSD", Dirs: []config.DirConfig{{Path: filepath.Join(root, "ssd"), MediumType: "SSD", Quota: 1000}}},
	}

	topo, err := tier.NewTopology(settings.TieredStore.Levels)
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.New(context.Background(), store.Config{
		Topology:    topo,
		Allocator:   allocator.NewGreedy(topo),
		Evictor:     evictor.New(topo, evictor.NewLRUPolicy(), zap.NewNop()),
		LockTimeout: 200 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	mem := ufs.NewMemoryUFS()
	mounts := ufs.NewManager(zap.NewNop())
	mounts.Mount("/mnt", mem)

	w := worker.New(worker.Config{
		Store:    s,
		UFS:      ufs.NewBlockStore(mounts, zap.NewNop()),
		Settings: settings,
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() { w.Close() })

	srv := httptest.NewServer(NewHandler(w, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &testSetup{worker: w, ufs: mem, srv: srv}
}

func (ts *testSetup) writeBlock(t *testing.T, blockID int64, data []byte) {
	t.Helper()
	ctx := context.Background()
	if _, err := ts.worker.CreateBlock(ctx, 1, blockID, 0, "", int64(len(data))); err != nil {
		t.Fatal(err)
	}
	bw, err := ts.worker.CreateBlockWriter(1, blockID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bw.Append(data); err != nil {
		t.Fatal(err)
	}
	bw.Close()
	if err := ts.worker.CommitBlock(ctx, 1, blockID, false); err != nil {
		t.Fatal(err)
	}
}

func (ts *testSetup) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHandler_Status(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 1, []byte("hello"))

	resp, body := ts.do(t, "GET", "/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status map[string]interface{}
	json.Unmarshal(body, &status)
	if status["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", status["status"])
	}
	if status["blocks"] != float64(1) || status["used_bytes"] != float64(5) {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestHandler_StoreMeta(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 1, []byte("hello"))

	_, body := ts.do(t, "GET", "/v1/store/meta", nil)
	var sm types.BlockStoreMeta
	if err := json.Unmarshal(body, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.CapacityBytes != 2000 || sm.UsedBytesOnTiers["MEM"] != 5 {
		t.Fatalf("unexpected meta: %+v", sm)
	}
	if sm.BlockList != nil {
		t.Fatal("block list returned without full=true")
	}

	_, body = ts.do(t, "GET", "/v1/store/meta?full=true", nil)
	var full types.BlockStoreMeta
	if err := json.Unmarshal(body, &full); err != nil {
		t.Fatal(err)
	}
	if got := full.BlockList["MEM"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected block 1 in MEM, got %v", full.BlockList)
	}
	if len(full.BlockListByLocation[types.NewLocation("MEM", 0, "MEM")]) != 1 {
		t.Fatalf("block list by location: %v", full.BlockListByLocation)
	}
}

func TestHandler_GetBlock(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 7, []byte("payload"))

	resp, body := ts.do(t, "GET", "/v1/blocks/7", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var info worker.BlockInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}
	if info.Size != 7 || info.Location.TierAlias != "MEM" {
		t.Fatalf("unexpected info: %+v", info)
	}

	resp, _ = ts.do(t, "GET", "/v1/blocks/8", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown block, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "GET", "/v1/blocks/abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid block ID, got %d", resp.StatusCode)
	}
}

func TestHandler_ReadBlock(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 3, []byte("0123456789"))

	resp, body := ts.do(t, "GET", "/v1/blocks/3/data?offset=4", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if string(body) != "456789" {
		t.Fatalf("got %q", body)
	}

	ts.ufs.Put("/file", []byte("abcdefghij"))
	resp, body = ts.do(t, "GET", "/v1/blocks/4/data?ufs_path=/mnt/file&ufs_offset=5&block_size=5&mount_table_version=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from ufs, got %d: %s", resp.StatusCode, body)
	}
	if string(body) != "fghij" {
		t.Fatalf("got %q", body)
	}

	resp, _ = ts.do(t, "GET", "/v1/blocks/5/data", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without ufs path, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "GET", "/v1/blocks/3/data?offset=11", nil)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for offset past the end, got %d", resp.StatusCode)
	}
}

func TestHandler_RemoveAndMove(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 1, []byte("aaaa"))
	ts.writeBlock(t, 2, []byte("bbbb"))

	resp, body := ts.do(t, "POST", "/v1/blocks/1/move", moveRequest{Tier: "SSD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move: %d %s", resp.StatusCode, body)
	}
	var info worker.BlockInfo
	json.Unmarshal(body, &info)
	if info.Location.TierAlias != "SSD" {
		t.Fatalf("block moved to %s", info.Location)
	}

	resp, _ = ts.do(t, "POST", "/v1/blocks/2/move", moveRequest{Medium: "SSD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move by medium: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "POST", "/v1/blocks/2/move", moveRequest{Tier: "NVME"})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for unknown tier, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "POST", "/v1/blocks/2/move", moveRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without destination, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, "DELETE", "/v1/blocks/1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove: %d", resp.StatusCode)
	}
	if ts.worker.HasBlockMeta(1) {
		t.Fatal("block 1 still present")
	}
	resp, _ = ts.do(t, "DELETE", "/v1/blocks/1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 removing twice, got %d", resp.StatusCode)
	}
}

func TestHandler_RemoveBusyBlock(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 1, []byte("aaaa"))

	r, err := ts.worker.CreateBlockReader(context.Background(), 9, 1, 0, false, types.OpenUfsBlockOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	resp, _ := ts.do(t, "DELETE", "/v1/blocks/1", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 while a reader holds the block, got %d", resp.StatusCode)
	}
}

func TestHandler_Pins(t *testing.T) {
	ts := newTestSetup(t)
	resp, body := ts.do(t, "PUT", "/v1/pins", pinsRequest{BlockIDs: []int64{4, 5}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pins: %d %s", resp.StatusCode, body)
	}
	ts.writeBlock(t, 4, []byte("x"))
	_, body = ts.do(t, "GET", "/v1/blocks/4", nil)
	var info worker.BlockInfo
	json.Unmarshal(body, &info)
	if !info.Pinned {
		t.Fatal("block 4 should be pinned")
	}
}

func TestHandler_Cache(t *testing.T) {
	ts := newTestSetup(t)
	ts.ufs.Put("/data", []byte("0123456789"))

	req := worker.CacheRequest{
		BlockID: 11,
		Options: types.OpenUfsBlockOptions{UnderFileSystemPath: "/mnt/data", BlockSize: 10, MountTableVersion: 1},
	}
	resp, body := ts.do(t, "POST", "/v1/cache", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache: %d %s", resp.StatusCode, body)
	}
	if !ts.worker.HasBlockMeta(11) {
		t.Fatal("block 11 not cached")
	}

	legacy := asyncCacheRequest{
		BlockID:             12,
		OpenUfsBlockOptions: types.OpenUfsBlockOptions{UnderFileSystemPath: "/mnt/data", Offset: 5, BlockSize: 5, MountTableVersion: 1},
	}
	resp, _ = ts.do(t, "POST", "/v1/async-cache", legacy)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !ts.worker.HasBlockMeta(12) {
		if time.Now().After(deadline) {
			t.Fatal("block 12 not cached asynchronously")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ = ts.do(t, "POST", "/v1/cache", worker.CacheRequest{BlockID: 13})
	if resp.StatusCode == http.StatusOK {
		t.Fatal("cache without ufs path should fail")
	}
}

func TestHandler_FileInfoWithoutMaster(t *testing.T) {
	ts := newTestSetup(t)
	resp, _ := ts.do(t, "GET", "/v1/files/1", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 in standalone mode, got %d", resp.StatusCode)
	}
}

func TestHandler_ConfigurationAndWhiteList(t *testing.T) {
	ts := newTestSetup(t)

	_, body := ts.do(t, "GET", "/v1/configuration", nil)
	var cfg map[string]string
	if err := json.Unmarshal(body, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["api.listen"] != ":8080" {
		t.Fatalf("api.listen = %q", cfg["api.listen"])
	}

	_, body = ts.do(t, "GET", "/v1/whitelist", nil)
	var wl map[string][]string
	json.Unmarshal(body, &wl)
	if len(wl["whitelist"]) != 1 || wl["whitelist"][0] != "/" {
		t.Fatalf("whitelist = %v", wl)
	}

	resp, _ := ts.do(t, "POST", "/v1/metrics/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear metrics: %d", resp.StatusCode)
	}
}

func TestHandler_Report(t *testing.T) {
	ts := newTestSetup(t)
	ts.writeBlock(t, 1, []byte("a"))
	ts.writeBlock(t, 2, []byte("b"))
	ts.worker.RemoveBlock(context.Background(), 1, 2)

	_, body := ts.do(t, "POST", "/v1/report", nil)
	var report types.BlockHeartbeatReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if len(report.RemovedBlocks) != 1 || report.RemovedBlocks[0] != 2 {
		t.Fatalf("removed = %v", report.RemovedBlocks)
	}
	if got := report.AddedBlocks[types.NewLocation("MEM", 0, "MEM")]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("added = %v", report.AddedBlocks)
	}

	_, body = ts.do(t, "POST", "/v1/report", nil)
	report = types.BlockHeartbeatReport{}
	json.Unmarshal(body, &report)
	if !report.IsEmpty() {
		t.Fatalf("second report should be empty: %+v", report)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", types.ErrBlockAlreadyExists), http.StatusConflict},
		{types.ErrBlockDoesNotExist, http.StatusNotFound},
		{types.ErrStaleMountTable, http.StatusPreconditionFailed},
		{types.ErrWorkerOutOfSpace, http.StatusInsufficientStorage},
		{types.ErrDeadlineExceeded, http.StatusGatewayTimeout},
		{types.IOFailure("read", errors.New("disk")), http.StatusBadGateway},
		{types.ErrUfsReadConcurrency, http.StatusTooManyRequests},
		{master.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestHandler_InvalidBody(t *testing.T) {
	ts := newTestSetup(t)
	for _, path := range []string{"/v1/cache", "/v1/async-cache"} {
		resp, err := http.Post(ts.srv.URL+path, "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
}
