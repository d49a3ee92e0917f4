// Package tbw is a Go client for the tiered block worker.
//
// The worker exposes an HTTP admin API and, when enabled, a NATS subject that accepts
// cache requests. [Client] wraps both.
//
// # Basic Usage
//
//	client, _ := tbw.New(tbw.Config{BaseURL: "http://localhost:8080"})
//
//	// Inspect the store
//	meta, _ := client.StoreMeta(ctx, true)
//	fmt.Println(meta.UsedBytesOnTiers["MEM"])
//
//	// Load a block from the under file system
//	err := client.Cache(ctx, tbw.CacheRequest{
//		BlockID: 42,
//		Options: tbw.UfsOptions{Path: "/mnt/data/part-0", BlockSize: 64 << 20},
//	})
//
//	// Stream a block, falling back to the under file system when not cached
//	r, _ := client.ReadBlock(ctx, 42, 0, nil)
//	io.Copy(dst, r)
//
// # NATS
//
// With [Config.NC] set, [Client.CacheViaNATS] publishes the same request to
// {prefix}.cache. The prefix defaults to "tbw.worker".
//
// # Errors
//
// Failed HTTP calls return an [*APIError]. It matches [ErrNotFound],
// [ErrAlreadyExists], [ErrOutOfSpace], [ErrTimeout] and [ErrOverloaded] with
// errors.Is.
package tbw
