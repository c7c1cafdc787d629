// Command famctl is the administrative client for a running famd: it
// dials the target server's reqresp listen address and drives the
// supplemented admin operations (list_regions, list_memoryservers,
// reset_bitmap, update_memoryserver) as ordinary RPCs, the same way any
// other caller reaches famd's §6 surface. It never touches famd's bbolt
// file directly, since the memory server roster these commands inspect
// or change lives only in the running process's placement.Engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/openfam/openfam/internal/transport"
	"github.com/openfam/openfam/internal/transport/reqresp"
	"github.com/openfam/openfam/internal/wire"
)

const defaultTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "list-regions":
		err = runListRegions(os.Args[2:])
	case "list-memoryservers":
		err = runListMemoryServers(os.Args[2:])
	case "reset-bitmap":
		err = runResetBitmap(os.Args[2:])
	case "update-memoryserver":
		err = runUpdateMemoryServer(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "famctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: famctl <command> -addr <multiaddr/p2p/id> [args...]

commands:
  list-regions -addr ADDR
  list-memoryservers -addr ADDR
  reset-bitmap -addr ADDR -region-id N
  update-memoryserver -addr ADDR -persistent 1,2,3 -volatile 4,5 [-span-enabled] [-span-size N]`)
}

// dial brings up a client-only reqresp transport (no listen addresses
// of its own) and returns it alongside a teardown that stops the
// transport.
func dial() (*reqresp.Transport, func(), error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tr := reqresp.New(log, []multiaddr.Multiaddr{})
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		return nil, nil, err
	}
	return tr, func() { _ = tr.Stop(context.Background()) }, nil
}

func call(tr transport.Transport, target, method string, req, resp any) error {
	payload, err := wire.EncodePayload(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	respPayload, err := tr.Call(ctx, target, method, payload)
	if err != nil {
		return err
	}
	return wire.DecodePayload(respPayload, resp)
}

func runListRegions(args []string) error {
	fs := flag.NewFlagSet("list-regions", flag.ExitOnError)
	addr := fs.String("addr", "", "target famd peer address (multiaddr with /p2p/<id>)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}

	tr, closeFn, err := dial()
	if err != nil {
		return err
	}
	defer closeFn()

	var resp wire.ListRegionsResponse
	if err := call(tr, *addr, wire.MethodListRegions, wire.ListRegionsRequest{}, &resp); err != nil {
		return err
	}
	if err := resp.Status.Err(); err != nil {
		return err
	}
	for _, r := range resp.Regions {
		fmt.Printf("%d\t%s\tsize=%d\tperm=%o\tuid=%d\tgid=%d\tmemtype=%s\tservers=%v\n",
			r.RegionID, r.Name, r.Size, r.Perm, r.UID, r.GID, r.MemoryType, r.MemServerIDs)
	}
	return nil
}

func runListMemoryServers(args []string) error {
	fs := flag.NewFlagSet("list-memoryservers", flag.ExitOnError)
	addr := fs.String("addr", "", "target famd peer address (multiaddr with /p2p/<id>)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}

	tr, closeFn, err := dial()
	if err != nil {
		return err
	}
	defer closeFn()

	var resp wire.ListMemoryServersResponse
	if err := call(tr, *addr, wire.MethodListMemoryServers, wire.ListMemoryServersRequest{}, &resp); err != nil {
		return err
	}
	if err := resp.Status.Err(); err != nil {
		return err
	}
	fmt.Println("persistent:", resp.Persistent)
	fmt.Println("volatile:", resp.Volatile)
	return nil
}

func runResetBitmap(args []string) error {
	fs := flag.NewFlagSet("reset-bitmap", flag.ExitOnError)
	addr := fs.String("addr", "", "target famd peer address (multiaddr with /p2p/<id>)")
	regionID := fs.Uint64("region-id", 0, "regionId to release back to the bitmap pool")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}
	if *regionID == 0 {
		return fmt.Errorf("-region-id is required")
	}

	tr, closeFn, err := dial()
	if err != nil {
		return err
	}
	defer closeFn()

	var resp wire.ResetBitmapResponse
	if err := call(tr, *addr, wire.MethodResetBitmap, wire.ResetBitmapRequest{RegionID: *regionID}, &resp); err != nil {
		return err
	}
	return resp.Status.Err()
}

func runUpdateMemoryServer(args []string) error {
	fs := flag.NewFlagSet("update-memoryserver", flag.ExitOnError)
	addr := fs.String("addr", "", "target famd peer address (multiaddr with /p2p/<id>)")
	persistent := fs.String("persistent", "", "comma-separated persistent server ids")
	volatileFlag := fs.String("volatile", "", "comma-separated volatile server ids")
	spanEnabled := fs.Bool("span-enabled", false, "enable region spanning across servers")
	spanSize := fs.Uint64("span-size", 0, "bytes per server before spanning kicks in")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}

	persistentIDs, err := parseIDList(*persistent)
	if err != nil {
		return err
	}
	volatileIDs, err := parseIDList(*volatileFlag)
	if err != nil {
		return err
	}

	tr, closeFn, err := dial()
	if err != nil {
		return err
	}
	defer closeFn()

	req := wire.UpdateMemoryServerRequest{
		PersistentIDs:     persistentIDs,
		VolatileIDs:       volatileIDs,
		SpanEnabled:       *spanEnabled,
		SpanSizePerServer: *spanSize,
	}
	var resp wire.UpdateMemoryServerResponse
	if err := call(tr, *addr, wire.MethodUpdateMemoryServer, req, &resp); err != nil {
		return err
	}
	if err := resp.Status.Err(); err != nil {
		return err
	}
	fmt.Println("memory server roster updated")
	return nil
}

func parseIDList(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid server id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
