package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/sho7650/media-offline/internal/app"
	"github.com/sho7650/media-offline/internal/cache"
	"github.com/sho7650/media-offline/internal/config"
	"github.com/sho7650/media-offline/internal/core"
	"github.com/sho7650/media-offline/internal/logging"
	"github.com/sho7650/media-offline/internal/offline"
	"github.com/sho7650/media-offline/internal/storage"
)

const version = "1.0.0"

func main() {
	global := flag.NewFlagSet("media-offline", flag.ExitOnError)
	configPath := global.String("config", os.Getenv("MEDIA_OFFLINE_CONFIG"), "path to the YAML configuration")
	global.Usage = printUsage
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "migrate":
		err = runMigrate(ctx, *configPath)
	case "offline":
		err = runOffline(ctx, *configPath, args[1:])
	case "cache":
		err = runCache(ctx, *configPath, args[1:])
	case "version":
		fmt.Printf("media-offline version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("media-offline - offline media and streaming cache management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  media-offline [-config file] migrate                  - Create or upgrade both databases")
	fmt.Println("  media-offline [-config file] offline add <manifest>   - Take the products of a manifest offline")
	fmt.Println("  media-offline [-config file] offline list [-state s]  - List offline items")
	fmt.Println("  media-offline [-config file] offline delete <type> <id>")
	fmt.Println("  media-offline [-config file] offline delete-all")
	fmt.Println("  media-offline [-config file] cache stats               - Show cache entries and size")
	fmt.Println("  media-offline [-config file] cache prune [bytes]       - Prune the cache to a budget")
	fmt.Println("  media-offline [-config file] cache heal                - Repair the cache against its files")
	fmt.Println("  media-offline [-config file] cache fetch <key=url>...  - Load URLs through the cache")
	fmt.Println("  media-offline version")
}

func setup(ctx context.Context, configPath string) (*config.Config, error) {
	return app.LoadConfig(ctx, config.NewConfigManager(logging.Discard()), configPath, false)
}

func openApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := setup(ctx, configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logger)
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := setup(ctx, configPath)
	if err != nil {
		return err
	}

	stores := []struct {
		component  string
		path       string
		migrations []storage.Migration
	}{
		{"offline", cfg.Storage.OfflineDB, storage.OfflineMigrations()},
		{"cache", cfg.Storage.CacheDB, cache.Migrations()},
	}

	for _, store := range stores {
		db, err := storage.Open(ctx, store.path)
		if err != nil {
			return err
		}

		manager := storage.NewMigrationManager(db, store.component)
		err = manager.Migrate(ctx, store.migrations)
		if err == nil {
			var current int
			current, err = manager.GetCurrentVersion(ctx)
			fmt.Printf("%s: %s at schema version %d\n", store.component, store.path, current)
		}
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("failed to migrate %s database: %w", store.component, err)
		}
	}
	return nil
}

func runOffline(ctx context.Context, configPath string, args []string) error {
	if len(args) == 0 {
		return errors.New("offline requires a subcommand: add, list, delete, delete-all")
	}

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	switch args[0] {
	case "add":
		if len(args) != 2 {
			return errors.New("usage: offline add <manifest>")
		}
		return offlineAdd(ctx, a, args[1])
	case "list":
		return offlineList(ctx, a, args[1:])
	case "delete":
		if len(args) != 3 {
			return errors.New("usage: offline delete <type> <id>")
		}
		product := core.MediaProduct{Type: core.ProductType(args[1]), ID: args[2]}
		if err := a.Engine.Delete(ctx, product); err != nil {
			return err
		}
		a.Engine.Wait()
		fmt.Printf("Deleted %s\n", product)
		return nil
	case "delete-all":
		if err := a.Engine.DeleteAll(ctx); err != nil {
			return err
		}
		a.Engine.Wait()
		fmt.Println("Deleted all offline media")
		return nil
	default:
		return fmt.Errorf("unknown offline subcommand: %s", args[0])
	}
}

func offlineAdd(ctx context.Context, a *app.App, manifest string) error {
	products, err := core.LoadManifest(manifest)
	if err != nil {
		return err
	}

	var failed []string
	sub := a.Engine.AddListener(&offline.ListenerFuncs{
		Started: func(p core.MediaProduct) { fmt.Printf("Started   %s\n", p) },
		Completed: func(p core.MediaProduct) {
			fmt.Printf("Completed %s\n", p)
		},
		Failed: func(p core.MediaProduct, err error) {
			fmt.Printf("Failed    %s: %v\n", p, err)
			failed = append(failed, p.Key())
		},
	})
	defer sub.Unsubscribe()

	for _, product := range products {
		if err := a.Engine.Start(ctx, product); err != nil && !errors.Is(err, offline.ErrAlreadyInProgress) {
			return err
		}
	}

	// Interrupts cancel the jobs and keep their checkpoints
	go func() {
		<-ctx.Done()
		for _, product := range products {
			a.Engine.Cancel(product)
		}
	}()
	a.Engine.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d products did not complete: %s", len(failed), len(products), strings.Join(failed, ", "))
	}
	return nil
}

func offlineList(ctx context.Context, a *app.App, args []string) error {
	flags := flag.NewFlagSet("offline list", flag.ContinueOnError)
	state := flags.String("state", "", "only items in this state")
	productType := flags.String("type", "", "only items of this product type")
	requestedOnly := flags.Bool("requested", false, "only explicitly requested items")
	if err := flags.Parse(args); err != nil {
		return err
	}

	query := storage.ItemQuery{ProductType: *productType, State: storage.ItemState(*state)}
	if *requestedOnly {
		query.Requested = requestedOnly
	}
	items, err := a.Offline.ListItems(ctx, query)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tID\tSTATE\tPROGRESS\tREQUESTED\tPATH")
	for _, item := range items {
		progress := "-"
		if item.SizeBytes > 0 {
			progress = fmt.Sprintf("%d/%d", item.DownloadedBytes, item.SizeBytes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			item.ProductType, item.ProductID, item.State, progress, item.Requested, item.LocalPath)
	}
	return w.Flush()
}

func runCache(ctx context.Context, configPath string, args []string) error {
	if len(args) == 0 {
		return errors.New("cache requires a subcommand: stats, prune, heal, fetch")
	}

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	switch args[0] {
	case "stats":
		entries, err := a.Cache.GetAll(ctx)
		if err != nil {
			return err
		}
		total, err := a.Cache.TotalSize(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Entries: %d\nSize:    %d bytes\nBudget:  %d bytes\n", len(entries), total, a.Stream.MaxSize())
		return nil
	case "prune":
		maxSize := a.Stream.MaxSize()
		if len(args) > 1 {
			maxSize, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid byte budget %q: %w", args[1], err)
			}
		}
		evicted, err := a.Cache.PruneToSize(ctx, maxSize)
		if err != nil {
			return err
		}
		for _, entry := range evicted {
			fmt.Printf("Evicted %s (%d bytes)\n", entry.Key, entry.Size)
		}
		fmt.Printf("Evicted %d entries\n", len(evicted))
		return nil
	case "heal":
		repaired, err := a.Cache.Heal(ctx)
		if err != nil {
			return err
		}
		for _, c := range repaired {
			fmt.Println(c.Error())
		}
		fmt.Printf("Repaired %d problems\n", len(repaired))
		return nil
	case "fetch":
		return cacheFetch(ctx, a, args[1:])
	default:
		return fmt.Errorf("unknown cache subcommand: %s", args[0])
	}
}

// fetchRequest is one key=url argument of cache fetch
type fetchRequest struct {
	key string
	url string
	typ cache.EntryType
}

// parseFetchArgs validates every key=url pair up front
func parseFetchArgs(pairs []string) ([]fetchRequest, error) {
	if len(pairs) == 0 {
		return nil, errors.New("usage: cache fetch <key=url>...")
	}

	requests := make([]fetchRequest, 0, len(pairs))
	for _, pair := range pairs {
		key, url, ok := strings.Cut(pair, "=")
		if !ok || key == "" || url == "" {
			return nil, fmt.Errorf("invalid fetch argument %q, want key=url", pair)
		}

		typ := cache.EntryTypeRaw
		if strings.HasSuffix(url, ".m3u8") || strings.HasSuffix(url, ".ts") {
			typ = cache.EntryTypeHLS
		}
		requests = append(requests, fetchRequest{key: key, url: url, typ: typ})
	}
	return requests, nil
}

// cacheFetch loads key=url pairs through the read-through cache in
// parallel. Nothing is fetched unless every pair is well formed.
func cacheFetch(ctx context.Context, a *app.App, pairs []string) error {
	requests, err := parseFetchArgs(pairs)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.Config().Download.Workers)
	for _, req := range requests {
		g.Go(func() error {
			rc, entry, err := a.Stream.Fetch(ctx, req.key, req.typ, req.url)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", req.key, err)
			}
			_ = rc.Close()
			fmt.Printf("Cached %s (%d bytes)\n", entry.Key, entry.Size)
			return nil
		})
	}
	return g.Wait()
}
