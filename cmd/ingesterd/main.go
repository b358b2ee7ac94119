package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesense/mesh-ingester/pkg/backend"
	"github.com/wesense/mesh-ingester/pkg/broker"
	"github.com/wesense/mesh-ingester/pkg/cache"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/identity"
	"github.com/wesense/mesh-ingester/pkg/ids"
	"github.com/wesense/mesh-ingester/pkg/ingest"
	"github.com/wesense/mesh-ingester/pkg/mesh"
	"github.com/wesense/mesh-ingester/pkg/observability/logging"
	"github.com/wesense/mesh-ingester/pkg/registry"
	"github.com/wesense/mesh-ingester/pkg/signing"
	"github.com/wesense/mesh-ingester/pkg/trust"
)

const (
	ingesterDir   = ".wesense-ingester"
	trustFileName = "trust_list.json"

	registerTimeout = 30 * time.Second
)

// readingColumns is the insert column order for the sensor_readings table.
var readingColumns = []string{
	"reading_id", "device_id", "timestamp", "reading_type", "value",
	"geo_country", "geo_subdivision", "ingester_id",
}

func main() {
	base, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to retrieve user home dir: %v", err)
	}
	defaultRootDir := filepath.Join(base, ingesterDir)

	rootCmd := &cobra.Command{Use: "ingesterd"}
	rootCmd.PersistentFlags().String("dir", defaultRootDir, "Directory where ingester state is persisted")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start an ingestion node",
		Run:   runNode,
	}

	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Print this node's identity",
		Run:   runIdentity,
	}

	trustCmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage the local trust store",
	}
	trustListCmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted ingester keys",
		Run:   runTrustList,
	}
	trustAddCmd := &cobra.Command{
		Use:   "add [ingester-id] [public-key-b64] [key-version]",
		Short: "Trust an ingester public key",
		Args:  cobra.ExactArgs(3),
		Run:   runTrustAdd,
	}
	trustRevokeCmd := &cobra.Command{
		Use:   "revoke [ingester-id] [key-version]",
		Short: "Revoke a trusted key version",
		Args:  cobra.ExactArgs(2),
		Run:   runTrustRevoke,
	}
	trustRevokeCmd.Flags().String("reason", "", "Reason recorded against the revocation")

	trustCmd.AddCommand(trustListCmd, trustAddCmd, trustRevokeCmd)
	rootCmd.AddCommand(runCmd, identityCmd, trustCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

// setup loads config and initializes logging; shared by every subcommand.
func setup(cmd *cobra.Command) (*config.Config, string) {
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load(dir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	level := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	logging.Init(level)

	if cfg.Keys.Dir == "" {
		cfg.Keys.Dir = filepath.Join(dir, "keys")
	}
	return cfg, dir
}

func loadKeys(cfg *config.Config) *identity.Manager {
	km := identity.NewManager(cfg.Keys)
	if err := km.LoadOrGenerate(); err != nil {
		zap.S().Fatalw("failed to load keys", "err", err)
	}
	return km
}

func runNode(cmd *cobra.Command, args []string) {
	cfg, dir := setup(cmd)
	defer zap.S().Sync() //nolint:errcheck
	logger := zap.S()

	km := loadKeys(cfg)
	store := trust.NewStore(filepath.Join(dir, trustFileName))
	logger.Infow("starting ingester", "nodeID", km.NodeID(), "keyVersion", km.KeyVersion())

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	var reg *registry.Client
	if cfg.Registry.Enabled {
		reg = registry.NewClient(cfg.Registry, store)

		regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		if err := reg.Register(regCtx, km.NodeID(), km.PublicKey(), km.KeyVersion(), nil); err != nil {
			logger.Warnw("registry registration failed", "err", err)
		}
		cancel()

		reg.StartSync()
		defer reg.Stop()

		// Nodes with no statically configured routers learn their mesh
		// endpoints from the registry.
		if cfg.Mesh.Enabled && len(cfg.Mesh.Routers) == 0 && cfg.Mesh.Mode != config.MeshModeListener {
			discCtx, cancel := context.WithTimeout(ctx, registerTimeout)
			peers, err := reg.DiscoverPeers(discCtx, map[string]struct{}{km.NodeID(): {}})
			cancel()
			if err != nil {
				logger.Warnw("peer discovery failed", "err", err)
			} else {
				cfg.Mesh.Routers = peers
				logger.Infow("discovered mesh peers", "count", len(peers))
			}
		}
	}

	// The backend is optional: without ClickHouse the node still verifies
	// and republishes, and distributed queries answer with an explanatory
	// error.
	var (
		reader *backend.Reader
		writer *backend.BufferedWriter
	)
	if conn, err := backend.Open(cfg.ClickHouse); err != nil {
		logger.Warnw("clickhouse unavailable, running without backend", "err", err)
	} else {
		writer = backend.NewBufferedWriter(backend.NewInserter(conn), cfg.ClickHouse.QualifiedTable(), readingColumns, backend.WriterOptions{})
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warnw("final flush failed", "err", err)
			}
		}()

		reader, err = backend.NewReader(cfg.ClickHouse)
		if err != nil {
			logger.Warnw("clickhouse reader unavailable", "err", err)
		} else {
			defer reader.Close() //nolint:errcheck
		}
	}

	var hub *broker.Publisher
	if cfg.Broker.Enabled {
		hub = broker.NewPublisher(cfg.Broker)
		if err := hub.Connect(); err != nil {
			logger.Warnw("mqtt hub unavailable", "err", err)
		}
		defer hub.Close()
	}

	dedup := cache.NewDedup(cfg.Dedup)
	factory := func() (mesh.Session, error) { return mesh.OpenSession(cfg.Mesh) }

	sub, err := ingest.NewSubscriber(cfg.Mesh, factory, store, onReading(km, dedup, writer, hub), ingest.SubscriberOptions{})
	if err != nil {
		logger.Fatal(err)
	}
	if err := sub.Connect(); err != nil {
		logger.Fatalw("failed to connect subscriber", "err", err)
	}
	defer sub.Close()

	if cfg.Mesh.Enabled {
		if err := sub.Subscribe(cfg.Mesh.SubscribeKeyExpr()); err != nil {
			logger.Fatalw("failed to subscribe", "err", err)
		}
	}

	var meshReader ingest.Reader
	if reader != nil {
		meshReader = reader
	}
	queryable := ingest.NewQueryable(cfg.Mesh, factory, meshReader)
	queryable.Connect()
	defer queryable.Close()

	go func() {
		// Registration is replayed when the background session comes up.
		for !queryable.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		queryable.Register(cfg.Mesh.Prefix() + "/" + km.NodeID())
	}()

	logger.Info("ingester running")
	<-ctx.Done()
	logger.Info("shutting down")

	stats := sub.Stats()
	logger.Infow("final subscriber stats",
		"received", stats.Received,
		"verified", stats.Verified,
		"rejected", stats.Rejected,
		"unsigned", stats.Unsigned,
	)
}

// onReading builds the verified-reading pipeline: dedup, backend write,
// legacy hub republish.
func onReading(km *identity.Manager, dedup *cache.Dedup, writer *backend.BufferedWriter, hub *broker.Publisher) ingest.OnReading {
	logger := zap.S().Named("pipeline")

	return func(reading ingest.Reading, env *signing.Envelope) {
		deviceID := reading.Field("device_id")
		readingType := reading.Field("reading_type")
		timestamp := int64Field(reading, "timestamp")
		value := floatField(reading, "value")

		if dedup.IsDuplicate(deviceID, readingType, timestamp) {
			return
		}

		ingesterID := km.NodeID()
		if env != nil {
			ingesterID = env.IngesterID
		}

		if writer != nil {
			country, subdivision := reading.GeoCodes()
			writer.Add([]any{
				ids.ReadingID(deviceID, timestamp, readingType, value),
				deviceID,
				time.Unix(timestamp, 0).UTC(),
				readingType,
				value,
				country,
				subdivision,
				ingesterID,
			})
		}

		if hub != nil && !hub.PublishReading(reading) {
			logger.Debugw("hub republish skipped", "deviceID", deviceID)
		}
	}
}

func int64Field(r ingest.Reading, key string) int64 {
	if v, ok := r[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func floatField(r ingest.Reading, key string) float64 {
	v, _ := r[key].(float64)
	return v
}

func runIdentity(cmd *cobra.Command, args []string) {
	cfg, _ := setup(cmd)
	defer zap.S().Sync() //nolint:errcheck

	km := loadKeys(cfg)
	fmt.Printf("node id:     %s\n", km.NodeID())
	fmt.Printf("public key:  %s\n", base64.StdEncoding.EncodeToString(km.PublicKey()))
	fmt.Printf("key version: %d\n", km.KeyVersion())
}

func runTrustList(cmd *cobra.Command, args []string) {
	_, dir := setup(cmd)
	defer zap.S().Sync() //nolint:errcheck

	store := trust.NewStore(filepath.Join(dir, trustFileName))
	snap := store.ExportSnapshot(store.IDs())
	if len(snap.Keys) == 0 {
		fmt.Println("trust store is empty")
		return
	}

	for _, id := range store.IDs() {
		fmt.Println(id)
		for ver, entry := range snap.Keys[id] {
			line := fmt.Sprintf("  v%s  %s  %s", ver, entry.Status, entry.PublicKey)
			if entry.Status == trust.StatusRevoked && entry.RevokeReason != "" {
				line += "  (" + entry.RevokeReason + ")"
			}
			fmt.Println(line)
		}
	}
}

func runTrustAdd(cmd *cobra.Command, args []string) {
	_, dir := setup(cmd)
	defer zap.S().Sync() //nolint:errcheck
	logger := zap.S()

	publicKey, err := base64.StdEncoding.DecodeString(args[1])
	if err != nil {
		logger.Fatalf("public key is not valid base64: %v", err)
	}
	version, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		logger.Fatalf("key version '%s' is invalid: %v", args[2], err)
	}

	store := trust.NewStore(filepath.Join(dir, trustFileName))
	if err := store.AddTrusted(args[0], publicKey, uint32(version), nil); err != nil {
		logger.Fatal(err)
	}
	fmt.Printf("trusted %s v%d\n", args[0], version)
}

func runTrustRevoke(cmd *cobra.Command, args []string) {
	_, dir := setup(cmd)
	defer zap.S().Sync() //nolint:errcheck
	logger := zap.S()

	version, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		logger.Fatalf("key version '%s' is invalid: %v", args[1], err)
	}
	reason, _ := cmd.Flags().GetString("reason")

	store := trust.NewStore(filepath.Join(dir, trustFileName))
	store.Revoke(args[0], uint32(version), reason)
	fmt.Printf("revoked %s v%d\n", args[0], version)
}
