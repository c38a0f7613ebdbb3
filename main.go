// Command cdc-agent runs the CDC batching-and-anchoring pipeline: it
// consumes row-level change events from a set of Redis Streams, groups
// them into per-table batches under size/idle/age triggers, computes a
// Merkle commitment over each sealed batch, publishes the batch artifacts
// to Google Cloud Storage, and anchors the Merkle root on-chain by minting
// an NFT whose metadata carries the root and a pointer to the uploaded
// payload.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/anchorline/cdc-agent/pkg/anchor"
	"github.com/anchorline/cdc-agent/pkg/artifact"
	"github.com/anchorline/cdc-agent/pkg/batch"
	"github.com/anchorline/cdc-agent/pkg/config"
	"github.com/anchorline/cdc-agent/pkg/ethereum"
	"github.com/anchorline/cdc-agent/pkg/ledger"
	"github.com/anchorline/cdc-agent/pkg/metrics"
	"github.com/anchorline/cdc-agent/pkg/objectstore"
	"github.com/anchorline/cdc-agent/pkg/stream"
)

func main() {
	logger := log.New(os.Stdout, "[cdc-agent] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}

	netCfg, err := config.LoadNetworkConfig(cfg.NetworkConfigPath)
	if err != nil {
		logger.Fatalf("load network configuration: %v", err)
	}
	netEntry, err := netCfg.Entry(cfg.BlockchainNetwork)
	if err != nil {
		logger.Printf("network configuration error: %v", err)
		os.Exit(1)
	}

	privateKeyHex, err := readKeyFile(cfg.BlockchainKeyPath)
	if err != nil {
		logger.Printf("blockchain key error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.BrokerAddr(),
		Password: cfg.BrokerPassword,
		DB:       cfg.BrokerDB,
	})
	defer redisClient.Close()

	var gcsOpts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		gcsOpts = append(gcsOpts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	gcsClient, err := storage.NewClient(ctx, gcsOpts...)
	if err != nil {
		logger.Fatalf("connect object store: %v", err)
	}
	defer gcsClient.Close()

	chain, err := ethereum.NewClient(netEntry.RPCURL, netEntry.ChainID)
	if err != nil {
		logger.Fatalf("connect blockchain client: %v", err)
	}

	auditLedger, err := ledger.Open(ctx, cfg.AuditDatabaseURL, cfg.AuditRequired, logger)
	if err != nil {
		logger.Fatalf("open audit ledger: %v", err)
	}
	defer auditLedger.Close()

	reg := metrics.New()
	startHealthServer(cfg.HealthAddr, reg, map[string]metrics.HealthChecker{
		"broker":       func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"object_store": func(ctx context.Context) error { _, err := gcsClient.Bucket(cfg.ObjectStoreBucket).Attrs(ctx); return err },
		"blockchain":   chain.Health,
		"audit_ledger": auditLedger.Health,
	}, logger)

	consumer := stream.NewConsumer(redisClient, stream.Config{
		Pattern:       cfg.StreamPattern,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
		ReadTimeout:   cfg.IdleTimeout,
		ReconnectMin:  netCfg.Retry.BrokerReconnectMin.Duration(),
		ReconnectMax:  netCfg.Retry.BrokerReconnectMax.Duration(),
	}, logger)

	accumulator := batch.NewAccumulator(cfg.OrganizationID, batch.Config{
		MaxBatchSize:   cfg.MaxBatchSize,
		MinBatchSize:   cfg.MinBatchSize,
		IdleTimeout:    cfg.IdleTimeout,
		ForceSealAfter: cfg.ForceSealAfter,
	}, logger)

	publisher := objectstore.NewPublisher(gcsClient, objectstore.Config{
		Bucket:        cfg.ObjectStoreBucket,
		Region:        cfg.ObjectStoreRegion,
		UploadTimeout: 30 * time.Second,
	}, logger)

	minterCfg := anchor.DefaultConfig()
	minterCfg.ContractAddress = common.HexToAddress(netEntry.ContractAddress)
	minterCfg.OwnerAddress = common.HexToAddress(cfg.BlockchainAccount)
	minterCfg.PrivateKeyHex = privateKeyHex
	minterCfg.GasLimit = netEntry.GasLimit
	minterCfg.AttemptTimeout = netCfg.Retry.MintAttemptTimeout.Duration()
	minter := anchor.NewMinter(chain, minterCfg, logger)

	orch := &orchestrator{
		consumer:    consumer,
		accumulator: accumulator,
		publisher:   publisher,
		minter:      minter,
		auditLedger: auditLedger,
		metrics:     reg,
		logger:      logger,
	}

	logger.Printf("cdc-agent starting: org=%s network=%s pattern=%q bucket=%s", cfg.OrganizationID, cfg.BlockchainNetwork, cfg.StreamPattern, cfg.ObjectStoreBucket)
	orch.run(ctx)
	logger.Printf("cdc-agent shut down cleanly")
}

// orchestrator owns the pipeline loop (C9): every external client it
// drives is an explicit field, not an ambient singleton. The fields hold the
// concrete client types rather than interfaces, so fakes cannot be
// substituted for the broker, object store, or chain.
type orchestrator struct {
	consumer    *stream.Consumer
	accumulator *batch.Accumulator
	publisher   *objectstore.Publisher
	minter      *anchor.Minter
	auditLedger *ledger.AuditLedger
	metrics     *metrics.Registry
	logger      *log.Logger
}

// run drives the read -> accumulate -> trigger -> commit -> ack loop until
// ctx is cancelled, then force-seals and drains every buffer meeting
// min_batch_size before returning (§4.9 graceful shutdown).
func (o *orchestrator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drainOnShutdown(context.Background())
			return
		default:
		}

		reads, err := o.consumer.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.drainOnShutdown(context.Background())
				return
			}
			o.logger.Printf("broker read failed, reconnecting: %v", err)
			if rerr := o.consumer.Reconnect(ctx); rerr != nil {
				continue
			}
			continue
		}

		now := time.Now()
		if len(reads) == 0 {
			o.metrics.EmptyReads.Inc()
		}
		for _, r := range reads {
			o.accumulator.Add(r.Event, batch.EntryRef{StreamName: r.StreamName, EntryID: r.EntryID}, now)
			o.metrics.EventsProcessed.Inc()
		}

		sealed := o.accumulator.EvaluateTriggers(now, len(reads) == 0)
		for _, b := range sealed {
			o.commit(ctx, b)
		}
	}
}

// drainOnShutdown force-seals every buffer that meets min_batch_size and
// commits it to completion; buffers below the threshold are dropped
// without ack so their events are redelivered after restart.
func (o *orchestrator) drainOnShutdown(ctx context.Context) {
	sealed, dropped := o.accumulator.ForceSealAll(time.Now())
	if dropped > 0 {
		o.logger.Printf("shutdown: dropped %d events below min_batch_size, will be redelivered", dropped)
	}
	for _, b := range sealed {
		o.commit(ctx, b)
	}
}

// commit runs C6 -> C7 -> C8 for one sealed batch and acks its broker
// entries only once the mint has succeeded or been confirmed
// already-minted (§7's core invariant).
func (o *orchestrator) commit(ctx context.Context, b *batch.Batch) {
	o.metrics.BatchesCreated.Inc()

	bundle, err := artifact.Compose(b)
	if err != nil {
		o.logger.Printf("batch %s: compose artifacts: %v (will retry with a new batch id on redelivery)", b.ID, err)
		return
	}

	if err := o.publisher.Publish(ctx, b, bundle); err != nil {
		o.logger.Printf("batch %s: %v", b.ID, err)
		o.metrics.UploadFailures.Inc()
		return
	}

	prefix, _, _, _, _, _ := objectstore.Keys(b)
	status := "minted"
	if err := o.minter.Mint(ctx, b, o.publisherBucket(), prefix); err != nil {
		o.logger.Printf("batch %s: %v (artifacts remain uploaded, no ack, will redeliver)", b.ID, err)
		o.metrics.MintsFailed.Inc()
		return
	}
	o.metrics.MintsSucceeded.Inc()
	o.metrics.RecordBatchCommitted(time.Now())

	o.auditLedger.Record(ctx, ledger.Entry{
		BatchID:        b.ID,
		OrganizationID: b.OrganizationID,
		DatabaseName:   b.DatabaseName,
		MerkleRoot:     b.Tree.RootHex(),
		TokenID:        b.ID,
		Status:         status,
		CommittedAt:    time.Now(),
	})

	if err := o.consumer.Ack(ctx, b.EntryRefs); err != nil {
		o.logger.Printf("batch %s: mint succeeded but ack failed, entries will be redelivered: %v", b.ID, err)
	}
}

func (o *orchestrator) publisherBucket() string {
	return o.publisher.BucketName()
}

func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read key file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func startHealthServer(addr string, reg *metrics.Registry, checks map[string]metrics.HealthChecker, logger *log.Logger) {
	srv := &http.Server{Addr: addr, Handler: reg.Handler(checks)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics/health server stopped: %v", err)
		}
	}()
}
