package kroute

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/kroute/pkg/courier"
	"github.com/edgeflare/kroute/pkg/dedup"
	"github.com/edgeflare/kroute/pkg/delivery"
	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/metrics"
	"github.com/edgeflare/kroute/pkg/routing"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tailKeyType string

var tailCmd = &cobra.Command{
	Use:   "tail <entity-type>",
	Short: "Consume an entity type's topic and log every delivery",
	Long: `Join the configured consumer group on an entity type's topic and log each
envelope delivered to the partitions this instance owns. Runs until SIGINT or
SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var wg sync.WaitGroup
		if cfg.Metrics.Enabled {
			metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger})
		}

		store, err := dedup.Open(ctx, cfg.Dedup.Driver, dedup.Options{URL: cfg.Dedup.URL, TTL: cfg.Dedup.TTL, Logger: logger})
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		opts := courier.Options{
			TopicPrefix:     cfg.TopicPrefix,
			Group:           cfg.Group,
			Partitions:      cfg.Partitions,
			ErrorPolicy:     routing.ErrorPolicy(cfg.ErrorPolicy),
			Connector:       cfg.Transport.Connector,
			ConnectorConfig: cfg.Transport.Config,
			Dedup:           store,
			Logger:          logger,
		}

		switch tailKeyType {
		case keyString:
			err = tail[string](ctx, args[0], opts)
		case keyInt32:
			err = tail[int32](ctx, args[0], opts)
		case keyInt64:
			err = tail[int64](ctx, args[0], opts)
		case keyUUID:
			err = tail[uuid.UUID](ctx, args[0], opts)
		default:
			err = unsupportedKeyType(tailKeyType)
		}

		cancel()
		wg.Wait()
		return err
	},
}

func tail[K any](ctx context.Context, entityType string, opts courier.Options) error {
	reg, err := courier.Register[K](&logRepository[K]{entityType: entityType, logger: logger}, opts)
	if err != nil {
		return err
	}

	rt := courier.NewRuntime(ctx, logger)
	if err := rt.Register(reg); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errs := reg.Errors()
	for {
		select {
		case <-sigChan:
			logger.Info("Received termination signal, shutting down gracefully...")
			return closeRuntime(rt)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Error("Routing error", zap.Error(err))
		case <-reg.Done():
			if err := closeRuntime(rt); err != nil {
				return err
			}
			return fmt.Errorf("topology stopped: %w", reg.Err())
		}
	}
}

func closeRuntime(rt *courier.Runtime) error {
	done := make(chan error, 1)
	go func() { done <- rt.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timed out after 10 seconds")
	}
}

// logRepository applies every envelope by logging it.
type logRepository[K any] struct {
	entityType string
	logger     *zap.Logger
}

func (r *logRepository[K]) EntityStateTypeName() string { return r.entityType }

func (r *logRepository[K]) apply(_ context.Context, key K, env envelope.Envelope) error {
	r.logger.Info("Delivered",
		zap.Any("key", key),
		zap.String("kind", env.Kind.String()),
		zap.String("id", env.ID),
		zap.String("origin", env.OriginID),
		zap.Time("timestamp", env.Timestamp),
		zap.ByteString("payload", env.Payload))
	return nil
}

func (r *logRepository[K]) CommandDelivery(delivery.Sender[K]) delivery.Strategy[K] {
	return delivery.NewLocal(envelope.KindCommand, r.apply)
}

func (r *logRepository[K]) EventDelivery(delivery.Sender[K]) delivery.Strategy[K] {
	return delivery.NewLocal(envelope.KindEvent, r.apply)
}

func (r *logRepository[K]) RejectionDelivery(delivery.Sender[K]) delivery.Strategy[K] {
	return delivery.NewLocal(envelope.KindRejection, r.apply)
}

func init() {
	tailCmd.Flags().StringVar(&tailKeyType, "key-type", keyString, fmt.Sprintf("entity key type %v", keyTypes))
}
