package kroute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/kroute/pkg/envelope"
	"github.com/edgeflare/kroute/pkg/keycodec"
	"github.com/edgeflare/kroute/pkg/routing"
	"github.com/edgeflare/kroute/pkg/topic"
	"github.com/edgeflare/kroute/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	publishKind    string
	publishPayload string
	publishOrigin  string
	publishKeyType string
)

var publishCmd = &cobra.Command{
	Use:   "publish <entity-type> <key>",
	Short: "Publish one envelope to an entity type's topic",
	Example: `  kroute publish acme.Task task-42 --kind command --payload '{"op":"close"}'
  kroute publish acme.Account 7 --key-type int64 --kind event --payload opened`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := envelope.ParseKind(publishKind)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		conn, err := connect()
		if err != nil {
			return err
		}

		env := envelope.New(kind, args[0], []byte(publishPayload), publishOrigin)
		switch publishKeyType {
		case keyString:
			err = publish(ctx, conn, args[1], parseString, env)
		case keyInt32:
			err = publish(ctx, conn, args[1], parseInt32, env)
		case keyInt64:
			err = publish(ctx, conn, args[1], parseInt64, env)
		case keyUUID:
			err = publish(ctx, conn, args[1], parseUUID, env)
		default:
			err = unsupportedKeyType(publishKeyType)
		}

		// Disconnect flushes the producer; failures surface on Errors
		if derr := conn.Disconnect(); derr != nil {
			err = errors.Join(err, derr)
		}
		for perr := range conn.Errors() {
			err = errors.Join(err, perr)
		}
		if err != nil {
			return err
		}

		logger.Info("Published",
			zap.String("topic", topic.For(cfg.TopicPrefix, env.EntityType)),
			zap.String("kind", kind.String()),
			zap.String("id", env.ID))
		fmt.Println(env.ID)
		return nil
	},
}

func publish[K any](ctx context.Context, conn transport.Connector, rawKey string, parse func(string) (K, error), env envelope.Envelope) error {
	key, err := parse(rawKey)
	if err != nil {
		return err
	}
	codec, err := keycodec.For[K]()
	if err != nil {
		return err
	}
	return routing.NewPublisher(conn, codec, cfg.TopicPrefix, logger).Send(ctx, key, env)
}

func init() {
	publishCmd.Flags().StringVarP(&publishKind, "kind", "k", "command", "envelope kind (command, event, rejection)")
	publishCmd.Flags().StringVarP(&publishPayload, "payload", "d", "", "payload bytes")
	publishCmd.Flags().StringVar(&publishOrigin, "origin", "", "origin id carried in the envelope")
	publishCmd.Flags().StringVar(&publishKeyType, "key-type", keyString, fmt.Sprintf("entity key type %v", keyTypes))
}
