package kroute

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/kroute/pkg/topic"
	"github.com/edgeflare/kroute/pkg/transport"
	"github.com/spf13/cobra"
)

var partitions int32

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage entity type topics",
}

var topicsEnsureCmd = &cobra.Command{
	Use:   "ensure <entity-type>",
	Short: "Create the topic of an entity type if it does not exist",
	Long: `Create the topic of an entity type with the given number of partitions.
An existing topic with fewer partitions is reported and left unchanged;
partitions are never added or removed on a live topic.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Disconnect()

		name := topic.For(cfg.TopicPrefix, args[0])
		n := partitions
		if n == 0 {
			n = cfg.Partitions
		}
		if err := conn.EnsureTopic(ctx, name, n); err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	},
}

// topicLister is implemented by connectors that can enumerate topics.
type topicLister interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List topics and their partition counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Disconnect()

		lister, ok := conn.(topicLister)
		if !ok {
			return fmt.Errorf("connector %s cannot list topics", cfg.Transport.Connector)
		}
		topics, err := lister.ListTopics()
		if err != nil {
			return err
		}

		names := make([]string, 0, len(topics))
		for name := range topics {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOPIC\tPARTITIONS\tREPLICAS")
		for _, name := range names {
			d := topics[name]
			fmt.Fprintf(w, "%s\t%d\t%d\n", name, d.NumPartitions, d.ReplicationFactor)
		}
		return w.Flush()
	},
}

// connect opens the configured transport.
func connect() (transport.Connector, error) {
	conn, err := transport.NewConnector(cfg.Transport.Connector)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %v)", err, transport.Connectors())
	}
	if err := conn.Connect(cfg.Transport.Config, logger); err != nil {
		return nil, err
	}
	return conn, nil
}

func init() {
	topicsEnsureCmd.Flags().Int32VarP(&partitions, "partitions", "p", 0, "number of partitions (default from config, else the connector's)")
	topicsCmd.AddCommand(topicsEnsureCmd, topicsListCmd)
}
