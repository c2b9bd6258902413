package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/josephjohncox/reshard/internal/source"
	"github.com/josephjohncox/reshard/pkg/applier"
	"github.com/josephjohncox/reshard/pkg/oplog"
	"github.com/spf13/cobra"
)

func newProgressCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "progress",
		Short: "Show persisted applier progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeStore, err := openProgress(ctx, cfg.Progress)
			if err != nil {
				return err
			}
			defer closeStore()

			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")

			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}
			if all {
				items, err := store.List(ctx)
				if err != nil {
					return err
				}
				if format == "table" {
					renderProgressTable(out, items)
					return nil
				}
				return enc.Encode(items)
			}

			stream, err := streamFromConfig(cfg)
			if err != nil {
				return err
			}
			item, ok, err := applier.CheckStoredProgress(ctx, store, stream.SourceID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(out, "no progress stored for %s\n", stream.SourceID)
				return nil
			}
			if format == "table" {
				renderProgressTable(out, []oplog.Progress{item})
				return nil
			}
			return enc.Encode(item)
		},
	}
	addStreamFlags(command)
	command.Flags().Bool("all", false, "list progress of every stream")
	command.Flags().String("format", "json", "output format: json or table")
	return command
}

func renderProgressTable(w io.Writer, items []oplog.Progress) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"resharding uuid", "donor shard", "cluster time", "ts", "updated at"})
	for _, item := range items {
		updated := ""
		if !item.UpdatedAt.IsZero() {
			updated = item.UpdatedAt.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{
			item.SourceID.ReshardingUUID.String(),
			item.SourceID.ShardID,
			item.Progress.ClusterTime.String(),
			item.Progress.TS.String(),
			updated,
		})
	}
	t.Render()
}

func newIngestCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "ingest [file.jsonl]",
		Short: "Load donor oplog records from JSON lines into the configured source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stream, err := streamFromConfig(cfg)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open records: %w", err)
				}
				defer f.Close()
				in = f
			}
			records, err := source.ReadJSONL(in)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			switch cfg.Source.Kind {
			case "kafka":
				publisher, err := source.NewKafkaPublisher(source.KafkaConfig{
					Brokers: cfg.Source.Kafka.Brokers,
					Topic:   cfg.Source.Kafka.Topic,
				})
				if err != nil {
					return err
				}
				defer publisher.Close()
				if err := publisher.Publish(ctx, stream.SourceID, records); err != nil {
					return err
				}
			default:
				buffer, err := source.OpenSQLiteBuffer(ctx, cfg.Source.Path)
				if err != nil {
					return err
				}
				defer buffer.Close()
				if err := buffer.Append(ctx, stream.SourceID, records); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records for %s\n", len(records), stream.SourceID)
			return nil
		},
	}
	addStreamFlags(command)
	command.Flags().String("source-kind", "", "donor oplog source: sqlite or kafka")
	command.Flags().String("source-path", "", "SQLite donor oplog buffer path")
	command.Flags().StringSlice("kafka-brokers", nil, "Kafka seed brokers")
	command.Flags().String("kafka-topic", "", "Kafka topic carrying the donor oplog")
	return command
}
