package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"guildbot/internal/config"
	"guildbot/internal/storage"
	"guildbot/internal/store"
	"guildbot/internal/task/scheduler"
	logx "guildbot/pkg/logx"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect scheduler queue files",
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "List pending entries of a queue file by deadline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectQueue(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect store files",
}

var storeCatCmd = &cobra.Command{
	Use:   "cat <file>",
	Short: "Decode a store file and print it normalized",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return catStore(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

var auditTailN int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the newest audit journal records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tailAudit(cmd.Context(), cmd.OutOrStdout(), cfgPath, auditTailN)
	},
}

func init() {
	queueCmd.AddCommand(queueInspectCmd)
	storeCmd.AddCommand(storeCatCmd)
	auditCmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	auditCmd.Flags().IntVarP(&auditTailN, "n", "n", 20, "number of records")
	rootCmd.AddCommand(queueCmd, storeCmd, auditCmd)
}

func inspectQueue(ctx context.Context, w io.Writer, path string) error {
	s := store.New[[]scheduler.Entry[json.RawMessage]](path, nil, store.Options{Log: logx.Nop()})
	entries, err := store.Read[[]scheduler.Entry[json.RawMessage]](ctx, s)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEADLINE\tIN\tPAYLOAD")
	now := time.Now()
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Deadline.Format(time.RFC3339), e.Deadline.Sub(now).Round(time.Second), compact(e.Payload))
	}
	return tw.Flush()
}

func compact(raw json.RawMessage) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

// catStore picks the codec from the file extension: .json and .yaml are
// decoded generically, anything else is read line by line.
func catStore(ctx context.Context, w io.Writer, path string) error {
	opts := store.Options{Log: logx.Nop()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		v, err := store.Read[any](ctx, store.New[any](path, store.JSON[any](), opts))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case ".yaml", ".yml":
		v, err := store.Read[any](ctx, store.New[any](path, store.YAML[any](), opts))
		if err != nil {
			return err
		}
		return yaml.NewEncoder(w).Encode(v)
	default:
		codec := store.Lines(
			func(v []string, emit func(string)) {
				for _, l := range v {
					emit(l)
				}
			},
			func(v *[]string, line string) error {
				*v = append(*v, line)
				return nil
			},
		)
		lines, err := store.Read[[]string](ctx, store.New(path, codec, opts))
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
		return nil
	}
}

func tailAudit(ctx context.Context, w io.Writer, cfgFile string, n int) error {
	cfg, err := config.NewManager(cfgFile).Parse()
	if err != nil {
		return err
	}
	driver := strings.TrimSpace(cfg.Audit.Driver)
	if driver == "" || driver == "none" {
		return storage.ErrDisabled
	}
	path := cfg.Audit.Path
	if path == "" {
		path = cfg.Data.Path("audit.jsonl")
	}
	j, err := storage.Open(storage.Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.Recent(ctx, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tEVENT\tSCHEDULER\tTASK\tATTEMPTS\tTOOK\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%dms\t%s\n", r.At.Format(time.RFC3339), r.Event, r.Scheduler, r.TaskID, r.Attempts, r.TookMS, r.Error)
	}
	return tw.Flush()
}
