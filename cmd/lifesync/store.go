package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/lifesync/internal/lifestore"
)

func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Read and write the local namespaced store",
		Long: `Read and write the local namespaced store.

Each namespace (planner, fitness, vocals, finance, reading, sleep,
settings, identity, news) holds one JSON object. Values given to
"store set" are parsed as JSON and fall back to plain strings.`,
	}
	cmd.AddCommand(newStoreGetCmd(a))
	cmd.AddCommand(newStoreSetCmd(a))
	cmd.AddCommand(newStoreRemoveCmd(a))
	cmd.AddCommand(newStoreExportCmd(a))
	cmd.AddCommand(newStoreImportCmd(a))
	cmd.AddCommand(newStoreClearCmd(a))
	return cmd
}

func newStoreGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <namespace> [key]",
		Short: "Print a namespace object or one key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := lifestore.ParseNamespace(args[0])
			if err != nil {
				return fmt.Errorf("unknown namespace %q", args[0])
			}
			return a.withStore(func(store *lifestore.Store) error {
				if len(args) == 1 {
					return printJSON(cmd.OutOrStdout(), store.GetAll(ns))
				}
				value, _ := store.Get(ns, args[1])
				return printJSON(cmd.OutOrStdout(), value)
			})
		},
	}
}

func newStoreSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <namespace> <key> <value>",
		Short: "Set one key in a namespace",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := lifestore.ParseNamespace(args[0])
			if err != nil {
				return fmt.Errorf("unknown namespace %q", args[0])
			}
			return a.withStore(func(store *lifestore.Store) error {
				store.Set(ns, args[1], parseValue(args[2]))
				return nil
			})
		},
	}
}

func newStoreRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <namespace> <key>",
		Short: "Remove one key from a namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := lifestore.ParseNamespace(args[0])
			if err != nil {
				return fmt.Errorf("unknown namespace %q", args[0])
			}
			return a.withStore(func(store *lifestore.Store) error {
				store.Remove(ns, args[1])
				return nil
			})
		},
	}
}

func newStoreExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every registered namespace as one JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *lifestore.Store) error {
				snapshot := store.ExportAll()
				if out == "" || out == "-" {
					return printJSON(cmd.OutOrStdout(), snapshot)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := printJSON(f, snapshot); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newStoreImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Overwrite namespaces from an exported JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var raw map[string]lifestore.Object
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("invalid export document: %w", err)
			}
			snapshot := lifestore.Snapshot{}
			for name, obj := range raw {
				ns, err := lifestore.ParseNamespace(name)
				if err != nil {
					return fmt.Errorf("unknown namespace %q in export document", name)
				}
				snapshot[ns] = obj
			}
			return a.withStore(func(store *lifestore.Store) error {
				store.ImportAll(snapshot)
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d namespaces\n", len(snapshot))
				return nil
			})
		},
	}
}

func newStoreClearCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [namespace]",
		Short: "Clear one namespace, or every registered namespace with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass exactly one of a namespace or --all")
			}
			return a.withStore(func(store *lifestore.Store) error {
				if all {
					store.ClearAll()
					return nil
				}
				ns, err := lifestore.ParseNamespace(args[0])
				if err != nil {
					return fmt.Errorf("unknown namespace %q", args[0])
				}
				store.Clear(ns)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every registered namespace")
	return cmd
}

func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	return value
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
