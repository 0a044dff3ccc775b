package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the memory cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Preload the cache and report its size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := cache.Preload(st, conf.CacheOptions())
		if err != nil {
			return err
		}
		defer c.Clear()

		stats := c.Stats()
		if jsonOutput(cmd) {
			return printJSON(stats)
		}
		fmt.Printf("Blocks:     %s\n", humanize.Comma(int64(stats.Blocks)))
		fmt.Printf("Edges:      %s\n", humanize.Comma(int64(stats.Edges)))
		fmt.Printf("Statements: %s\n", humanize.Comma(int64(stats.Statements)))
		fmt.Printf("Call sites: %s\n", humanize.Comma(int64(stats.CallSites)))
		fmt.Printf("Files:      %d\n", len(c.Files()))
		fmt.Printf("Footprint:  %s of %s\n", humanize.IBytes(stats.Bytes), humanize.IBytes(stats.Budget))
		return nil
	},
}

var cacheDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Write the cached rows to a msgpack snapshot",
	Long: `Preloads the memory cache and writes its rows to a msgpack snapshot.
The snapshot can be loaded into another database with "gtf import".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := cache.Preload(st, conf.CacheOptions())
		if err != nil {
			return err
		}
		defer c.Clear()

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[0], err)
		}
		if err := c.Save(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		logger.Info("snapshot written", "path", args[0], "size", humanize.IBytes(uint64(info.Size())))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <snapshot>",
	Short: "Load a CFG snapshot into a database",
	Long: `Loads blocks, edges and statements from a msgpack snapshot (as written
by "gtf cache dump") or a JSON document into the configured database,
creating it when needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := readSnapshot(args[0])
		if err != nil {
			return err
		}

		st, err := store.Open(conf.Database, store.Options{Create: true})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Import(snap); err != nil {
			return err
		}
		logger.Info("snapshot imported", "database", conf.Database,
			"blocks", len(snap.Blocks), "edges", len(snap.Edges), "statements", len(snap.Statements))
		return nil
	},
}

func readSnapshot(path string) (store.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var snap store.Snapshot
		if err := json.NewDecoder(f).Decode(&snap); err != nil {
			return store.Snapshot{}, fmt.Errorf("decoding %s: %w", path, err)
		}
		return snap, nil
	}
	return cache.LoadSnapshot(f)
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheDumpCmd)
	RootCmd.AddCommand(cacheCmd)
	RootCmd.AddCommand(importCmd)
}
