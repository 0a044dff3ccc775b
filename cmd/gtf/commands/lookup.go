package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/cfg"
	"github.com/l3aro/go-taint-flow/pkg/query"
	"github.com/l3aro/go-taint-flow/pkg/store"
)

// withLookup opens the store and the cache for a single lookup command.
func withLookup(fn func(st *store.Store, c *cache.Cache) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := loadCache(st)
	if err != nil {
		return err
	}
	defer c.Clear()

	return describe(fn(st, c))
}

func parseBlockID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q", s)
	}
	return id, nil
}

func printBlock(b cfg.Block) {
	fmt.Printf("Block %d (%s) %s:%s lines %d-%d", b.ID, b.Type, b.File, b.Function, b.StartLine, b.EndLine)
	if b.Condition != "" {
		fmt.Printf(" [%s]", b.Condition)
	}
	fmt.Println()
}

var blockCmd = &cobra.Command{
	Use:   "block <file> <line>",
	Short: "Find the block containing a line",
	Long: `Returns the block whose line range contains the given line. Without
--function the innermost block of the file is returned.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid line %q", args[1])
		}
		function, _ := cmd.Flags().GetString("function")

		return withLookup(func(st *store.Store, c *cache.Cache) error {
			b, ok, err := query.BlockForLine(st, c, cfg.NormalizePath(args[0]), function, line)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no block of %s contains line %d", args[0], line)
			}
			if jsonOutput(cmd) {
				return printJSON(b)
			}
			printBlock(b)
			return nil
		})
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths <file> <source-block> <target-block>",
	Short: "Enumerate paths between two blocks",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := parseBlockID(args[1])
		if err != nil {
			return err
		}
		target, err := parseBlockID(args[2])
		if err != nil {
			return err
		}
		limits := cfg.PathLimits{MaxPaths: conf.MaxPaths, MaxLength: conf.MaxPathLength}
		if cmd.Flags().Changed("max-paths") {
			limits.MaxPaths, _ = cmd.Flags().GetInt("max-paths")
		}

		return withLookup(func(st *store.Store, c *cache.Cache) error {
			set, err := query.PathsBetweenBlocks(st, c, args[0], source, target, limits)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(set)
			}
			for i, p := range set.Paths {
				fmt.Printf("%d. %v\n", i+1, p)
			}
			if len(set.Paths) == 0 {
				fmt.Println("No path.")
			}
			if set.Truncated {
				fmt.Println("(truncated)")
			}
			return nil
		})
	},
}

var cfgCmd = &cobra.Command{
	Use:   "cfg <file> <function>",
	Short: "Show the control flow graph of a function",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLookup(func(st *store.Store, c *cache.Cache) error {
			g, err := query.CFGForFunction(st, c, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(g)
			}
			printCFG(g)
			return nil
		})
	},
}

// printCFG prints CFG information in human-readable format.
func printCFG(g *cfg.CFG) {
	fmt.Printf("=== CFG for function: %s (%s) ===\n", g.Function, g.File)
	if entry, ok := g.Entry(); ok {
		fmt.Printf("Entry Block: %d\n", entry.ID)
	}
	var exits []int64
	for _, b := range g.Exits() {
		exits = append(exits, b.ID)
	}
	fmt.Printf("Exit Blocks: %v\n", exits)

	fmt.Printf("\nBlocks (%d):\n", len(g.Blocks))
	for _, b := range g.Blocks {
		fmt.Printf("  %d (%s, lines %d-%d)", b.ID, b.Type, b.StartLine, b.EndLine)
		if b.Condition != "" {
			fmt.Printf(" [%s]", b.Condition)
		}
		fmt.Println()
	}

	fmt.Printf("\nEdges (%d):\n", len(g.Edges))
	for _, e := range g.Edges {
		fmt.Printf("  %d --%s--> %d\n", e.SourceID, e.Type, e.TargetID)
	}
}

var statementsCmd = &cobra.Command{
	Use:   "statements <block-id>",
	Short: "List the statements of a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseBlockID(args[0])
		if err != nil {
			return err
		}
		return withLookup(func(st *store.Store, c *cache.Cache) error {
			stmts, err := query.BlockStatements(st, c, id)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(stmts)
			}
			for _, s := range stmts {
				fmt.Printf("%3d  line %-5d %-9s %s", s.Ordinal, s.Line, s.Kind, s.Text)
				if s.CalleeFunction != nil {
					fmt.Printf("  -> %s", *s.CalleeFunction)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	blockCmd.Flags().String("function", "", "Restrict the lookup to one function")
	pathsCmd.Flags().Int("max-paths", 0, "Maximum number of paths (default from config)")

	RootCmd.AddCommand(blockCmd)
	RootCmd.AddCommand(pathsCmd)
	RootCmd.AddCommand(cfgCmd)
	RootCmd.AddCommand(statementsCmd)
}
