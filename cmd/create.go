package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var interactive bool

const defaultProjectFile = `# spiderexpress project configuration
project_name: my-project

# Store locator. Empty keeps everything in memory; a bare path or
# sqlite:// URL selects SQLite; postgres:// and mysql:// select the
# respective databases.
db_url: spider.db
# db_schema: spiderexpress

max_iteration: 10
batch_size: 150
random_wait: false
empty_seeds: continue

seeds:
  net:
    - some-start-node

layers:
  net:
    connector:
      csv:
        edge_file: edges.csv
        node_file: nodes.csv
    routers:
      - source: source
        target:
          - field: target
    sampler:
      random:
        n: 25
    edge_raw_table:
      columns: {}
    edge_agg_table:
      columns: {}
    node_table:
      columns: {}
`

var createCmd = &cobra.Command{
	Use:   "create <config-path>",
	Short: "Write a default project configuration",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if interactive {
			return fmt.Errorf("the interactive wizard is not available in this build; rerun with --non-interactive")
		}
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, not overwriting", path)
		}
		if err := os.WriteFile(path, []byte(defaultProjectFile), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Println(headerStyle.Render("created ") + path)
		fmt.Println(dimStyle.Render("edit the seeds, layers and connector bindings, then run: spiderexpress start " + path))
		return nil
	},
}

func init() {
	createCmd.Flags().BoolVar(&interactive, "interactive", false, "run the configuration wizard")
	createCmd.Flags().Bool("non-interactive", true, "write the default configuration as-is")
	rootCmd.AddCommand(createCmd)
}
