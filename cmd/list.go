package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spiderexpress/spiderexpress-go/spider"
	"github.com/spiderexpress/spiderexpress-go/spider/connectors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print registered connectors and strategies",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := buildRegistry()
		if err != nil {
			return err
		}
		fmt.Println(headerStyle.Render("connectors"))
		for _, name := range registry.ConnectorNames() {
			fmt.Println("  " + name)
		}
		fmt.Println(headerStyle.Render("strategies"))
		for _, name := range registry.StrategyNames() {
			fmt.Println("  " + name)
		}
		return nil
	},
}

// buildRegistry assembles the default plug-in set: the built-in
// strategies plus the shipped connectors.
func buildRegistry() (*spider.Registry, error) {
	registry := spider.DefaultRegistry()
	if err := connectors.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func init() {
	rootCmd.AddCommand(listCmd)
}
