package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nightscape/knowledge/serv"
)

var (
	version  = "dev"
	confPath string
	confName string
)

func main() {
	root := &cobra.Command{
		Use:           "knowledge",
		Short:         "Local-first knowledge and task engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&confPath, "config-path", ".", "config file directory")
	root.PersistentFlags().StringVar(&confName, "config", "knowledge", "config file name (no extension)")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := serv.ReadConfig(confPath, confName)
			if err != nil {
				return err
			}
			s, err := serv.NewService(conf)
			if err != nil {
				return err
			}
			return s.Start(confPath, confName)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
