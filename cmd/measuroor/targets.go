package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var showPretty bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load, interpolate and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		fmt.Println("OK")

		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List target ids from the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, id := range cfg.TargetIDs() {
			fmt.Println(id)
		}

		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var (
			data    []byte
			jsonErr error
		)

		if showPretty {
			data, jsonErr = json.MarshalIndent(cfg, "", "  ")
		} else {
			data, jsonErr = json.Marshal(cfg)
		}

		if jsonErr != nil {
			return &exitError{code: 2, err: jsonErr}
		}

		fmt.Println(string(data))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().BoolVar(&showPretty, "pretty", false, "pretty-print JSON")
}
