package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pregen/internal/driver"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the object cache",
	Long:  "Remove every cached method object so the next compile starts cold.",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

func runClean(cmd *cobra.Command, _ []string) error {
	dir, err := cmd.Flags().GetString("cache-dir")
	if err != nil {
		return err
	}
	var cache *driver.DiskCache
	if dir != "" {
		cache, err = driver.OpenDiskCacheAt(dir)
	} else {
		cache, err = driver.OpenDiskCache("pregen")
	}
	if err != nil {
		return err
	}
	if err := cache.DropAll(); err != nil {
		return fmt.Errorf("failed to clear object cache: %w", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, "object cache cleared")
	return nil
}

func init() {
	cleanCmd.Flags().String("cache-dir", "", "object cache location (default: per-user cache dir)")
}
