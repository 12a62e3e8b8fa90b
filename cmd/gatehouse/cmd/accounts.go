package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syoslabs/gatehouse/clientcache"
)

var cachePath string

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and manage the device account cache",
	Long: `Commands for the encrypted per-device account cache. The cache holds
the accounts signed in on this device; entries only open on the device
that wrote them.`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		if cache.Len() == 0 {
			fmt.Println("No cached accounts.")
			return nil
		}
		active, _ := cache.Active()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER ID\tEMAIL\tNAME\tACTIVE\tUPDATED")
		for _, e := range cache.List() {
			marker := ""
			if e.UserID == active.UserID {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.UserID, e.Email, e.Name, marker, e.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var accountsSwitchCmd = &cobra.Command{
	Use:   "switch [user-id]",
	Short: "Mark a cached account as active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		if err := cache.SetActive(args[0]); err != nil {
			if errors.Is(err, clientcache.ErrUnknownAccount) {
				return fmt.Errorf("no cached account with id %q", args[0])
			}
			return err
		}
		fmt.Printf("Active account is now %s\n", args[0])
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove [user-id]",
	Short: "Remove an account from the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		if err := cache.Remove(args[0]); err != nil {
			if errors.Is(err, clientcache.ErrUnknownAccount) {
				return fmt.Errorf("no cached account with id %q", args[0])
			}
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var accountsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the account cache",
	Long: `Deletes the cache file outright. Use this when the cache was written
on different hardware and can no longer be opened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveCachePath()
		if err != nil {
			return err
		}
		if err := clientcache.Reset(path); err != nil {
			return err
		}
		fmt.Println("Account cache cleared.")
		return nil
	},
}

func resolveCachePath() (string, error) {
	if cachePath != "" {
		return cachePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve config directory: %w", err)
	}
	return filepath.Join(dir, "gatehouse", "accounts.enc"), nil
}

// deviceFingerprint identifies this machine the way a browser client
// identifies itself. A cache written under one fingerprint will not open
// under another.
func deviceFingerprint() clientcache.Fingerprint {
	_, offset := time.Now().Zone()
	return clientcache.Fingerprint{
		UserAgent:      "gatehouse-cli/" + Version,
		Language:       os.Getenv("LANG"),
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		TimezoneOffset: offset / 60,
		Cores:          runtime.NumCPU(),
	}
}

func openCache() (*clientcache.Cache, error) {
	path, err := resolveCachePath()
	if err != nil {
		return nil, err
	}
	cache, err := clientcache.Open(path, clientcache.NewCodec(deviceFingerprint()))
	if err != nil {
		if errors.Is(err, clientcache.ErrSealed) {
			return nil, errors.New("cache cannot be opened on this device; run 'gatehouse accounts reset'")
		}
		return nil, err
	}
	return cache, nil
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsSwitchCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsResetCmd)
	accountsCmd.PersistentFlags().StringVar(&cachePath, "cache", "", "Path to the account cache file")
}
