package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/optistream/signalcache/internal/integration"
)

// runMode talks to a running instance's ops server: with no argument it
// prints the current mode, with one it switches.
func runMode(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	client := &http.Client{Timeout: 5 * time.Second}

	if len(args) == 0 {
		resp, err := client.Get(addr + "/mode")
		if err != nil {
			return fmt.Errorf("query mode: %w", err)
		}
		defer resp.Body.Close()
		return printBody(cmd, resp.Body)
	}

	if _, err := integration.ParseMode(args[0]); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"mode": args[0]})
	resp, err := client.Post(addr+"/mode", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("switch mode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("switch mode: %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return printBody(cmd, resp.Body)
}

func printBody(cmd *cobra.Command, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(data)))
	return nil
}
