package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/EchoPBX/echopbx-kernel/internal/loader"
	"github.com/EchoPBX/echopbx-kernel/internal/plugins"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	checkEntry string
	checkData  string
)

var checkCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Load a plugin file into a throwaway kernel and report",
	Long: `Loads the module, registers it, optionally runs Process once with --data
(JSON) and prints what was registered. Nothing is persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.Context(), cmd.OutOrStdout(), args[0], checkEntry, checkData)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkEntry, "entry", "", "constructor symbol or field")
	checkCmd.Flags().StringVar(&checkData, "data", "", "JSON payload passed to Process")
}

func runCheck(ctx context.Context, out io.Writer, path, entry, data string) error {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	log := zap.NewNop()
	mgr := plugins.NewManager(nil, log, nil, loader.New(log, "."))
	defer mgr.Shutdown()

	if err := mgr.LoadAndRegister(ctx, plugins.Descriptor{Name: name, Path: path, Entry: entry}); err != nil {
		return err
	}
	for _, info := range mgr.Plugins() {
		fmt.Fprintf(out, "ok: %s from %s (bindable=%t)\n", info.Name, info.Source, info.Bindable)
	}

	if data == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	res := mgr.Execute(ctx, name, payload)
	fmt.Fprintln(out, res.Message)
	if !res.Success {
		return res.Err
	}
	return nil
}
