// Command gojostore_cli is an interactive shell over a local store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/internal/app"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dataDir    = flag.String("data_dir", "", "Data directory; overrides storage.data_dir")
	logLevel   = flag.String("log_level", "warn", "Minimum log level")
	execLine   = flag.String("e", "", "Run one command and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{ConfigPath: *configPath, DataDir: *dataDir, LogLevel: *logLevel})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			a.Logger.Error("Failed to close store", zap.Error(err))
		}
	}()

	if *execLine != "" {
		sh := &shell{ctx: ctx, store: a.Store, out: os.Stdout}
		if err := sh.exec(*execLine); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojostore> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojostore_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	sh := &shell{ctx: ctx, store: a.Store, out: rl.Stdout()}
	fmt.Fprintf(sh.out, "gojostore shell on %s (type help)\n", a.Config.Storage.DataDir)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = sh.exec(strings.TrimSpace(line))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(sh.out, "error:", err)
		}
	}
}
