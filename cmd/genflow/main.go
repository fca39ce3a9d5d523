// Command genflow runs a single generation task from the command line:
//
//	genflow -config genflow.yaml -task suggest -context '{"role":"SRE","tone":"warm"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	genflow "github.com/hirelens/genflow"
	"github.com/hirelens/genflow/config"
	"github.com/hirelens/genflow/tasks"
	"github.com/hirelens/genflow/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to genflow.yaml")
		taskName   = flag.String("task", "", "task to run")
		contextArg = flag.String("context", "{}", "task context as inline JSON or @file")
		timeout    = flag.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	flag.Parse()

	if *taskName == "" {
		fmt.Fprintln(os.Stderr, "usage: genflow -task <name> [-config file] [-context json]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	tctx, err := parseContext(*contextArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "context: %v\n", err)
		os.Exit(1)
	}

	client, err := genflow.New(cfg, tasks.Catalog(logger), genflow.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer client.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := client.Run(ctx, *taskName, tctx)
	if err != nil {
		var taskErr *types.TaskError
		if errors.As(err, &taskErr) {
			out, _ := json.MarshalIndent(taskErr, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
		}
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(map[string]any{
		"value":    result.Value,
		"provider": result.Provider,
		"model":    result.Model,
		"attempt":  result.Attempt,
	}, "", "  ")
	fmt.Println(string(out))
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// parseContext accepts inline JSON or @path to a JSON file.
func parseContext(arg string) (map[string]any, error) {
	data := []byte(arg)
	if len(arg) > 1 && arg[0] == '@' {
		var err error
		data, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
	}
	var tctx map[string]any
	if err := json.Unmarshal(data, &tctx); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	return tctx, nil
}
