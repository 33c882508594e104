// Command kbupload uploads files into a knowledge base and tracks their remote
// processing across runs.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"kbupload/internal/config"
	"kbupload/internal/crypto"
	"kbupload/internal/logger"

	"github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("kbupload", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	target := flags.StringP("target", "t", "", "knowledge base id to upload into")
	wait := flags.BoolP("wait", "w", false, "wait until remote processing has finished")
	saveToken := flags.Bool("save-token", false, "read an API token from stdin and store it in the system keychain")
	clearFinished := flags.Bool("clear", false, "remove completed and failed tasks after printing the summary")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: kbupload [flags] [-t target] [file...]")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "kbupload: %v\n", err)
		return exitFailure
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format, stderr)

	if *saveToken {
		token, err := readLine(stdin)
		if err == nil {
			err = crypto.StoreAPIToken(token)
		}
		if err != nil {
			fmt.Fprintf(stderr, "kbupload: %v\n", err)
			return exitFailure
		}
		fmt.Fprintln(stdout, "API token saved")
		return exitOK
	}

	paths := flags.Args()
	if len(paths) > 0 && strings.TrimSpace(*target) == "" {
		fmt.Fprintln(stderr, "kbupload: --target is required when uploading files")
		flags.Usage()
		return exitUsage
	}

	app := NewApp(cfg, log)
	// The orchestrator outlives ctx so that an interrupt still stops it cleanly
	if err := app.startup(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(stderr, "kbupload: %v\n", err)
		return exitFailure
	}
	defer app.shutdown()

	var ids []string
	if len(paths) > 0 {
		ids, err = app.SubmitPaths(ctx, paths, *target)
		if err != nil {
			fmt.Fprintf(stderr, "kbupload: %v\n", err)
			return exitFailure
		}
	} else if !*wait {
		app.Refresh(ctx)
	}

	if len(paths) > 0 || *wait {
		if err := app.Wait(ctx, *wait); err != nil {
			log.Warn("stopped waiting for uploads", "error", err)
		}
	}

	if err := writeSummary(stdout, app.Tasks()); err != nil {
		log.Error("failed to write summary", "error", err)
	}

	if *clearFinished {
		n := app.ClearFinished(ctx)
		log.Info("cleared finished tasks", "count", n)
	}

	if app.AnyFailed(ids) {
		return exitFailure
	}
	return exitOK
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return "", errors.New("no token on stdin")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
