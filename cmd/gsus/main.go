// Command gsus calls the gsus daemon's Manager object.
//
//	gsus echo hello
//	gsus version
//	gsus list
//	gsus add file-c
//	gsus monitor
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"gsus/bootstrap"
	"gsus/client"
	"gsus/config"
	"gsus/transport"
)

const usage = "Usage: gsus <echo|version|list|add|monitor> [...]"

type CLI struct {
	bootstrap.Flags `embed:""`

	Echo    EchoCmd    `cmd:"" help:"Send a string and print the reply"`
	Version VersionCmd `cmd:"" help:"Print the daemon's version"`
	List    ListCmd    `cmd:"" help:"Print the daemon's items, one per line"`
	Add     AddCmd     `cmd:"" help:"Append an item; exits 1 if the daemon refuses it"`
	Monitor MonitorCmd `cmd:"" help:"Print items as Changed signals announce them"`
}

// App is bound into every command's Run.
type App struct {
	ctx    context.Context
	client *client.Client
	out    io.Writer
}

type dialFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.ClientConn, error)

// exitCode carries kong's requested exit out of a parse.
type exitCode int

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, bootstrap.DialClient)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, dial dialFunc) (code int) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("gsus"),
		kong.Description("Call the gsus daemon."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(c int) { panic(exitCode(c)) }),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			c, ok := r.(exitCode)
			if !ok {
				panic(r)
			}
			code = int(c)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, usage)
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := cli.Load()
	if err != nil {
		fmt.Fprintf(stderr, "gsus: %v\n", err)
		return 1
	}
	logger, err := bootstrap.NewLogger(cfg.Log, stderr, cli.Verbose)
	if err != nil {
		fmt.Fprintf(stderr, "gsus: %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	conn, err := dial(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open %s bus: %v\n", cfg.Bus.Transport, err)
		return 1
	}
	cl := client.New(conn,
		client.WithTimeout(cfg.Client.Timeout),
		client.WithDestination(cfg.Bus.Name),
		client.WithObject(cfg.Bus.Path, cfg.Bus.Interface),
	)
	defer cl.Close()

	if err := kctx.Run(&App{ctx: ctx, client: cl, out: stdout}); err != nil {
		if !errors.Is(err, errRefused) {
			fmt.Fprintln(stderr, err)
		}
		return 1
	}
	return 0
}
