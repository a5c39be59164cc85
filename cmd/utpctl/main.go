// Command utpctl inspects, publishes and serves a protocol built from a
// TOML config.
//
//	utpctl proto    -config utp.toml            print the PROTO packet as hex
//	utpctl describe -config utp.toml [NAME...]  print schema descriptions
//	utpctl publish  -config utp.toml            publish PROTO to etcd until interrupted
//	utpctl watch    -config utp.toml            follow PROTO updates from etcd
//	utpctl serve    -config utp.toml -addr :7000
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"utp/codec"
	"utp/config"
	"utp/logging"
	"utp/message"
	"utp/middleware"
	"utp/registry"
	"utp/rpc"
)

const usage = `usage: utpctl <proto|describe|publish|watch|serve> [-config path] [flags]`

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "proto":
		err = runProto(rest, stdout, stderr)
	case "describe":
		err = runDescribe(rest, stdout, stderr)
	case "publish":
		err = runPublish(ctx, rest, stderr)
	case "watch":
		err = runWatch(ctx, rest, stderr)
	case "serve":
		err = runServe(ctx, rest, stderr)
	default:
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		log.Error().Err(err).Str("cmd", args[0]).Msg("utpctl failed")
		return 1
	}
	return 0
}

func newFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs, fs.String("config", "utp.toml", "config path")
}

// load parses the config file named by -config and applies it to a new
// registry.
func load(path string) (*config.Config, *registry.Registry, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping default")
	}
	reg := registry.New()
	if err := config.Apply(cfg, reg); err != nil {
		return nil, nil, err
	}
	log.Debug().Str("path", path).Uint32("version", reg.Version()).Msg("loaded config")
	return cfg, reg, nil
}

func runProto(args []string, stdout, stderr io.Writer) error {
	fs, path := newFlags("proto", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, reg, err := load(*path)
	if err != nil {
		return err
	}
	packet, err := codec.New(reg).EncodeProto()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hex.EncodeToString(packet))
	return nil
}

func runDescribe(args []string, stdout, stderr io.Writer) error {
	fs, path := newFlags("describe", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, reg, err := load(*path)
	if err != nil {
		return err
	}
	names := fs.Args()
	if len(names) == 0 {
		state := reg.State()
		for i := 0; i < state.Len(); i++ {
			d, _ := state.Schema(uint16(i))
			names = append(names, d.Name)
		}
	}
	for _, name := range names {
		text, err := reg.Describe(name)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, text)
	}
	state := reg.State()
	for _, method := range state.Methods() {
		name, _ := state.Method(method)
		fmt.Fprintf(stdout, "rpc %s -> %s\n", method, name)
	}
	return nil
}

func openStore(cfg *config.Config) (*registry.EtcdStore, error) {
	opts, ok := cfg.EtcdOptions()
	if !ok {
		return nil, errors.New("config has no etcd_endpoints")
	}
	return registry.NewEtcdStore(opts)
}

func runPublish(ctx context.Context, args []string, stderr io.Writer) error {
	fs, path := newFlags("publish", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, reg, err := load(*path)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	packet, err := codec.New(reg).EncodeProto()
	if err != nil {
		return err
	}
	if err := store.Publish(ctx, packet); err != nil {
		return err
	}
	log.Info().Str("node", store.Node()).Uint32("version", reg.Version()).Msg("published; interrupt to withdraw")
	<-ctx.Done()
	return nil
}

func runWatch(ctx context.Context, args []string, stderr io.Writer) error {
	fs, path := newFlags("watch", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, reg, err := load(*path)
	if err != nil {
		return err
	}
	// Following only makes sense for a registry that accepts updates.
	reg.SetLock(false)
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := codec.Follow(ctx, store, codec.New(reg)); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs, path := newFlags("serve", stderr)
	addr := fs.String("addr", ":7000", "listen address")
	timeout := fs.Duration("timeout", 5*time.Second, "per-call timeout")
	rps := fs.Float64("rps", 1000, "calls per second before callers get an ERROR")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, reg, err := load(*path)
	if err != nil {
		return err
	}
	router := rpc.NewRouter(rpc.New(codec.New(reg)))
	router.Use(middleware.LoggingMiddleware())
	router.Use(middleware.RateLimitMiddleware(*rps, int(*rps)+1))
	router.Use(middleware.TimeOutMiddleware(*timeout))

	// Every bound method echoes its data back under the same method.
	for _, method := range reg.Methods() {
		err := router.Handle(method, func(_ context.Context, call *message.Call) *message.Reply {
			return &message.Reply{Data: call.Data}
		})
		if err != nil {
			return err
		}
	}
	return router.ListenAndServe(ctx, "tcp", *addr)
}
