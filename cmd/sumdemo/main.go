package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/glycerine/rpchub"
	"github.com/nuclio/errors"
	"github.com/spf13/cobra"
)

// Sum is the one method the demo serves.
var Sum = rpchub.NewMethod2("Calc", "Sum",
	func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	})

type rootCommandeer struct {
	cmd        *cobra.Command
	configPath string
	logLevel   string
}

func newRootCommandeer() *rootCommandeer {
	commandeer := &rootCommandeer{}

	cmd := &cobra.Command{
		Use:           "sumdemo [command]",
		Short:         "rpchub demo: serve Calc.Sum over TCP, or call it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&commandeer.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVarP(&commandeer.logLevel, "log-level", "l", "", "debug, info, warn or error")

	cmd.AddCommand(
		newServeCommandeer(commandeer).cmd,
		newCallCommandeer(commandeer).cmd,
		&cobra.Command{
			Use:   "version",
			Short: "Show build version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(rpchub.GetCodeVersion("sumdemo"))
			},
		},
	)
	commandeer.cmd = cmd
	return commandeer
}

func (rc *rootCommandeer) config(name string) (*rpchub.Config, error) {
	cfg := rpchub.NewConfig()
	path := rc.configPath
	if path == "" {
		if p := rpchub.DefaultConfigPath(); fileExists(p) {
			path = p
		}
	}
	if path != "" {
		var err error
		cfg, err = rpchub.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.Name = name
	if rc.logLevel != "" {
		cfg.LogLevel = rc.logLevel
	}
	return cfg, nil
}

type serveCommandeer struct {
	root        *rootCommandeer
	cmd         *cobra.Command
	addr        string
	compression string
}

func newServeCommandeer(root *rootCommandeer) *serveCommandeer {
	commandeer := &serveCommandeer{root: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Calc.Sum until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.config("sumdemo-server")
			if err != nil {
				return err
			}
			if commandeer.compression != "" {
				cfg.Compression = commandeer.compression
			}
			hub, err := rpchub.NewHub(cfg)
			if err != nil {
				return errors.Wrap(err, "Failed to create hub")
			}
			defer hub.Close()
			hub.Use(rpchub.CallLogger())
			if err := hub.Register(Sum); err != nil {
				return err
			}
			lis, err := net.Listen("tcp", commandeer.addr)
			if err != nil {
				return errors.Wrapf(err, "Failed to listen on %v", commandeer.addr)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return hub.Serve(ctx, lis)
		},
	}
	cmd.Flags().StringVarP(&commandeer.addr, "addr", "a", "127.0.0.1:7070", "Address to listen on")
	cmd.Flags().StringVarP(&commandeer.compression, "compression", "z", "", "Frame compression: zstd, lz4 or none")

	commandeer.cmd = cmd
	return commandeer
}

type callCommandeer struct {
	root        *rootCommandeer
	cmd         *cobra.Command
	addr        string
	compression string
	timeout     time.Duration
}

func newCallCommandeer(root *rootCommandeer) *callCommandeer {
	commandeer := &callCommandeer{root: root}

	cmd := &cobra.Command{
		Use:   "call a b",
		Short: "Call Calc.Sum(a, b) and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrapf(err, "Bad first operand %q", args[0])
			}
			b, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrapf(err, "Bad second operand %q", args[1])
			}
			cfg, err := root.config("sumdemo-client")
			if err != nil {
				return err
			}
			// give up quickly when nobody is listening.
			cfg.MaxReconnectAttempts = 1

			hub, err := rpchub.NewHub(cfg)
			if err != nil {
				return errors.Wrap(err, "Failed to create hub")
			}
			defer hub.Close()
			hub.Connector = &rpchub.NetConnector{
				Addr:        commandeer.addr,
				Compression: commandeer.compression,
				DialTimeout: commandeer.timeout,
			}

			ctx, cancel := context.WithTimeout(context.Background(), commandeer.timeout)
			defer cancel()
			sum, err := rpchub.Call[int](ctx, hub, Sum, a, b)
			if err != nil {
				return err
			}
			fmt.Println(sum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&commandeer.addr, "addr", "a", "127.0.0.1:7070", "Server address")
	cmd.Flags().StringVarP(&commandeer.compression, "compression", "z", "", "Frame compression: zstd, lz4 or none")
	cmd.Flags().DurationVarP(&commandeer.timeout, "timeout", "t", 10*time.Second, "Give up after this long")

	commandeer.cmd = cmd
	return commandeer
}

func fileExists(name string) bool {
	fi, err := os.Stat(name)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

func main() {
	if err := newRootCommandeer().cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sumdemo: %v\n", err)
		os.Exit(1)
	}
}
