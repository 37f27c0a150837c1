package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/p2pmq"
	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/health"
	"github.com/glimte/p2pmq/metrics"
	"github.com/glimte/p2pmq/rpc"
	"github.com/nats-io/nkeys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "p2pnode",
		Short: "Run and inspect p2pmq messaging nodes",
		Long: `p2pnode runs a messaging node with its embedded broker, generates node identity
keys and calls the RPC ops a running node serves.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Run command
	var (
		configPath string
		httpAddr   string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			node, err := p2pmq.NewNode(cfg,
				p2pmq.WithLogger(logger),
				p2pmq.WithMetricsRegistry(reg),
				p2pmq.WithDebugLogging(verbose))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			defer func() {
				if err := node.Stop(); err != nil {
					logger.Error("node shutdown failed", "error", err)
				}
			}()

			if httpAddr != "" {
				srv := newHTTPServer(httpAddr, reg, node.Health())
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			info := node.Info()
			fmt.Printf("Node %s started\n", info.LegalName)
			fmt.Printf("  P2P address: %s\n", info.Addresses[0])
			if addr := node.RPCAddress(); !addr.IsZero() {
				fmt.Printf("  RPC address: %s\n", addr)
			}
			fmt.Printf("  Identity: %s\n", info.IdentityKey)

			err = node.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "node.yaml", "Node configuration file")
	runCmd.Flags().StringVar(&httpAddr, "http", "", "Serve /metrics and /health on this address")

	// Keygen command
	var keyOut string
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(keyOut); err == nil {
				return fmt.Errorf("%s already exists", keyOut)
			}
			kp, err := nkeys.CreateUser()
			if err != nil {
				return fmt.Errorf("failed to create key: %w", err)
			}
			if err := config.WriteIdentity(keyOut, kp); err != nil {
				return err
			}
			pub, err := kp.PublicKey()
			if err != nil {
				return err
			}
			fmt.Printf("Identity key written to %s\n", keyOut)
			fmt.Printf("Public key: %s\n", pub)
			return nil
		},
	}
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "identity.nk", "Where to write the key seed")

	// RPC command
	var (
		rpcAddress string
		rpcUser    string
		rpcPass    string
		rpcTimeout time.Duration
	)
	rpcCmd := &cobra.Command{
		Use:       "rpc <op>",
		Short:     "Call an RPC op on a running node",
		Long:      "Ops: " + strings.Join(rpcOps, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: rpcOps,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := contracts.ParseNetworkHostAndPort(rpcAddress)
			if err != nil {
				return err
			}
			if rpcPass == "" {
				rpcPass = os.Getenv("P2PNODE_RPC_PASSWORD")
			}

			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()

			client, err := rpc.Dial(ctx, addr, rpcUser, rpcPass, rpc.WithClientLogger(newLogger(verbose)))
			if err != nil {
				return err
			}
			defer client.Close()

			return callOp(ctx, client, args[0])
		},
	}
	rpcCmd.Flags().StringVarP(&rpcAddress, "address", "a", "localhost:10003", "RPC address of the node")
	rpcCmd.Flags().StringVarP(&rpcUser, "user", "u", "", "RPC username")
	rpcCmd.Flags().StringVarP(&rpcPass, "password", "p", "", "RPC password (or P2PNODE_RPC_PASSWORD)")
	rpcCmd.Flags().DurationVar(&rpcTimeout, "timeout", 10*time.Second, "Call timeout")
	_ = rpcCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(runCmd, keygenCmd, rpcCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var rpcOps = []string{rpc.OpNodeInfo, rpc.OpNetworkMapSnapshot, rpc.OpPlatformVersion, rpc.OpDeadLetterCount}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newHTTPServer(addr string, reg *prometheus.Registry, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func callOp(ctx context.Context, client *rpc.Client, op string) error {
	switch op {
	case rpc.OpNodeInfo:
		info, err := client.NodeInfo(ctx)
		if err != nil {
			return err
		}
		printNodes([]contracts.NodeInfo{info})
	case rpc.OpNetworkMapSnapshot:
		nodes, err := client.NetworkMapSnapshot(ctx)
		if err != nil {
			return err
		}
		printNodes(nodes)
	case rpc.OpPlatformVersion:
		v, err := client.PlatformVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Platform version: %d\n", v)
	case rpc.OpDeadLetterCount:
		n, err := client.DeadLetterCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Dead letters: %d\n", n)
	default:
		return fmt.Errorf("%w: %s", rpc.ErrUnknownOp, op)
	}
	return nil
}

func printNodes(nodes []contracts.NodeInfo) {
	if len(nodes) == 0 {
		fmt.Println("No nodes found")
		return
	}

	fmt.Printf("%-45s %-25s %-8s %s\n", "Legal Name", "Address", "Version", "Identity")
	fmt.Println(strings.Repeat("-", 100))

	for _, n := range nodes {
		addr := ""
		if len(n.Addresses) > 0 {
			addr = n.Addresses[0].String()
		}
		fmt.Printf("%-45s %-25s %-8d %s\n",
			truncate(n.LegalName, 45),
			addr,
			n.PlatformVersion,
			truncate(n.IdentityKey, 20),
		)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
