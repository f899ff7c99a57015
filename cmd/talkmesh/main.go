// Command talkmesh runs one node of the line-oriented mesh-chat server
// described in spec.md: a client-facing line listener, an optional peer
// listener, and any number of outbound peer dials, all driven by a single
// Reactor goroutine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	tmlog "github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/jan-g/talkmesh/internal/clientcmd"
	"github.com/jan-g/talkmesh/internal/config"
	"github.com/jan-g/talkmesh/internal/debugserver"
	"github.com/jan-g/talkmesh/internal/mesh"
	"github.com/jan-g/talkmesh/internal/meshid"
	"github.com/jan-g/talkmesh/internal/metrics"
	"github.com/jan-g/talkmesh/internal/reactor"
	"github.com/jan-g/talkmesh/internal/speech"
	"github.com/jan-g/talkmesh/internal/topology"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		tmos.Exit(err.Error())
	}
}

func rootCmd() *cobra.Command {
	cfg := config.DefaultConfig()
	var configFile string

	cmd := &cobra.Command{
		Use:   "talkmesh",
		Short: "Run a mesh-chat node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loaded, err := config.LoadFile(configFile)
				if err != nil {
					return err
				}
				loaded.Listen = cfg.Listen
				cfg = loaded
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ID, "id", cfg.ID, "fixed hex ServerId (random if empty)")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "client listen address")
	flags.StringVar(&cfg.PeerListen, "peer-listen", cfg.PeerListen, "peer listen address (none if empty)")
	flags.StringArrayVar(&cfg.Peers, "peer", cfg.Peers, "address of a peer to dial at startup, repeatable")
	flags.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "read-only debug HTTP address (none if empty)")
	flags.StringVar(&configFile, "config", "", "path to a TOML config file")

	v := config.BindFlags(flags)
	originalRunE := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg = config.ApplyViper(cfg, v)
		return originalRunE(cmd, args)
	}

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the protocol version this build speaks",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(cfgProtocolVersion)
		},
	}
}

const cfgProtocolVersion = 1

func run(cfg config.Config) error {
	logger := tmlog.NewTMLogger(tmlog.NewSyncWriter(os.Stdout))

	localID, err := resolveID(cfg.ID)
	if err != nil {
		return err
	}
	logger = logger.With("server", localID.Short())

	m := metrics.NopMetrics()
	if cfg.MetricsNamespace != "" {
		m = metrics.PrometheusMetrics(cfg.MetricsNamespace)
	}

	poller := reactor.NewRealPoller(256)
	r := reactor.New(poller, logger,
		reactor.WithPollTimeout(cfg.PollTimeout),
		reactor.WithShutdownGrace(cfg.ShutdownGrace),
		reactor.WithMetrics(m),
	)

	server := mesh.NewServer(localID, r, logger, m, cfg.MeshConfig())
	sp := speech.Register(server)
	topo := topology.Register(server, m, cfg.PeerSetRefreshInterval, cfg.StalePruneTTL)
	dispatcher := clientcmd.New(server, sp)

	if _, err := server.AddClientListener(cfg.Listen, dispatcher.Handle); err != nil {
		return err
	}
	logger.Info("client listener up", "addr", cfg.Listen)

	if cfg.PeerListen != "" {
		if _, err := server.AddPeerListener(cfg.PeerListen); err != nil {
			return err
		}
		logger.Info("peer listener up", "addr", cfg.PeerListen)
	}

	for _, addr := range cfg.Peers {
		server.ConnectPeer(addr)
	}

	if cfg.DebugListen != "" {
		dbg := debugserver.New(server, topo, m, sp, logger)
		go func() {
			if err := dbg.ListenAndServe(cfg.DebugListen); err != nil {
				logger.Error("debug server stopped", "err", err)
			}
		}()
		logger.Info("debug server up", "addr", cfg.DebugListen)
	}

	tmos.TrapSignal(logger, func() {
		logger.Info("shutting down")
		r.Shutdown()
	})

	r.Run()
	return nil
}

func resolveID(hex string) (meshid.ServerID, error) {
	if hex == "" {
		return meshid.NewServerID()
	}
	return meshid.ParseServerID(hex)
}
