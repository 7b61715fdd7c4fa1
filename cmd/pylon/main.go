// Package main is the entry point for the Estelle Pylon. One binary runs
// the relay link, the assistant session manager, and the two loopback TCP
// services (beacon and MCP bridge) with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/estelle/pylon/internal/beacon"
	"github.com/estelle/pylon/internal/blob"
	"github.com/estelle/pylon/internal/claude"
	"github.com/estelle/pylon/internal/common/config"
	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/deploy"
	"github.com/estelle/pylon/internal/folder"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/mcp"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/persistence"
	"github.com/estelle/pylon/internal/pylon"
	"github.com/estelle/pylon/internal/relay"
	"github.com/estelle/pylon/internal/share"
	"github.com/estelle/pylon/internal/task"
	"github.com/estelle/pylon/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	log.Info("Starting pylon",
		zap.Int("deviceId", cfg.Relay.DeviceID),
		zap.String("environment", cfg.Environment),
		zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.OpenSQLite(cfg.Database.Path, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()

	workspaces := workspace.NewStore(cfg.Relay.DeviceID, log)
	msgs := messages.NewStore(store.SaveMessageSession, log)
	// Repeated flush failures mean messages are no longer reaching disk;
	// trigger the ordered shutdown path instead of running on.
	msgs.SetOnFatal(func(err error) {
		log.Error("Message persistence failing repeatedly, shutting down", zap.Error(err))
		stop()
	})
	msgs.SetOnDelete(func(id identity.ConversationID) {
		if err := store.DeleteMessageSession(id); err != nil {
			log.Error("Delete message session failed", zap.Error(err))
		}
	})

	// Snapshot the workspace tree on every mutation. Persistence failures
	// are logged, not fatal: the in-memory state stays authoritative.
	workspaces.SetOnChange(func() {
		data, err := workspaces.ToJSON()
		if err != nil {
			log.Error("Snapshot encode failed", zap.Error(err))
			return
		}
		if err := store.SaveWorkspaceSnapshot(data); err != nil {
			log.Error("Snapshot save failed", zap.Error(err))
		}
	})

	shares := share.NewStore()
	folders := folder.NewService()
	tasks := task.NewService(cfg.Tasks.Dir)
	blobs := blob.NewStore(os.TempDir())
	deployer := deploy.NewRunner(cfg.Environment, cfg.Deploy.ScriptPath, cfg.Deploy.LogDir, log)

	beaconAddr := net.JoinHostPort(cfg.Beacon.Host, strconv.Itoa(cfg.Beacon.Port))
	beaconSrv := beacon.NewServer(beaconAddr, cfg.Mcp.Host, cfg.Mcp.Port, nil, log)

	assistant := claude.NewManager(claude.LaunchCLI, workspaces, beaconSrv, log)
	assistant.SetOnSessionID(func(id identity.ConversationID, sessionID string) {
		workspaces.UpdateAssistantSessionID(id, sessionID)
	})

	mcpAddr := net.JoinHostPort(cfg.Mcp.Host, strconv.Itoa(cfg.Mcp.Port))
	mcpSrv := mcp.NewServer(mcpAddr, cfg.Environment, version, mcp.Deps{
		Workspaces: workspaces,
		Messages:   msgs,
		Shares:     shares,
		Deployer:   deployer,
		Sessions:   assistant,
		Files:      assistant,
		Lookup: func(toolUseID string) (identity.ConversationID, bool) {
			id, _, ok := beaconSrv.LookupTool(toolUseID)
			return id, ok
		},
	}, log)

	relayClient := relay.NewClient(cfg.Relay.URL, relay.AuthPayload{
		DeviceID:   cfg.Relay.DeviceID,
		DeviceType: "pylon",
		DeviceName: cfg.Relay.DeviceName,
	}, log)

	var packets *pylon.PacketLog
	if cfg.Relay.PacketLogPath != "" {
		packets, err = pylon.OpenPacketLog(cfg.Relay.PacketLogPath)
		if err != nil {
			log.Warn("Packet log disabled", zap.Error(err))
		} else {
			defer packets.Close()
		}
	}

	router := pylon.NewRouter(pylon.Deps{
		Sender:     relayClient,
		Workspaces: workspaces,
		Messages:   msgs,
		Assistant:  assistant,
		Folders:    folders,
		Tasks:      tasks,
		Blobs:      blobs,
		Packets:    packets,
	}, version, cfg.Environment, log)

	if err := router.Restore(store); err != nil {
		log.Fatal("Failed to restore persisted state", zap.Error(err))
	}

	relayClient.SetHandler(router.HandleEnvelope)
	relayClient.SetOnConnect(router.AnnouncePresence)

	if err := beaconSrv.Start(ctx); err != nil {
		log.Fatal("Failed to start beacon service", zap.Error(err))
	}
	if err := mcpSrv.Start(ctx); err != nil {
		log.Fatal("Failed to start MCP bridge", zap.Error(err))
	}
	log.Info("Local services listening",
		zap.String("beacon", beaconSrv.Addr()),
		zap.String("mcp", mcpSrv.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relayClient.Run(gctx) })
	g.Go(func() error { return router.Run(gctx) })

	<-gctx.Done()
	log.Info("Shutting down")

	// Sessions end and logs flush first, then the local services stop, and
	// the relay link drops last so clients see the pylon leave cleanly.
	router.Shutdown()
	_ = beaconSrv.Close()
	_ = mcpSrv.Close()
	_ = relayClient.Close()
	if err := store.FlushAll(); err != nil {
		log.Error("Final flush failed", zap.Error(err))
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Warn("Service loop exited", zap.Error(err))
	}
	log.Info("Pylon stopped")
}
