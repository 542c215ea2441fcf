package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nodebbs/bbs"
	"nodebbs/config"
	"nodebbs/db"
	"nodebbs/logging"
	"nodebbs/server"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "nodebbs",
		Usage: "Multi-node bulletin board server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				EnvVars: []string{"NODEBBS_CONFIG"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:      "ctl",
				Usage:     "Send a command to a running board (stats, nodes, broadcast|text, level|name|n, shutdown|reason)",
				ArgsUsage: "<command>",
				Action:    control,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("nodebbs failed")
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	logger := logging.New("nodebbs", cfg.LogLevel)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	hub := server.NewHub(logger)
	board := bbs.NewBoard(boardOptions(cfg), hub, database, gateFrom(cfg.ACS), logger)
	srv := server.New(board, hub, &server.ServerConfig{
		Port:         cfg.Port,
		WSAddr:       cfg.WSAddr,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}, logger)

	// Start control socket for management commands
	go startControlSocket(cfg.ControlSocket, srv, board)

	go pruneRateLimits(board, time.Duration(cfg.RateLimit.Window)*time.Second)

	if cfg.WSAddr != "" {
		go func() {
			if err := srv.StartWS(); err != nil {
				log.Error().Err(err).Msg("websocket listener stopped")
			}
		}()
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdown(srv, "maintenance", cfg.ControlSocket)
	}()

	log.Info().Str("name", cfg.BBSName).Int("nodes", cfg.MaxNodes).Int("port", cfg.Port).Msg("board starting")
	return srv.Start()
}

// control is the client side of the control socket.
func control(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowSubcommandHelp(c)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("unix", cfg.ControlSocket, 5*time.Second)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", cfg.ControlSocket, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, strings.Join(c.Args().Slice(), " ")); err != nil {
		return err
	}
	_, err = io.Copy(os.Stdout, conn)
	return err
}

func boardOptions(cfg *config.Config) bbs.Options {
	opts := bbs.DefaultOptions()
	opts.Name = cfg.BBSName
	opts.MaxNodes = cfg.MaxNodes
	opts.RateWindow = time.Duration(cfg.RateLimit.Window) * time.Second
	opts.RateMax = cfg.RateLimit.Max
	opts.Conferences = cfg.Conferences
	opts.ChatRequestTimeout = time.Duration(cfg.Chat.RequestTimeout) * time.Second
	if cfg.Chat.TypingIdleMS > 0 {
		opts.TypingIdle = time.Duration(cfg.Chat.TypingIdleMS) * time.Millisecond
	}
	opts.MaxChatMessage = cfg.Chat.MaxMessageLength
	opts.OLMMaxLines = cfg.OLM.MaxLines
	opts.OLMDuringChat = cfg.OLM.DeliverDuringChat
	return opts
}

func gateFrom(acs map[string]int) bbs.LevelGate {
	gate := make(bbs.LevelGate, len(acs))
	for name, level := range acs {
		gate[bbs.Capability(strings.ToLower(name))] = level
	}
	return gate
}

func pruneRateLimits(board *bbs.Board, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		board.PruneRateLimits()
	}
}

func shutdown(srv *server.Server, reason, socketPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx, reason); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}

	// Give writers time to flush the goodbye packets
	time.Sleep(100 * time.Millisecond)

	os.Remove(socketPath)
	os.Exit(0)
}

func startControlSocket(path string, srv *server.Server, board *bbs.Board) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create control socket")
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(conn, srv, board, path)
	}
}

func handleControlCommand(conn net.Conn, srv *server.Server, board *bbs.Board, socketPath string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 2)
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}

	switch parts[0] {
	case "stats":
		fmt.Fprintf(conn, "OK|%s\n", srv.GetStats())

	case "nodes":
		for _, n := range board.Nodes() {
			fmt.Fprintf(conn, "NODE|%d|%s|%s|%s|%d\n", n.Node, displayName(n), n.Origin, n.Doing, n.PendingOLMs)
		}
		fmt.Fprintln(conn, "OK")

	case "broadcast":
		if arg == "" {
			fmt.Fprintln(conn, "ERROR|Nothing to broadcast")
			return
		}
		n := board.Broadcast(arg)
		fmt.Fprintf(conn, "OK|%d\n", n)

	case "level":
		name, raw, _ := strings.Cut(arg, "|")
		level, err := strconv.Atoi(strings.TrimSpace(raw))
		if strings.TrimSpace(name) == "" || err != nil {
			fmt.Fprintln(conn, "ERROR|Usage: level|name|n")
			return
		}
		if err := board.SetSecLevel(strings.TrimSpace(name), level); err != nil {
			fmt.Fprintf(conn, "ERROR|%s\n", err)
			return
		}
		fmt.Fprintf(conn, "OK|%s=%d\n", strings.TrimSpace(name), level)

	case "shutdown":
		reason := "maintenance"
		if arg != "" {
			reason = arg
		}

		fmt.Fprintln(conn, "OK|Shutting down")
		conn.Close()

		log.Info().Str("reason", reason).Msg("shutdown requested")
		shutdown(srv, reason, socketPath)

	default:
		fmt.Fprintln(conn, "ERROR|Unknown command")
	}
}

func displayName(n bbs.NodeInfo) string {
	if n.Name == "" {
		return "-"
	}
	return n.Name
}
