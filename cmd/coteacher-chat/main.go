package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"coteacher/internal/chat"
	"coteacher/internal/config"
	"coteacher/internal/gateway"
	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/roster"
	"coteacher/internal/wsconn"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	serverURL  string
	socketURL  string
	teacherID  string
	classID    string
	students   []string
	token      string
	logLevel   string
	turnWait   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coteacher-chat: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "coteacher-chat",
		Short: "Chat with the co-teacher assistant from the terminal",
		Long: "Opens the streaming socket of a coteacher server and chats about a class,\n" +
			"or about specific students when --student is given.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "config file providing stream.url and log settings")
	flags.StringVar(&opts.serverURL, "server", "http://localhost:8090", "coteacher server base URL")
	flags.StringVar(&opts.socketURL, "socket", "", "streaming socket URL (default derived from --server)")
	flags.StringVar(&opts.teacherID, "teacher", "", "teacher id (email)")
	flags.StringVar(&opts.classID, "class", "", "class id")
	flags.StringSliceVar(&opts.students, "student", nil, "student id to focus on (repeatable)")
	flags.StringVar(&opts.token, "token", os.Getenv("COTEACHER_TOKEN"), "auth token issued by the server sign-in")
	flags.StringVar(&opts.logLevel, "log-level", "error", "log level")
	flags.DurationVar(&opts.turnWait, "turn-timeout", 2*time.Minute, "how long to wait for a streamed reply")
	return cmd
}

func run(ctx context.Context, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	logCfg := config.LogConfig{Level: opts.logLevel}
	var retryDelay time.Duration
	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		logCfg = cfg.Log
		if opts.socketURL == "" {
			opts.socketURL = cfg.Stream.URL
		}
		retryDelay = time.Duration(cfg.Stream.RetryDelayMS) * time.Millisecond
	}
	logger, closer, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	if opts.socketURL == "" {
		opts.socketURL = socketURLFor(opts.serverURL)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithHTTPClient(&http.Client{Timeout: 30 * time.Second})}
	header := http.Header{}
	if opts.token != "" {
		gwOpts = append(gwOpts, gateway.WithBearerToken(opts.token))
		header.Set("Authorization", "Bearer "+opts.token)
	}
	gw := gateway.New(gateway.ServerEndpoints(opts.serverURL), gwOpts...)

	out := newRenderer(os.Stdout)
	var controller *chat.Controller
	manager := wsconn.New(wsconn.Config{
		URL:        opts.socketURL,
		TeacherID:  opts.teacherID,
		RetryDelay: retryDelay,
		Header:     header,
	}, wsconn.Handler{
		OnMessage: func(frame models.InboundFrame) {
			controller.HandleFrame(frame)
			out.frame(frame)
		},
		OnError: func(err error) { out.notice("connection error: " + err.Error()) },
		OnClose: func(info wsconn.CloseInfo) {
			if !info.Clean {
				out.notice(fmt.Sprintf("connection closed (%d), reconnecting", info.Code))
			}
		},
	}, wsconn.WithLogger(logger))
	controller = chat.NewController(chat.Scope{
		TeacherID:  opts.teacherID,
		ClassID:    opts.classID,
		StudentIDs: opts.students,
	}, manager, gw, logger)

	defer manager.Disconnect()
	if err := startTransport(ctx, manager, out); err != nil {
		return err
	}

	s := &session{
		gateway:    gw,
		rosters:    roster.NewCache(),
		controller: controller,
		out:        out,
		teacherID:  opts.teacherID,
		classID:    opts.classID,
		turnWait:   opts.turnWait,
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	out.notice("type /help for commands")
	for {
		input, err := line.Prompt(s.prompt())
		if err != nil {
			// liner.ErrPromptAborted or io.EOF
			return nil
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)
		quit, err := s.exec(ctx, input)
		if err != nil {
			out.notice("error: " + err.Error())
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

// startTransport opens the socket once. Only a malformed URL is fatal; any
// other failure leaves the manager's retry armed and the REPL usable.
func startTransport(ctx context.Context, m *wsconn.Manager, out *renderer) error {
	err := m.Connect(ctx)
	switch {
	case err == nil:
		out.notice("connected to " + m.URL())
		return nil
	case errors.Is(err, wsconn.ErrInvalidURL):
		return fmt.Errorf("connect %s: %w", m.URL(), err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		out.notice(fmt.Sprintf("cannot reach %s (%v), retrying in the background", m.URL(), err))
		return nil
	}
}

// socketURLFor maps http(s)://host to ws(s)://host/ws.
func socketURLFor(serverURL string) string {
	base := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
