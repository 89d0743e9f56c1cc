package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dyluth/secontrol/internal/config"
	"github.com/dyluth/secontrol/internal/logging"
	"github.com/dyluth/secontrol/internal/printer"
	"github.com/dyluth/secontrol/internal/resolver"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/dyluth/secontrol/pkg/device"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
)

const connectTimeout = 10 * time.Second

var versionString = "dev"

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// Execute builds the command tree and runs it against os.Args.
func Execute() error {
	ctx, stop := signalContext(context.Background())
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil && !printer.IsReported(err) {
		printer.Error("invalid usage", err.Error(), []string{"Run 'secontrol --help' for usage"})
	}
	return err
}

// rootOptions holds the global flags and the configuration they resolve to.
type rootOptions struct {
	configPath string
	redisURL   string
	ownerID    string
	playerID   string
	gridID     string
	logLevel   string

	cfg *config.Config
}

// NewRootCmd returns the secontrol command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}

	root := &cobra.Command{
		Use:   "secontrol",
		Short: "secontrol - Space Engineers grid control over Redis",
		Long: `secontrol talks to the Space Engineers Redis bridge plugin.

It reads the telemetry documents the plugin writes for every grid and device,
follows them live through keyspace notifications and publishes commands on the
per-player command channels.

Configuration comes from an optional YAML file (--config), then the
environment (REDIS_URL, SE_OWNER_ID, SE_PLAYER_ID, SE_GRID_ID, ...), then the
flags below.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			printer.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
			return o.load()
		},
		SilenceErrors: true,
		SilenceUsage:  true,

		// Enable strict flag parsing - unknown flags will cause an error
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&o.redisURL, "redis-url", "", "Redis URL (overrides REDIS_URL)")
	flags.StringVar(&o.ownerID, "owner", "", "Owner (Steam) id (overrides SE_OWNER_ID)")
	flags.StringVar(&o.playerID, "player", "", "Player id used for command channels, defaults to the owner")
	flags.StringVarP(&o.gridID, "grid", "g", "", "Grid id (overrides SE_GRID_ID)")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newGridsCmd(o),
		newDevicesCmd(o),
		newTelemetryCmd(o),
		newSendCmd(o),
		newSendGridCmd(o),
		newWatchCmd(o),
		newPowerCmd(o, "enable", "Turn a device on"),
		newPowerCmd(o, "disable", "Turn a device off"),
		newPowerCmd(o, "toggle", "Flip a device's enabled state"),
	)
	return root
}

// load resolves the configuration once per invocation.
func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(), []string{"Check --config and the SECONTROL_* environment"})
	}

	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.ownerID != "" {
		cfg.OwnerID = o.ownerID
	}
	if o.playerID != "" {
		cfg.PlayerID = o.playerID
	}
	if o.gridID != "" {
		cfg.GridID = o.gridID
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	o.cfg = cfg
	return nil
}

// connect opens the bus connection and installs it as the process default.
// The caller closes it with bus.CloseDefault.
func (o *rootOptions) connect(cmd *cobra.Command) (*bus.Conn, error) {
	if err := o.cfg.RequireOwner(); err != nil {
		return nil, printer.Error("owner id missing", err.Error(), []string{"Pass --owner <steam id>", "Export SE_OWNER_ID"})
	}

	logger := logging.New(o.cfg.LogLevel, o.cfg.LogHandler, cmd.ErrOrStderr())
	conn, err := bus.New(o.cfg.Bus(logger))
	if err != nil {
		logger.Debug("bus setup failed", logging.Err(err))
		return nil, printer.FromError(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		logger.Debug("connect failed", "timeout", connectTimeout, logging.Err(err))
		conn.Close()
		return nil, printer.FromError(err)
	}

	bus.SetDefault(conn)
	return conn, nil
}

// identity turns a device reference into an identity. A known type and grid
// address the canonical key directly; anything else goes through the
// directory so that names and ID prefixes work.
func (o *rootOptions) identity(ctx context.Context, conn *bus.Conn, ref, deviceType string) (bus.Identity, error) {
	if deviceType != "" && o.cfg.GridID != "" {
		return bus.Identity{
			OwnerID:    o.cfg.OwnerID,
			PlayerID:   o.cfg.PlayerID,
			GridID:     o.cfg.GridID,
			DeviceType: deviceType,
			DeviceID:   ref,
		}, nil
	}

	info, err := resolver.ResolveDevice(ctx, device.NewDirectory(conn), o.cfg.OwnerID, o.cfg.GridID, ref)
	if err != nil {
		return bus.Identity{}, err
	}
	id := info.Identity()
	id.PlayerID = o.cfg.PlayerID
	return id, nil
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// parseValue reads a --state or --payload flag. JSON with comments and
// trailing commas is decoded, anything else is sent as a plain string.
func parseValue(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON([]byte(raw))))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

// parseObject reads a flag that must hold a JSON object.
func parseObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	m, ok := parseValue(raw).(map[string]any)
	if !ok {
		return nil, &bus.ValidationError{Field: flag, Reason: "must be a JSON object"}
	}
	return m, nil
}
