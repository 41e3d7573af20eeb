package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/42wim/mxstate/bridge"
	"github.com/42wim/mxstate/bridge/matrix"
	"github.com/42wim/mxstate/config"
	"github.com/42wim/mxstate/pkg/notifications"
	"github.com/42wim/mxstate/pkg/roomgraph"
	"github.com/42wim/mxstate/pkg/settings"
	"github.com/42wim/mxstate/pkg/timeline"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/gops/agent"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix/id"
)

var (
	version = "0.1.0-dev"
	githash string
	logger  = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "main")
)

var (
	flagConfig  = pflag.String("config", "", "config file")
	flagReplay  = pflag.String("replay", "", "replay sync responses from a JSON dump")
	flagDebug   = pflag.Bool("debug", false, "enable debug logging")
	flagGops    = pflag.Bool("gops", false, "enable gops agent")
	flagOpen    = pflag.String("open", "", "materialize the live timeline of this room after the replay")
	flagVersion = pflag.Bool("version", false, "show version")
)

func main() {
	pflag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s %s\n", version, githash)
		return
	}

	if *flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logrus.Errorf("failed to start gops agent: %s", err)
		}
		defer agent.Close()
	}

	v, err := loadConfig()
	if err != nil {
		logrus.Fatal(err)
	}

	cfg, err := config.Decode(v)
	if err != nil {
		logrus.Fatal(err)
	}

	setLoggers(v)

	if cfg.UserID == "" {
		logger.Fatal("userid is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, v, cfg); err != nil {
		logger.Fatal(err)
	}
}

func loadConfig() (*viper.Viper, error) {
	v := config.New()

	if *flagConfig != "" {
		var err error

		v, err = config.LoadConfig(*flagConfig)
		if err != nil {
			return nil, err
		}
	}

	if *flagDebug {
		v.Set("debug", true)
	}

	return v, nil
}

func setLoggers(v *viper.Viper) {
	logger = config.NewLogger(v, "main")

	roomgraph.SetLogger(config.NewLogger(v, "roomgraph"))
	timeline.SetLogger(config.NewLogger(v, "timeline"))
	notifications.SetLogger(config.NewLogger(v, "notifications"))
	settings.SetLogger(config.NewLogger(v, "settings"))

	logger.Infof("mxstate %s %s", version, githash)

	if v.GetBool("debug") {
		logger.Info("enabling debug")
	}

	if v.GetBool("trace") {
		logger.Info("enabling trace")
	}
}

func run(ctx context.Context, v *viper.Viper, cfg *config.Settings) (rerr error) {
	userID := id.UserID(cfg.UserID)

	store, err := settings.Open(cfg.Settings.Path, userID)
	if err != nil {
		return err
	}

	m := matrix.New(v, userID)
	out := bridge.NewBus()

	out.Subscribe(func(ev *bridge.Event) {
		logger.Debugf("%s: %s", ev.Type, spew.Sdump(ev.Data))
	})

	graph := roomgraph.New(m, out, roomgraph.Options{DirectCorrectionWindow: cfg.RoomList.DirectCorrectionWindow})
	graph.Start()

	agg := notifications.New(m, graph, out, store)
	agg.Start()

	defer func() {
		agg.Close()
		graph.Close()

		if err := store.Close(); err != nil {
			rerr = multierror.Append(rerr, fmt.Errorf("closing settings: %w", err))
		}
	}()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := serveMetrics(ctx, cfg.Metrics.Listen, cfg.Metrics.TLSCert, cfg.Metrics.TLSKey); err != nil {
				logger.Errorf("metrics: %s", err)
			}
		}()
	}

	if *flagReplay != "" {
		if err := replay(ctx, m, *flagReplay); err != nil {
			return err
		}
	}

	graph.Populate()
	agg.Init()

	logger.Infof("spaces %d, rooms %d, directs %d, muted %d, badge %s",
		len(graph.Spaces()), len(graph.Rooms()), len(graph.Directs()), len(agg.MutedRooms()), agg.Badge())

	for _, spaceID := range graph.OrphanSpaces() {
		c := agg.Count(spaceID)
		logger.Infof("space %s: %d unread, %d highlighted", spaceID, c.Total, c.Highlight)
	}

	if *flagOpen != "" {
		if err := openTimeline(ctx, m, store, cfg, id.RoomID(*flagOpen)); err != nil {
			return err
		}
	}

	if cfg.Metrics.Listen != "" {
		<-ctx.Done()
	}

	return nil
}

func replay(ctx context.Context, m *matrix.Matrix, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening replay: %w", err)
	}
	defer f.Close()

	return m.Run(ctx, matrix.NewReplaySource(f))
}

func openTimeline(ctx context.Context, m *matrix.Matrix, store *settings.Store, cfg *config.Settings, roomID id.RoomID) error {
	opts := timeline.Options{
		HideMembership: cfg.Timeline.HideMembership,
		HideNickAvatar: cfg.Timeline.HideNickAvatar,
	}

	if hide, err := store.HideMembershipEvents(); err == nil && hide {
		opts.HideMembership = true
	}

	if hide, err := store.HideNickAvatarEvents(); err == nil && hide {
		opts.HideNickAvatar = true
	}

	e, err := timeline.New(m, roomID, opts)
	if err != nil {
		return err
	}
	defer e.Detach()

	if !e.LoadLiveTimeline(ctx) {
		return fmt.Errorf("loading timeline of %s failed", roomID)
	}

	for _, ev := range e.Events() {
		fmt.Printf("%s %s %s reactions=%d edits=%d\n",
			ev.ID, ev.Sender, ev.Type.Type, len(e.Reactions(ev.ID)), len(e.Edits(ev.ID)))
	}

	logger.Infof("%s: %d events, %d pending decryption, live readers %v",
		roomID, len(e.Events()), e.PendingDecryptions(), e.LiveReaders())

	return nil
}
