package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bilbercode/gencam/internal/api"
	"github.com/bilbercode/gencam/internal/camera"
	"github.com/bilbercode/gencam/internal/config"
	"github.com/bilbercode/gencam/internal/driver"
	_ "github.com/bilbercode/gencam/internal/driver/simulator"
	"github.com/bilbercode/gencam/internal/liveview"
	"github.com/bilbercode/gencam/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
)

const (
	appName = "gencam"
	appDesc = "generic camera controller"
)

func main() {

	app := cli.App(appName, appDesc)

	logLevel := app.String(cli.StringOpt{
		Name:   "log.level",
		Desc:   "log level",
		EnvVar: "LOG_LEVEL",
		Value:  "info",
	})

	logJSON := app.Bool(cli.BoolOpt{
		Name:   "log.json",
		Desc:   "log as JSON",
		EnvVar: "LOG_JSON",
		Value:  false,
	})

	grpcAddr := app.String(cli.StringOpt{
		Name:   "addr.grpc",
		Desc:   "address of the command API",
		EnvVar: "GRPC_ADDR",
		Value:  "localhost:9090",
	})

	app.Before = func() {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.WithError(err).Fatal("invalid log level")
		}
		log.SetLevel(level)
		if *logJSON {
			log.SetFormatter(&log.JSONFormatter{})
		}
	}

	app.Command("serve", "run one camera", func(cmd *cli.Cmd) {
		configPath := cmd.String(cli.StringOpt{
			Name:   "config",
			Desc:   "configuration file",
			EnvVar: "CONFIG_LOCATION",
			Value:  "config.yaml",
		})
		index := cmd.Int(cli.IntOpt{
			Name:   "index",
			Desc:   "index of the camera instance to run",
			EnvVar: "CAMERA_INDEX",
			Value:  1,
		})
		metricsAddr := cmd.String(cli.StringOpt{
			Name:   "addr.metrics",
			Desc:   "address of the prometheus endpoint, empty to disable",
			EnvVar: "METRICS_ADDR",
			Value:  ":2112",
		})
		cmd.Action = func() {
			if err := serve(*configPath, *index, *grpcAddr, *metricsAddr); err != nil {
				log.WithError(err).Fatal("stopped")
			}
		}
	})

	app.Command("drivers", "list the available camera drivers", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			for _, name := range driver.Names() {
				fmt.Println(name)
			}
		}
	})

	app.Command("events", "print the events of a running camera", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			if err := tailEvents(*grpcAddr); err != nil {
				log.WithError(err).Fatal("event stream ended")
			}
		}
	})

	app.Command("info", "print the state of a running camera", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			if err := printInfo(*grpcAddr); err != nil {
				log.WithError(err).Fatal("failed to query camera")
			}
		}
	})

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Panic("failed to execute application")
	}
}

func serve(configPath string, index int, grpcAddr, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	inst, err := cfg.Instance(index)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{"camera": inst.Camera, "index": inst.Index})
	cam, err := driver.New(inst.Camera, logger.WithField("component", "driver"))
	if err != nil {
		return err
	}
	if err := cam.Initialise(&inst.Driver); err != nil {
		return fmt.Errorf("failed to initialise %s: %w", inst.Camera, err)
	}

	svc := camera.NewService(cam,
		liveview.NewBroadcaster(liveview.DefaultMaxViewers, logger.WithField("component", "liveview")),
		storage.NewSaver(inst.Directory, logger.WithField("component", "storage")),
		camera.SettingsFromInstance(inst),
		logger)

	grpcAPI := api.NewGRPCAPI()
	grpcAPI.SetCameraService(svc)
	server := grpc.NewServer()
	api.RegisterCameraServiceServer(server, grpcAPI)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return svc.Start(ctx)
	})

	group.Go(func() error {
		lc := net.ListenConfig{}
		l, err := lc.Listen(ctx, "tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
		go func() {
			<-ctx.Done()
			server.Stop()
		}()
		log.Infof("command API listening on %s", grpcAddr)
		return server.Serve(l)
	})

	if metricsAddr != "" {
		group.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			hs := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				hs.Shutdown(shutdown)
			}()
			log.Infof("metrics available at %s/metrics", metricsAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	return group.Wait()
}

func dial(ctx context.Context, addr string) (*api.Client, func() error, error) {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return api.NewClient(conn), conn.Close, nil
}

func tailEvents(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	client, closeConn, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer closeConn()

	stream, err := client.Events(ctx)
	if err != nil {
		return err
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(protojson.Format(ev))
	}
}

func printInfo(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, closeConn, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer closeConn()

	info, err := client.GetInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Println(protojson.Format(info))
	return nil
}
