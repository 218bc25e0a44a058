// Command zibrad serves a few demo methods and a "time" topic over every
// configured socket URI, plus HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"zibra/config"
	"zibra/logger"
	"zibra/server"
)

var (
	app        = kingpin.New("zibrad", "RPC server with long-poll push.")
	configPath = app.Flag("config", "JSON config file.").Short('c').Envar("ZIBRA_CONFIG").String()
	listen     = app.Flag("listen", "Socket URI to serve, repeatable (tcp://, unix:).").Short('l').Strings()
	httpAddr   = app.Flag("http", "HTTP and WebSocket address, empty to disable.").String()
	debug      = app.Flag("debug", "Send stack traces with remote errors.").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	conf, err := config.LoadServer(*configPath)
	kingpin.FatalIfError(err, "load config")
	if len(*listen) > 0 {
		conf.Listen = *listen
	}
	if *httpAddr != "" {
		conf.HTTPAddr = *httpAddr
	}
	if *debug {
		conf.Debug = true
	}

	log := logrus.NewEntry(logger.New(conf.LogLevel, conf.LogFormat)).WithField("prefix", "zibrad")
	if err := run(conf, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(conf *config.Server, log *logrus.Entry) error {
	reg, err := conf.Etcd.Registry()
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
	}
	opts, err := conf.Options(log, reg)
	if err != nil {
		return err
	}
	s := server.NewServer(opts...)
	if err := registerDemo(s, conf.TopicTimeout.Std(), conf.TopicHeartbeat.Std()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go tick(ctx, s, time.Second)

	errc := make(chan error, len(conf.Listen)+1)
	for _, uri := range conf.Listen {
		go func(uri string) {
			log.WithField("uri", uri).Info("listening")
			errc <- s.ListenAndServe(uri)
		}(uri)
	}

	var httpSrv *http.Server
	if conf.HTTPAddr != "" {
		httpSrv = &http.Server{
			Addr:              conf.HTTPAddr,
			Handler:           newRouter(s),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("addr", conf.HTTPAddr).Info("serving http")
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		if errors.Is(err, server.ErrServerClosed) {
			err = nil
		}
	}

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(sctx)
	}
	if serr := s.Shutdown(10 * time.Second); err == nil {
		err = serr
	}
	return err
}
