package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"github.com/fwdist/tftpfw/pkg/metrics"
	"github.com/fwdist/tftpfw/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// stringList collects a repeatable flag
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// slogLevel maps the syslog style 0..7 verbosity onto slog levels
func slogLevel(verb int) slog.Level {
	switch {
	case verb >= 7:
		return slog.LevelDebug
	case verb >= 5:
		return slog.LevelInfo
	case verb == 4:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// logrusLevel maps the same verbosity for the process level logger
func logrusLevel(verb int) log.Level {
	switch {
	case verb >= 7:
		return log.DebugLevel
	case verb >= 5:
		return log.InfoLevel
	case verb == 4:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

func main() {
	var (
		listens  stringList
		searches stringList
	)
	flag.Var(&listens, "listen", "listen endpoint v4[:port], [v6]:port or v6 (repeatable)")
	flag.Var(&listens, "ip", "alias of -listen")
	rootDir := flag.String("root-dir", "", "directory served and written to")
	flag.Var(&searches, "search", "additional read-only root (repeatable)")
	daemon := flag.Bool("daemon", false, "record daemon mode (the process does not detach itself)")
	verb := flag.Int("verb", -1, "log verbosity 0..7")
	flag.IntVar(verb, "syslog", -1, "alias of -verb")
	retransmit := flag.Int("retransmit", -1, "retransmission cap per operation")
	chuser := flag.String("file-chuser", "", "owner user for received files")
	chgrp := flag.String("file-chgrp", "", "owner group for received files")
	chmod := flag.String("file-chmod", "", "octal mode for received files (masked to 0666)")
	conf := flag.String("conf", "", "INI configuration file")
	metricsAddr := flag.String("metrics", "", "expose prometheus metrics on this address")
	flag.Parse()

	settings := config.Default()
	if *conf != "" {
		if err := settings.LoadFile(*conf); err != nil {
			log.Errorf("could not load configuration: %v", err)
			os.Exit(1)
		}
	}

	// Flags override single values from the configuration file;
	// repeatable ones (listen, search) add to its entries
	for _, v := range listens {
		addr, err := tftpfw.ParseAddr(v)
		if err != nil {
			log.Errorf("bad listen address: %v", err)
			os.Exit(1)
		}
		settings.Listen = append(settings.Listen, addr)
	}
	if *rootDir != "" {
		settings.RootDir = *rootDir
	}
	settings.SearchDirs = append(settings.SearchDirs, searches...)
	if *retransmit >= 0 {
		settings.Retransmit = *retransmit
	}
	if *verb >= 0 {
		if *verb > 7 {
			log.Errorf("bad verbosity %d", *verb)
			os.Exit(1)
		}
		settings.Verbosity = *verb
	}
	if *daemon {
		settings.Daemon = true
	}
	if *chuser != "" {
		settings.FileAttr.User = *chuser
	}
	if *chgrp != "" {
		settings.FileAttr.Group = *chgrp
	}
	if *chmod != "" {
		mode, err := config.ParseMode(*chmod)
		if err != nil {
			log.Errorf("bad mode: %v", err)
			os.Exit(1)
		}
		settings.FileAttr.Mode = mode
	}

	log.SetLevel(logrusLevel(settings.Verbosity))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(settings.Verbosity),
	}))

	if settings.Daemon {
		// Detaching is the service manager's job; the flag is kept for
		// unit files that pass it through
		log.Info("daemon mode requested, expecting to run under a supervisor")
	}

	var metr *metrics.Metrics
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metr = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Infof("metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}

	srv := server.New(settings, logger, metr)
	if err := srv.Bind(); err != nil {
		log.Errorf("startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("serving %s", settings.RootDir)
	if err := srv.Run(ctx); err != nil {
		log.Errorf("server failed: %v", err)
		os.Exit(1)
	}
	log.Info("clean shutdown")
}
