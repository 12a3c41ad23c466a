package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/client"
	log "github.com/sirupsen/logrus"
)

func main() {
	serverAddr := flag.String("s", "127.0.0.1:69", "server endpoint")
	get := flag.String("g", "", "remote name (or 32 hex digest) to download")
	put := flag.String("p", "", "remote name to upload to")
	local := flag.String("l", "", "local file path")
	blksize := flag.Int("b", 0, "blksize to offer (0 = default 512)")
	timeout := flag.Int("t", 0, "timeout in seconds to offer")
	window := flag.Int("w", 0, "windowsize to offer")
	tsize := flag.Bool("z", false, "offer tsize")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if (*get == "") == (*put == "") {
		log.Error("exactly one of -g or -p is required")
		flag.Usage()
		os.Exit(1)
	}
	if *local == "" {
		log.Error("a local file is required (-l)")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
		log.SetLevel(log.DebugLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	addr, err := tftpfw.ParseAddr(*serverAddr)
	if err != nil {
		log.Errorf("bad server address: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(addr, logger)
	topt := client.TransferOptions{
		Blksize:    *blksize,
		Timeout:    *timeout,
		Windowsize: *window,
		Tsize:      *tsize,
	}

	if *get != "" {
		err = c.GetFile(ctx, *get, *local, topt)
	} else {
		err = c.PutFile(ctx, *local, *put, topt)
	}
	if err != nil {
		log.Errorf("transfer failed: %v", err)
		os.Exit(1)
	}
	log.Info("transfer complete")
}
