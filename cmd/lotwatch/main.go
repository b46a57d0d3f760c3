package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lotwatch/internal/app"
	"lotwatch/internal/notifier/webpush"
)

func main() {
	var (
		cfgPath  string
		once     bool
		noEmail  bool
		noPush   bool
		genVAPID bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run one cycle and exit")
	flag.BoolVar(&noEmail, "no-email", false, "disable the email digest")
	flag.BoolVar(&noPush, "no-push", false, "disable web push")
	flag.BoolVar(&genVAPID, "gen-vapid", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if genVAPID {
		pub, priv, err := webpush.GenerateKeys()
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		fmt.Printf("vapid_public_key: %s\nvapid_private_key: %s\n", pub, priv)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath, app.Options{SkipEmail: noEmail, SkipPush: noPush})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once {
		go func() {
			<-sigCh
			cancel()
		}()
		res, err := a.RunOnce(ctx)
		_ = a.Stop(context.Background(), app.StopOnceDone)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cycle failed:", err)
			os.Exit(1)
		}
		fmt.Printf("new=%d updated=%d unchanged=%d\n", len(res.New), len(res.Updated), res.Unchanged)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
