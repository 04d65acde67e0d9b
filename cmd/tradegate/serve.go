package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haiphen/tradegate/internal/server"
)

func cmdServe(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Register every configured broker and run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			defer a.close()

			rep, err := a.initAll(ctx)
			if err != nil {
				return err
			}
			log.Printf("startup: %d registered, %d skipped, %d failed", len(rep.Registered), len(rep.Skipped), len(rep.Failed))

			srv := server.New(a.cfg, a.reg, a.proc)
			go func() {
				if err := srv.Start(); err != nil {
					log.Printf("server stopped: %v", err)
					cancel()
				}
			}()

			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			select {
			case <-ch:
				log.Printf("shutdown requested")
			case <-ctx.Done():
				log.Printf("context done")
			}

			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			return srv.Shutdown(shCtx)
		},
	}
}
