// Package main implements the mesh coordinator: a lightweight rendezvous
// service nodes register with to discover each other. It holds no
// fan-out state itself — once two nodes know each other's mesh address
// they talk directly over their own websocket connection, and the
// coordinator's only ongoing job is to evict nodes that stop answering
// health checks.
//
// Configuration:
//   - COORDINATOR_ADDR: listen address (default ":8080")
//   - HEALTH_CHECK_INTERVAL: how often to poll registered nodes (default 5s)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/meshfanout/internal/membership"
)

func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")
	healthInterval := 5 * time.Second
	if raw := os.Getenv("HEALTH_CHECK_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			healthInterval = parsed
		} else {
			log.WithError(err).Warn("coordinator: ignoring malformed HEALTH_CHECK_INTERVAL")
		}
	}

	dir := membership.NewDirectory()
	health := membership.NewHealthMonitor(healthInterval)
	health.SetOnUnhealthy(func(nodeID string) {
		log.WithField("node", nodeID).Warn("coordinator: node failed health checks, evicting")
		dir.Remove(nodeID)
	})
	health.Start(dir)

	router := mux.NewRouter()
	dir.RegisterRoutes(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("coordinator: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("coordinator: listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	health.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("coordinator: shutdown error")
	}
	log.Info("coordinator: stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
