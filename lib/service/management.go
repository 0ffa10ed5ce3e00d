// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service serves the management endpoints (metrics and health
// check) of a running gtsurveil process.
package service

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// Handler returns an http.Handler for
//
//	GET /metrics        Prometheus metrics in reg
//	GET /_health/ping   {"health":"OK"}, or {"health":"ERROR",...} if checkHealth fails
func Handler(reg *prometheus.Registry, checkHealth func() error, logger logrus.FieldLogger) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	}))
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var err error
		if checkHealth != nil {
			err = checkHealth()
		}
		if err == nil {
			w.Write(healthyBody)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
	})
	return mux
}

// Server is a running management server.
type Server struct {
	http.Server
	listener net.Listener
	logger   logrus.FieldLogger
	wg       sync.WaitGroup
}

// Start listens on addr (host:port, port 0 picks a free port) and
// serves h in the background.
func Start(addr string, h http.Handler, logger logrus.FieldLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		Server:   http.Server{Handler: h},
		listener: ln,
		logger:   logger,
	}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("management server failed")
		}
	}()
	logger.WithField("Listen", ln.Addr().String()).Info("management server listening")
	return srv, nil
}

// Addr returns the listening address.
func (srv *Server) Addr() string {
	return srv.listener.Addr().String()
}

// Close stops the server and waits for Serve to return.
func (srv *Server) Close() error {
	err := srv.Server.Close()
	srv.wg.Wait()
	return err
}
