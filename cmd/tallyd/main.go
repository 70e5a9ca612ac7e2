// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// tallyd serves the vote tally API over HTTP, backed by MongoDB.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/retry"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/albanx/vote-counter/apiserver"
	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/recorder"
	"github.com/albanx/vote-counter/state"
	"github.com/albanx/vote-counter/watcher"
)

var logger = loggo.GetLogger("votecounter.cmd.tallyd")

const (
	mongoDialTimeout    = 10 * time.Second
	mongoDialAttempts   = 5
	mongoDialDelay      = 2 * time.Second
	shutdownGracePeriod = 30 * time.Second
)

type settings struct {
	mongoURL      string
	database      string
	directoryFile string
	granularity   string
	listenAddr    string
	loggingConfig string
}

func registerFlags(f *gnuflag.FlagSet, s *settings) {
	f.StringVar(&s.mongoURL, "mongo-url", "localhost:27017", "MongoDB server URL")
	f.StringVar(&s.database, "database", "votecounter", "MongoDB database name")
	f.StringVar(&s.directoryFile, "directory", "directory.yaml", "location directory file")
	f.StringVar(&s.granularity, "granularity", "box", "recording granularity (box or precinct)")
	f.StringVar(&s.listenAddr, "listen", ":17070", "API listen address")
	f.StringVar(&s.loggingConfig, "logging-config", "<root>=INFO", "loggo configuration string")
}

func main() {
	s := settings{}
	f := gnuflag.NewFlagSet("tallyd", gnuflag.ExitOnError)
	registerFlags(f, &s)
	f.Parse(true, os.Args[1:])

	if err := run(s); err != nil {
		fmt.Fprintf(os.Stderr, "tallyd: %v\n", err)
		os.Exit(1)
	}
}

func run(s settings) error {
	if err := loggo.ConfigureLoggers(s.loggingConfig); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}
	granularity := location.Granularity(s.granularity)
	if err := granularity.Validate(); err != nil {
		return errors.Trace(err)
	}
	directory, err := location.LoadDirectory(s.directoryFile)
	if err != nil {
		return errors.Annotatef(err, "loading directory from %q", s.directoryFile)
	}

	session, err := dialMongo(s.mongoURL)
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	st, err := state.Open(session, s.database, clock.WallClock)
	if err != nil {
		return errors.Annotate(err, "opening state")
	}
	defer st.Close()

	registry := prometheus.NewPedanticRegistry()
	rec, err := recorder.New(recorder.Config{
		Backend:     st,
		Directory:   directory,
		Granularity: granularity,
		Registerer:  registry,
	})
	if err != nil {
		return errors.Annotate(err, "creating recorder")
	}

	w, err := watcher.New(watcher.Config{
		Hub:    st.Hub(),
		Reader: st,
	})
	if err != nil {
		return errors.Annotate(err, "creating watcher")
	}
	defer func() {
		w.Kill()
		if err := w.Wait(); err != nil {
			logger.Errorf("stopping watcher: %v", err)
		}
	}()

	apiSrv, err := apiserver.NewServer(apiserver.Config{
		Recorder:  rec,
		Backend:   apiserver.NewStateBackend(st),
		Watcher:   w,
		Directory: directory,
		Gatherer:  registry,
	})
	if err != nil {
		return errors.Annotate(err, "creating API server")
	}

	httpSrv := &http.Server{
		Addr:    s.listenAddr,
		Handler: apiSrv,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.listenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Infof("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return errors.Annotate(err, "shutting down API server")
		}
		return nil
	case err := <-errCh:
		return errors.Annotate(err, "serving API")
	}
}

// dialMongo connects to the configured server, retrying with backoff so
// the daemon survives starting before its database does.
func dialMongo(url string) (*mgo.Session, error) {
	info, err := mgo.ParseURL(url)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing mongo URL %q", url)
	}
	info.Timeout = mongoDialTimeout

	var session *mgo.Session
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var dialErr error
			session, dialErr = mgo.DialWithInfo(info)
			return dialErr
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("mongo dial attempt %d failed: %v", attempt, err)
		},
		Attempts: mongoDialAttempts,
		Delay:    mongoDialDelay,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to mongo at %q", url)
	}
	return session, nil
}
