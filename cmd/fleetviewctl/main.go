package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/internal/config"
	"github.com/fleetview/fleetview-client/internal/logging"
	"github.com/fleetview/fleetview-client/internal/metrics"
	"github.com/fleetview/fleetview-client/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running session: %s\n", err)
	}
	log.Printf("Session stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())
	logging.Init(logging.Config{Level: "debug", Format: "console"})
	metrics.Register(prometheus.DefaultRegisterer)

	s, err := session.New(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.OnAuthExpired(func(reason string) {
		log.Printf("Session ended: %s\n", reason)
	})
	s.SubscribeAll(func(e entity.Event) {
		log.Printf("%s %s: %s\n", e.Family, e.Op, e.Payload)
	})

	if !s.LoggedIn() {
		email, password := os.Getenv("FLEETVIEW_EMAIL"), os.Getenv("FLEETVIEW_PASSWORD")
		if email == "" || password == "" {
			return errors.New("no stored session; set FLEETVIEW_EMAIL and FLEETVIEW_PASSWORD")
		}
		result, err := s.Auth.Login(ctx, email, password, os.Getenv("FLEETVIEW_CAPTCHA_TOKEN"))
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if result.Requires2FA {
			return errors.New("account requires a second factor; interactive 2FA is not supported here")
		}
	}
	log.Printf("Logged in as %s\n", s.CurrentUser().Email)

	for _, family := range entity.Families() {
		printCount(ctx, s, family)
	}

	waitForStopSignal()
	return nil
}

func printCount(ctx context.Context, s *session.Session, family entity.Family) {
	var (
		records []entity.Record
		err     error
	)
	switch family {
	case entity.FamilyCompanies:
		records, err = s.Companies.List(ctx, nil)
	case entity.FamilyPlayers:
		records, err = s.Players.List(ctx, nil)
	case entity.FamilyUsers:
		records, err = s.Users.List(ctx, nil)
	}
	if err != nil {
		log.Printf("list %s: %s\n", family, err)
		return
	}
	log.Printf("%d %s\n", len(records), family)
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
