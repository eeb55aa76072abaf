// Command ridewatch subscribes to ride changes over the websocket feed and
// prints every snapshot as it arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/subscriber"
)

type options struct {
	url       string
	token     string
	rideID    string
	passenger string
	driver    string
	asJSON    bool
	logLevel  string
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "ws://localhost:8080", "server base url")
	flag.StringVar(&o.token, "token", os.Getenv("RIDEWATCH_TOKEN"), "bearer token")
	flag.StringVar(&o.rideID, "id", "", "watch one ride")
	flag.StringVar(&o.passenger, "passenger", "", "watch a passenger's rides")
	flag.StringVar(&o.driver, "driver", "", "watch a driver's rides")
	flag.BoolVar(&o.asJSON, "json", false, "print raw snapshots as json")
	flag.StringVar(&o.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	f, err := o.filter()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(os.Stderr, o.logLevel, false)
	src := &subscriber.WSSource{BaseURL: o.url, Token: o.token}
	st := subscriber.NewState()
	show := printer(os.Stdout, o.asJSON)

	// a single ride has nothing more to show once it is terminal
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	onApply := func(r models.RideRequest) {
		show(r)
		if f.Field == models.FieldID && r.Status.Terminal() {
			cancel()
		}
	}

	logger.Info("watching", "field", f.Field, "value", f.Value)
	if err := subscriber.Watch(ctx, src, f, st, onApply); err != nil {
		logger.Error("watch ended", "error", err)
		os.Exit(1)
	}
}

func (o options) filter() (models.Filter, error) {
	var f models.Filter
	set := 0
	for field, v := range map[models.FilterField]string{
		models.FieldID:          o.rideID,
		models.FieldPassengerID: o.passenger,
		models.FieldDriverID:    o.driver,
	} {
		if v != "" {
			f = models.Filter{Field: field, Value: v}
			set++
		}
	}
	if set != 1 {
		return models.Filter{}, errors.New("exactly one of -id, -passenger, -driver is required")
	}
	return f, f.Validate()
}

func printer(w io.Writer, asJSON bool) func(models.RideRequest) {
	if asJSON {
		enc := json.NewEncoder(w)
		return func(r models.RideRequest) { _ = enc.Encode(r) }
	}
	return func(r models.RideRequest) {
		driver := r.DriverID
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(w, "%s  v%-3d %-21s driver=%s fare=%.0f updated=%s\n",
			r.ID, r.Version, r.Status, driver, r.EstimatedFare, r.UpdatedAt.Format("15:04:05"))
	}
}
