package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrekirst/eventstore"
	"github.com/andrekirst/eventstore/booking"
	"github.com/andrekirst/eventstore/httpapi"
	"github.com/andrekirst/eventstore/projection"
	"github.com/andrekirst/eventstore/relay"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the booking API and keep read models up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}

			defer a.Close()

			return a.serve(cmd.Context())
		},
	}

	cmd.Flags().String("http-address", "", "listen address (default :8080)")

	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the dispatcher outlives ctx so that it can drain its queue on shutdown
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	h := httpapi.NewHandler(
		a.history,
		booking.NewOwnerLookup(a.es),
		a.bookings,
		httpapi.WithRelay(relay.New(a.enc, a.dispatcher,
			relay.WithAggregateTypes(booking.AggregateType, booking.AccommodationAggregateType),
			relay.WithLogger(a.logger),
		)),
		httpapi.WithGatherer(a.registry),
		httpapi.WithDefaultPageSize(a.cfg.History.DefaultPageSize),
		httpapi.WithLogger(a.logger),
	)

	e := httpapi.NewEcho(a.logger)
	h.RegisterRoutes(e)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.dispatcher.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if a.cfg.Projection.CatchUp {
		g.Go(func() error {
			return projection.CatchUp(gctx, a.es, a.dispatcher, a.logger,
				eventstore.WithPollInterval(a.cfg.Projection.PollInterval),
			)
		})
	}

	g.Go(func() error {
		a.logger.Info().Str("address", a.cfg.HTTP.Address).Msg("http server listening")

		err := e.Start(a.cfg.HTTP.Address)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		a.logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("http server forced to shutdown")
		}

		err := a.dispatcher.Shutdown(shutdownCtx)
		if err != nil {
			a.logger.Error().Err(err).Int("pending", a.dispatcher.Len()).Msg("projection queue not drained")
			cancelRun()

			return err
		}

		a.logger.Info().Msg("server exited properly")

		return nil
	})

	return g.Wait()
}
