package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrekirst/eventstore/aggregate"
	"github.com/andrekirst/eventstore/booking"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var aggregateAliases = map[string]string{
	"booking":       booking.AggregateType,
	"accommodation": booking.AccommodationAggregateType,
}

func resolveType(name string) string {
	if t, ok := aggregateAliases[name]; ok {
		return t
	}

	return name
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func newRebuildCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <aggregate-type> <aggregate-id>",
		Short: "Discard and replay the read model of one aggregate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}

			defer a.Close()

			engine, err := a.engine(resolveType(args[0]))
			if err != nil {
				return err
			}

			res, err := engine.Rebuild(cmd.Context(), args[1])
			if err != nil {
				return err
			}

			anomalies := make([]string, len(res.Anomalies))
			for i, an := range res.Anomalies {
				anomalies[i] = an.Error()
			}

			return printJSON(cmd, map[string]any{
				"aggregateId":      res.AggregateID,
				"applied":          res.Applied,
				"anomalies":        anomalies,
				"lastEventVersion": res.LastEventVersion,
			})
		},
	}
}

func newRebuildAllCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-all <aggregate-type>",
		Short: "Discard and replay every read model of an aggregate type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}

			defer a.Close()

			engine, err := a.engine(resolveType(args[0]))
			if err != nil {
				return err
			}

			report, rebuildErr := engine.RebuildAll(cmd.Context())

			failures := make(map[string]string, len(report.Failures))
			for _, f := range report.Failures {
				failures[f.AggregateID] = f.Err.Error()
			}

			if err := printJSON(cmd, map[string]any{
				"aggregateType": report.AggregateType,
				"total":         report.Total,
				"rebuilt":       report.Rebuilt,
				"anomalies":     report.Anomalies,
				"failures":      failures,
			}); err != nil {
				return err
			}

			return rebuildErr
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "history <booking-id>",
		Short: "Print a page of the booking history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}

			defer a.Close()

			if pageSize == 0 {
				pageSize = a.cfg.History.DefaultPageSize
			}

			p, err := a.history.GetHistory(cmd.Context(), args[0], page, pageSize)
			if err != nil {
				return err
			}

			return printJSON(cmd, p)
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "entries per page (default from history.default_page_size)")

	return cmd
}

func newSeedCommand(opts *rootOptions) *cobra.Command {
	var userID int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write demo sleeping accommodations and a booking through the write path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}

			defer a.Close()

			var bookingID string

			err = a.withDispatcher(cmd.Context(), func(ctx context.Context) error {
				bookingID, err = a.seed(ctx, userID)

				return err
			})
			if err != nil {
				return err
			}

			a.logger.Info().Str("aggregate_id", bookingID).Msg("seeded booking")

			_, err = fmt.Fprintln(cmd.OutOrStdout(), bookingID)

			return err
		},
	}

	cmd.Flags().IntVar(&userID, "user-id", 1, "owner of the seeded booking")

	return cmd
}

// seed writes demo accommodations and a confirmed booking through the
// aggregate stores. Read models follow through the dispatcher
func (a *app) seed(ctx context.Context, userID int) (string, error) {
	rooms := aggregate.NewStore[*booking.SleepingAccommodation](a.es, a.storeOptions()...)
	bookings := aggregate.NewStore[*booking.Booking](a.es, a.storeOptions()...)

	seeds := []struct {
		name     string
		kind     booking.AccommodationType
		capacity int
	}{
		{"Blue room", booking.AccommodationRoom, 2},
		{"Garden tent", booking.AccommodationTent, 4},
	}

	items := make([]booking.Item, 0, len(seeds))

	for _, s := range seeds {
		room, err := booking.CreateAccommodation(uuid.NewString(), s.name, s.kind, s.capacity)
		if err != nil {
			return "", err
		}

		if err := rooms.Save(ctx, room); err != nil {
			return "", err
		}

		items = append(items, booking.Item{SleepingAccommodationID: room.ID, PersonCount: s.capacity})
	}

	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 14)

	b, err := booking.Create(uuid.NewString(), userID, start, start.AddDate(0, 0, 3), "seeded", items)
	if err != nil {
		return "", err
	}

	if err := bookings.Save(ctx, b); err != nil {
		return "", err
	}

	confirm := aggregate.NewExecutor(bookings, booking.Load)

	_, err = confirm.Run(ctx, b.ID, func(_ context.Context, b *booking.Booking) error {
		return b.Confirm()
	})
	if err != nil {
		return "", err
	}

	return b.ID, nil
}
