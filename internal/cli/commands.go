package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"market-sync/internal/config"
	"market-sync/internal/storage"
	"market-sync/internal/storage/migrations"
	pgstore "market-sync/internal/storage/postgres"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded Postgres and ClickHouse migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.UseMemory {
				return errors.New("use_memory is set: nothing to migrate")
			}

			pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pool.Close()

			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "postgres: migrations applied")

			if cfg.ClickhouseDSN != "" {
				conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
				if err != nil {
					return fmt.Errorf("migrate clickhouse: %w", err)
				}
				conn.Close()
				fmt.Fprintln(cmd.OutOrStdout(), "clickhouse: migrations applied")
			}
			return nil
		},
	}
}

// SyncOutput is the result of one manual tick.
type SyncOutput struct {
	Success         bool    `json:"success"`
	Skipped         bool    `json:"skipped"`
	SinceLastSyncMs int64   `json:"since_last_sync_ms,omitempty"`
	RetryAfterMs    int64   `json:"retry_after_ms,omitempty"`
	Polled          int     `json:"polled"`
	Reconciled      int     `json:"reconciled"`
	Failed          int     `json:"failed"`
	AckedThrough    int64   `json:"acked_through"`
	HasMore         bool    `json:"has_more"`
	Error           *string `json:"error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one scheduler tick",
		Long: `Run one poll -> reconcile -> acknowledge cycle.

Without --force the tick respects sync.min_interval and reports a skip
when the last successful sync is too recent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.Scheduler.Tick(cmd.Context(), force)
			out := SyncOutput{
				Success:         res.Success,
				Skipped:         res.Skipped,
				SinceLastSyncMs: res.TimeSinceLastSync.Milliseconds(),
				RetryAfterMs:    res.RemainingWait.Milliseconds(),
				Polled:          res.Polled,
				Reconciled:      res.Reconciled,
				Failed:          res.Failed,
				AckedThrough:    res.AckedThrough,
				HasMore:         res.HasMore,
			}
			if res.Err != nil {
				msg := res.Err.Error()
				out.Error = &msg
			}

			if err := opts.output(cmd, out, func(w io.Writer) {
				switch {
				case res.Skipped:
					fmt.Fprintf(w, "skipped: last sync %v ago, retry in %v\n",
						res.TimeSinceLastSync.Round(time.Millisecond), res.RemainingWait.Round(time.Millisecond))
				default:
					fmt.Fprintf(w, "polled=%d reconciled=%d failed=%d acked_through=%d has_more=%v\n",
						res.Polled, res.Reconciled, res.Failed, res.AckedThrough, res.HasMore)
				}
			}); err != nil {
				return err
			}

			if !res.Success && !res.Skipped {
				return fmt.Errorf("sync failed: %w", res.Err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "bypass the minimum interval throttle")
	return cmd
}

// RefreshOutput is the refreshed state of one asset.
type RefreshOutput struct {
	AssetID        string  `json:"asset_id"`
	Owner          string  `json:"owner"`
	ForSale        bool    `json:"for_sale"`
	Price          *string `json:"price"`
	BuyNowPrice    *string `json:"buy_now_price"`
	ActiveListings int     `json:"active_listings"`
	ActiveOffers   int     `json:"active_offers"`
	ExpiredOffers  int     `json:"expired_offers"`
}

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <assetId>",
		Short: "Rebuild one asset's sale state from the marketplace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Fetcher == nil {
				return errors.New("marketplace.url is not configured")
			}

			res, err := a.Fetcher.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := RefreshOutput{
				AssetID:        res.Asset.ID,
				Owner:          res.Asset.Owner,
				ForSale:        res.Asset.ForSale,
				BuyNowPrice:    res.Asset.BuyNowPrice,
				ActiveListings: res.ActiveListings,
				ActiveOffers:   res.ActiveOffers,
				ExpiredOffers:  res.ExpiredOffers,
			}
			if res.Asset.Price != nil {
				p := res.Asset.Price.String()
				out.Price = &p
			}

			return opts.output(cmd, out, func(w io.Writer) {
				price := "-"
				if out.Price != nil {
					price = *out.Price
				}
				fmt.Fprintf(w, "%s owner=%s for_sale=%v price=%s listings=%d offers=%d expired=%d\n",
					out.AssetID, out.Owner, out.ForSale, price, out.ActiveListings, out.ActiveOffers, out.ExpiredOffers)
			})
		},
	}
}

// NewResetCommand creates the reset command.
func NewResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <eventId>",
		Short: "Rewind the remote and local cursor to an event id",
		Long: `Rewind the upstream cursor so every event after <eventId> is delivered again,
then rewind the local cursor mirror to match. Redelivered events already applied
to an asset are skipped by its event watermark.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || eventID < 0 {
				return fmt.Errorf("invalid event id %q", args[0])
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Source.Reset(cmd.Context(), eventID); err != nil {
				return fmt.Errorf("remote reset: %w", err)
			}
			if err := a.Stores.Cursor.RewindCursor(cmd.Context(), eventID); err != nil {
				return fmt.Errorf("local rewind: %w", err)
			}

			return opts.output(cmd, map[string]int64{"cursor": eventID}, func(w io.Writer) {
				fmt.Fprintf(w, "cursor reset to %d\n", eventID)
			})
		},
	}
}

// CursorOutput is the persisted sync state.
type CursorOutput struct {
	Cursor     int64      `json:"cursor"`
	LastSyncAt *time.Time `json:"last_sync_at"`
}

// NewCursorCommand creates the cursor command.
func NewCursorCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cursor",
		Short: "Print the local cursor and last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var out CursorOutput
			state, err := a.Stores.Cursor.GetSyncState(cmd.Context())
			switch {
			case err == nil:
				out.Cursor = state.LastEventID
				if !state.LastSyncAt.IsZero() {
					out.LastSyncAt = &state.LastSyncAt
				}
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}

			return opts.output(cmd, out, func(w io.Writer) {
				last := "never"
				if out.LastSyncAt != nil {
					last = out.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "cursor=%d last_sync=%s\n", out.Cursor, last)
			})
		},
	}
}
