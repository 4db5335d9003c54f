package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/config"
	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/memory"
	redisstore "github.com/becomeliminal/nim-notes/memory/store/redis"
)

var (
	searchLimit int
	dryRun      bool
)

var searchCmd = &cobra.Command{
	Use:   "search <owner-id> <query...>",
	Short: "Search one owner's messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseOwner(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			var opts []memory.SearchOption
			if searchLimit > 0 {
				opts = append(opts, memory.WithLimit(searchLimit))
			}
			results, err := a.retriever.Search(ctx, owner, strings.Join(args[1:], " "), opts...)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), memory.FormatResults(results, cfg.Chat.MaxResultLen))
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete records whose delivery was never confirmed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			n, err := a.manager.SweepOrphans(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d records\n", n)
			return nil
		})
	},
}

var ensureIndexCmd = &cobra.Command{
	Use:   "ensure-index",
	Short: "Create the vector index if it does not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			fmt.Fprintf(cmd.OutOrStdout(), "index ready (%s, dimension %d, %s)\n",
				cfg.Index.Backend, cfg.Memory.Dimension, cfg.Memory.Metric)
			return nil
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Upsert every stored record into the vector index",
	Long: `Upsert every stored record into the vector index. Run it after switching
index backends or after the index was dropped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			n, err := a.manager.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d records\n", n)
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate-legacy",
	Short: "Import messages saved under the old chat_id:<c>:msg_id:<m> keys",
	Long: `Import messages from the legacy Redis layout at store.redis.addr into the
configured store. Each chat becomes the owner of its messages and each
message id is linked to the new record. Messages already linked are
skipped, so the command can be run again after a failure.

The original timestamps are not carried over.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Redis.Addr == "" {
			return errors.New("migrate-legacy reads from store.redis.addr, which is not set")
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			rdb, err := a.redis(ctx)
			if err != nil {
				return err
			}
			scan := func(ctx context.Context, fn func(redisstore.LegacyMessage) error) error {
				return redisstore.ScanLegacy(ctx, rdb, fn)
			}
			st, err := migrateLegacy(ctx, a.manager, scan, dryRun, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d, skipped %d, failed %d\n", st.migrated, st.skipped, st.failed)
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum number of results (default memory.default_limit)")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "count legacy messages without writing")

	rootCmd.AddCommand(searchCmd, sweepCmd, ensureIndexCmd, reindexCmd, migrateCmd)
}

// withApp builds the backends, ensures the index and runs fn.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.manager.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure index: %w", err)
	}
	return fn(ctx, a)
}

func parseOwner(s string) (core.OwnerID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid owner id %q", s)
	}
	return core.OwnerID(n), nil
}

type migrateStats struct {
	migrated, skipped, failed int
}

type legacyScanner func(ctx context.Context, fn func(redisstore.LegacyMessage) error) error

// migrateLegacy records and links every legacy message. A message that
// fails is logged and counted; store and index outages abort the run.
func migrateLegacy(ctx context.Context, m *memory.Manager, scan legacyScanner, dry bool, logger *zap.Logger) (migrateStats, error) {
	var st migrateStats
	err := scan(ctx, func(msg redisstore.LegacyMessage) error {
		owner := core.OwnerID(msg.ChatID)
		log := logger.With(zap.Int64("chat_id", int64(msg.ChatID)), zap.Int64("message_id", int64(msg.MessageID)))

		if strings.TrimSpace(msg.Text) == "" || msg.MessageID <= 0 {
			st.skipped++
			return nil
		}
		if _, err := m.Lookup(ctx, owner, msg.MessageID); err == nil {
			st.skipped++
			return nil
		} else if !errors.Is(err, memory.ErrNotFound) {
			return err
		}
		if dry {
			st.migrated++
			return nil
		}

		h, err := m.RecordNewMessage(ctx, owner, msg.Text)
		if err != nil {
			if errors.Is(err, memory.ErrStoreUnavailable) || errors.Is(err, memory.ErrIndexUnavailable) {
				return err
			}
			log.Warn("skipping legacy message", zap.Error(err))
			st.failed++
			return nil
		}
		if err := m.ConfirmDelivery(ctx, h, msg.MessageID); err != nil {
			if errors.Is(err, memory.ErrAlreadyLinked) {
				st.skipped++
				return nil
			}
			return err
		}
		st.migrated++
		return nil
	})
	return st, err
}

// storeBackend names the configured store for log lines.
func storeBackend(c *config.Config) string {
	if c.Store.Backend == config.StoreRedis {
		return c.Store.Backend + "@" + c.Store.Redis.Addr
	}
	return c.Store.Backend
}
