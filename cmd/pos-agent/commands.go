package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/health"
	"github.com/vladislavdragonenkov/possync/internal/service/cart"
	"github.com/vladislavdragonenkov/possync/internal/service/syncer"
	"github.com/vladislavdragonenkov/possync/internal/version"
)

// cli хранит состояние, общее для подкоманд.
type cli struct {
	getenv     func(string) string
	configPath string
	offline    bool
	cfg        Config
}

func newRootCommand(getenv func(string) string) *cobra.Command {
	c := &cli{getenv: getenv}

	root := &cobra.Command{
		Use:          "pos-agent",
		Short:        "Offline-first POS agent: queues orders locally and syncs them to the order server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(c.configPath, c.getenv)
			if err != nil {
				return err
			}
			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("log_level: %w", err)
			}
			log.SetLevel(level)
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to YAML config")
	root.PersistentFlags().BoolVar(&c.offline, "offline", false, "skip the reachability probe and work offline")

	root.AddCommand(
		c.runCommand(),
		c.orderCommand(),
		c.syncCommand(),
		c.statusCommand(),
		c.productsCommand(),
		versionCommand(),
	)
	return root
}

// withAgent открывает агента, при необходимости проверяет сеть и вызывает fn.
func (c *cli) withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agent) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newAgent(ctx, c.cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	if !c.offline {
		a.probe(ctx)
	}
	return fn(ctx, a)
}

func (c *cli) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity and sync queued orders automatically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newAgent(ctx, c.cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			return runAgent(ctx, a)
		},
	}
}

// runAgent работает до отмены ctx: опрос сервера, автосинхронизация, /metrics и health.
func runAgent(ctx context.Context, a *agent) error {
	if err := version.RegisterBuildInfo(prometheus.DefaultRegisterer, "pos-agent"); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			a.logger.WithError(err).Warn("failed to register build info")
		}
	}

	var lis net.Listener
	if a.cfg.HTTPAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", a.cfg.HTTPAddr); err != nil {
			return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	unsubscribe := a.monitor.Subscribe(func(online bool) {
		if online {
			go a.hub.Refresh(gctx, domain.ReadModelProducts, domain.ReadModelOrders)
		}
	})
	defer unsubscribe()
	a.hub.Refresh(gctx, domain.ReadModelOrders)

	trigger := syncer.NewAutoTrigger(a.coordinator, a.monitor, a.store,
		syncer.WithDebounce(a.cfg.Sync.Debounce),
		syncer.WithRetryInterval(a.cfg.Sync.RetryInterval),
		syncer.WithTriggerLogger(a.logger.WithField("layer", "trigger")),
	)
	g.Go(func() error { return ignoreCanceled(trigger.Run(gctx)) })

	if a.prober != nil {
		g.Go(func() error { return ignoreCanceled(a.prober.Run(gctx)) })
	} else {
		a.logger.Warn("health target is not configured; agent stays offline")
	}

	if lis != nil {
		srv := &http.Server{Handler: opsRouter(a), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.logger.Infof("метрики доступны по адресу %s/metrics", lis.Addr())
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("агент запущен")
	err := g.Wait()
	a.logger.Info("агент остановлен")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// opsRouter отдаёт /metrics и health агента. Офлайн: degraded, не отказ.
func opsRouter(a *agent) http.Handler {
	checks := health.NewHandler(version.GetVersion())
	checks.RegisterChecker("local_store", health.NewSimpleChecker("local_store", a.store.Ping))
	checks.RegisterChecker("connectivity", health.NewStateChecker("connectivity", a.monitor.Online,
		"order server unreachable, orders are queued locally"))

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	checks.Mount(r)
	return r
}

func (c *cli) orderCommand() *cobra.Command {
	var (
		items         []string
		tableID       string
		customerName  string
		customerPhone string
		status        string
	)
	cmd := &cobra.Command{
		Use:     "order",
		Short:   "Place an order from product ids (online or into the local queue)",
		Example: `  pos-agent order --item latte:2 --item croissant:1 --table 7`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lines, err := parseItems(items)
			if err != nil {
				return err
			}
			meta := cart.Checkout{TableID: tableID, Status: domain.OrderStatus(strings.ToUpper(status))}
			if customerName != "" || customerPhone != "" {
				meta.Customer = &domain.Customer{Name: customerName, Phone: customerPhone}
			}
			return c.withAgent(cmd, func(ctx context.Context, a *agent) error {
				return placeOrder(ctx, a, lines, meta, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringArrayVarP(&items, "item", "i", nil, "product_id:quantity (repeatable)")
	cmd.Flags().StringVar(&tableID, "table", "", "table id")
	cmd.Flags().StringVar(&customerName, "customer-name", "", "customer name")
	cmd.Flags().StringVar(&customerPhone, "customer-phone", "", "customer phone")
	cmd.Flags().StringVar(&status, "status", string(domain.OrderStatusPaid), "order status")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

type itemRequest struct {
	productID string
	qty       int32
}

func parseItems(raw []string) ([]itemRequest, error) {
	if len(raw) == 0 {
		return nil, domain.ErrItemsRequired
	}
	result := make([]itemRequest, 0, len(raw))
	for _, item := range raw {
		id, qtyRaw, found := strings.Cut(item, ":")
		id = strings.TrimSpace(id)
		qty := int64(1)
		if found {
			var err error
			qty, err = strconv.ParseInt(strings.TrimSpace(qtyRaw), 10, 32)
			if err != nil || qty <= 0 {
				return nil, fmt.Errorf("invalid quantity in %q", item)
			}
		}
		if id == "" {
			return nil, fmt.Errorf("empty product id in %q", item)
		}
		result = append(result, itemRequest{productID: id, qty: int32(qty)})
	}
	return result, nil
}

// placeOrder собирает корзину из каталога и оформляет заказ. Если позиция не
// проходит, уже списанные остатки возвращаются.
func placeOrder(ctx context.Context, a *agent, lines []itemRequest, meta cart.Checkout, out io.Writer) error {
	products, _, err := a.catalog.Products(ctx, a.cfg.RestaurantID)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p.Product
	}

	for _, line := range lines {
		product, ok := byID[line.productID]
		if !ok {
			_ = a.cart.Clear(ctx)
			return fmt.Errorf("product %s is not in the catalog", line.productID)
		}
		if err := a.cart.Add(ctx, product, line.qty); err != nil {
			_ = a.cart.Clear(ctx)
			return err
		}
	}

	result, err := a.cart.Checkout(ctx, a.submitter, meta)
	if err != nil {
		_ = a.cart.Clear(ctx)
		return err
	}
	if result.Queued {
		_, err = fmt.Fprintf(out, "order %s queued locally\n", result.LocalID)
	} else {
		_, err = fmt.Fprintf(out, "order %s accepted by server (local id %s)\n", result.ServerID, result.LocalID)
	}
	return err
}

func (c *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAgent(cmd, func(ctx context.Context, a *agent) error {
				summary, err := a.coordinator.SyncOrders(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "sync %s: total=%d succeeded=%d duplicates=%d failed=%d errored=%d recovered=%d\n",
					summary.Outcome, summary.Total, summary.Succeeded, summary.Duplicates, summary.Failed, summary.Errored, summary.Recovered)
				return err
			})
		},
	}
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, the sync lock and the local order queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAgent(cmd, func(ctx context.Context, a *agent) error {
				return printStatus(ctx, a, cmd.OutOrStdout())
			})
		},
	}
}

func printStatus(ctx context.Context, a *agent, out io.Writer) error {
	count, err := a.store.GetUnsyncedCount(ctx)
	if err != nil {
		return err
	}
	locked, err := a.store.IsSyncLocked(ctx)
	if err != nil {
		return err
	}
	orders, err := a.store.GetAllOrders(ctx)
	if err != nil {
		return err
	}

	connectivity := "offline"
	if a.monitor.Online() {
		connectivity = "online"
	}
	fmt.Fprintf(out, "connectivity: %s\nunsynced: %d\nsync lock: %t\n", connectivity, count, locked)
	if len(orders) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tSYNC\tATTEMPTS\tTOTAL\tCREATED\tLAST ERROR")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			o.LocalID, o.SyncStatus, o.SyncAttempts, formatMoney(o.TotalAmountMinor),
			o.CreatedAt.Local().Format(time.DateTime), o.LastError)
	}
	return tw.Flush()
}

func (c *cli) productsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List the catalog (from the server, or the local cache when offline)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withAgent(cmd, func(ctx context.Context, a *agent) error {
				return printProducts(ctx, a, cmd.OutOrStdout())
			})
		},
	}
}

func printProducts(ctx context.Context, a *agent, out io.Writer) error {
	products, fromCache, err := a.catalog.Products(ctx, a.cfg.RestaurantID)
	if err != nil {
		return err
	}
	if fromCache {
		fmt.Fprintln(out, "(cached catalog)")
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE\tSTOCK\tAVAILABLE\tIMAGE")
	for _, p := range products {
		stock := "-"
		qty, tracked, err := a.store.GetProductStock(ctx, p.ID)
		if err != nil {
			return err
		}
		if tracked {
			stock = strconv.Itoa(int(qty))
		}
		image := "-"
		if p.ImageData != "" {
			image = "cached"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", p.ID, p.Name, formatMoney(p.PriceMinor), stock, p.Available, image)
	}
	return tw.Flush()
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func formatMoney(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
