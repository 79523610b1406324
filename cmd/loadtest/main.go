// Команда loadtest нагружает HTTP API сервера заказов так, как это делают
// кассы после восстановления сети: пачка заказов с LocalID и часть повторных
// отправок тех же LocalID, которые сервер обязан распознать как дубликаты.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/remote"
)

const (
	methodCreate   = "CreateOrder"
	methodReplay   = "ReplayOrder"
	methodScenario = "scenario"

	outcomeOK          = "ok"
	outcomeDuplicate   = "duplicate"
	outcomeRejected    = "rejected"
	outcomeUnavailable = "unavailable"
	outcomeError       = "error"
)

type config struct {
	serverURL     string
	restaurantID  string
	productID     string
	priceMinor    int64
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	timeout       time.Duration
	duplicateRate int
	outputPath    string
}

// orderCreator: часть remote.Client, которую использует нагрузка.
type orderCreator interface {
	CreateOrder(ctx context.Context, order domain.Order) (domain.CreatedOrder, error)
}

func parseConfig(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.serverURL, "server", "http://localhost:8080", "order server base URL")
	fs.StringVar(&cfg.restaurantID, "restaurant", "rest-1", "restaurant id for generated orders")
	fs.StringVar(&cfg.productID, "product", "latte", "product id for generated orders")
	fs.Int64Var(&cfg.priceMinor, "price-minor", 250, "unit price in minor units")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 1m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.IntVar(&cfg.duplicateRate, "duplicate-rate", 20, "percent of scenarios that resend the same local_id (0..100)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	var errs []error
	if strings.TrimSpace(cfg.serverURL) == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if strings.TrimSpace(cfg.restaurantID) == "" {
		errs = append(errs, errors.New("restaurant is required"))
	}
	if strings.TrimSpace(cfg.productID) == "" {
		errs = append(errs, errors.New("product is required"))
	}
	if cfg.priceMinor < 0 {
		errs = append(errs, errors.New("price-minor must be >= 0"))
	}
	if cfg.duration < 0 {
		errs = append(errs, errors.New("duration must be >= 0"))
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		errs = append(errs, errors.New("total must be > 0 when duration is not set"))
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		errs = append(errs, errors.New("total must be > 0 when explicitly set with duration"))
	}
	if cfg.concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	if cfg.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if cfg.duplicateRate < 0 || cfg.duplicateRate > 100 {
		errs = append(errs, errors.New("duplicate-rate must be between 0 and 100"))
	}
	return cfg, errors.Join(errs...)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	cfg, err := parseConfig(args)
	if err != nil {
		log.WithError(err).Error("invalid config")
		return 2
	}

	client, err := remote.New(cfg.serverURL,
		remote.WithHTTPClient(&http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: cfg.concurrency}}),
		remote.WithLogger(log.WithField("component", "loadtest")),
	)
	if err != nil {
		log.WithError(err).Error("create client")
		return 2
	}

	result := execute(client, cfg)
	printReport(out, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Error("failed to write report")
			return 1
		}
	}
	if result.FailedScenarios > 0 {
		return 1
	}
	return 0
}

// execute прогоняет сценарии через пул воркеров и собирает отчёт.
func execute(client orderCreator, cfg config) report {
	startedAt := time.Now()
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)

	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				runScenario(client, cfg, index, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()
	return col.buildReport(startedAt, time.Since(startedAt))
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// runScenario создаёт заказ и, для части сценариев, повторяет отправку с тем же
// LocalID. Повтор успешен только при ответе "дубликат".
func runScenario(client orderCreator, cfg config, index int, col *collector) {
	started := time.Now()
	outcome, ok := outcomeOK, true
	defer func() {
		col.record(methodScenario, time.Since(started), outcome, ok)
	}()

	order := buildOrder(cfg)

	created, err := callCreate(client, cfg.timeout, methodCreate, order, col)
	if err != nil {
		outcome, ok = classify(err), false
		return
	}
	if created.ID == "" {
		outcome, ok = outcomeError, false
		return
	}

	if !shouldReplay(index, cfg.duplicateRate) {
		return
	}
	replayed, err := callCreate(client, cfg.timeout, methodReplay, order, col)
	if !domain.IsDuplicate(err) || replayed.ID != created.ID {
		outcome, ok = classify(err), false
		if err == nil {
			outcome = outcomeError
		}
	}
}

func buildOrder(cfg config) domain.Order {
	return domain.Order{
		LocalID:      uuid.NewString(),
		RestaurantID: cfg.restaurantID,
		TableID:      "load",
		Items: []domain.OrderItem{{
			ProductID:      cfg.productID,
			Quantity:       1,
			UnitPriceMinor: cfg.priceMinor,
			LineTotalMinor: cfg.priceMinor,
		}},
		TotalAmountMinor: cfg.priceMinor,
		Status:           domain.OrderStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
}

func callCreate(client orderCreator, timeout time.Duration, method string, order domain.Order, col *collector) (domain.CreatedOrder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	created, err := client.CreateOrder(ctx, order)
	outcome := classify(err)
	expected := outcomeOK
	if method == methodReplay {
		expected = outcomeDuplicate
	}
	col.record(method, time.Since(start), outcome, outcome == expected)
	return created, err
}

func classify(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case domain.IsDuplicate(err):
		return outcomeDuplicate
	case domain.IsRetryable(err):
		return outcomeUnavailable
	}
	var remoteErr *domain.RemoteError
	if errors.As(err, &remoteErr) {
		return outcomeRejected
	}
	return outcomeError
}

func shouldReplay(index, rate int) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 100 {
		return true
	}
	return index%100 < rate
}
