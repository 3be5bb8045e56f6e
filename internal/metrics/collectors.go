package metrics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"greentrace/pkg/logger"
)

// CacheStatusFunc reports the last-good cache age and size at scrape time
type CacheStatusFunc func() (records int, age time.Duration, ok bool)

// StoreCollector reports price store and cache gauges at scrape time
type StoreCollector struct {
	log         *logger.Logger
	postgres    *sqlx.DB
	cacheStatus CacheStatusFunc

	// Descriptors
	totalMandis  *prometheus.Desc
	pricesByDay  *prometheus.Desc
	cacheRecords *prometheus.Desc
	cacheAgeSecs *prometheus.Desc
}

// NewStoreCollector creates a collector. Either dependency may be nil.
func NewStoreCollector(log *logger.Logger, postgres *sqlx.DB, cacheStatus CacheStatusFunc) *StoreCollector {
	return &StoreCollector{
		log:         log,
		postgres:    postgres,
		cacheStatus: cacheStatus,

		totalMandis: prometheus.NewDesc(
			"greentrace_mandis_total",
			"Number of known mandis",
			nil, nil,
		),
		pricesByDay: prometheus.NewDesc(
			"greentrace_mandi_prices_recent",
			"Stored price rows for today and yesterday",
			[]string{"day"}, nil,
		),
		cacheRecords: prometheus.NewDesc(
			"greentrace_last_good_cache_records",
			"Records held by the last-good cache",
			nil, nil,
		),
		cacheAgeSecs: prometheus.NewDesc(
			"greentrace_last_good_cache_age_seconds",
			"Age of the last-good cache snapshot",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalMandis
	ch <- c.pricesByDay
	ch <- c.cacheRecords
	ch <- c.cacheAgeSecs
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.postgres != nil {
		c.collectMandiCount(ctx, ch)
		c.collectRecentPrices(ctx, ch)
	}
	c.collectCache(ch)
}

func (c *StoreCollector) collectMandiCount(ctx context.Context, ch chan<- prometheus.Metric) {
	var count int
	if err := c.postgres.GetContext(ctx, &count, "SELECT COUNT(*) FROM mandis"); err != nil {
		c.log.Warnw("Failed to collect mandi count metric", "error", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.totalMandis, prometheus.GaugeValue, float64(count))
}

func (c *StoreCollector) collectRecentPrices(ctx context.Context, ch chan<- prometheus.Metric) {
	type dayStat struct {
		Day   string `db:"day"`
		Count int    `db:"count"`
	}

	var stats []dayStat
	err := c.postgres.SelectContext(ctx, &stats, `
		SELECT CASE WHEN price_day = CURRENT_DATE THEN 'today' ELSE 'yesterday' END AS day,
		       COUNT(*) AS count
		FROM mandi_prices
		WHERE price_day >= CURRENT_DATE - 1
		GROUP BY 1
	`)
	if err != nil {
		c.log.Warnw("Failed to collect price stats", "error", err)
		return
	}

	for _, stat := range stats {
		ch <- prometheus.MustNewConstMetric(c.pricesByDay, prometheus.GaugeValue, float64(stat.Count), stat.Day)
	}
}

func (c *StoreCollector) collectCache(ch chan<- prometheus.Metric) {
	if c.cacheStatus == nil {
		return
	}

	records, age, ok := c.cacheStatus()
	if !ok {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.cacheRecords, prometheus.GaugeValue, float64(records))
	ch <- prometheus.MustNewConstMetric(c.cacheAgeSecs, prometheus.GaugeValue, age.Seconds())
}

// RegisterStoreCollector registers the collector with the default registry
func RegisterStoreCollector(collector *StoreCollector) {
	prometheus.MustRegister(collector)
}
