package pnlticks

import (
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/pnl"
	"github.com/canopy-network/pnlticks/pkg/redis"
	"github.com/canopy-network/pnlticks/pkg/utils"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// TaskName identifies the tick job; its cluster lock is "lock:" + TaskName.
const TaskName = "pnl-ticks"

// Config is the service configuration, read from the environment.
type Config struct {
	// Addr is where /healthz, /readyz and /metrics are served.
	Addr string
	// CronSpec is how often the job wakes up. Gating inside the engine makes
	// extra wake-ups within one interval cheap no-ops.
	CronSpec string
	// LockMultiplier stretches the run lock past the interval; 0 disables it.
	LockMultiplier float64
	// InitSchema creates the tables on startup.
	InitSchema bool
	CacheKey   string
	Engine     pnl.Config
}

// LoadConfig reads the configuration and validates it.
func LoadConfig() (Config, error) {
	defaults := pnl.DefaultConfig()

	cfg := Config{
		Addr:           utils.Env("ADDR", ":3010"),
		CronSpec:       utils.Env("PNL_TICK_CRON", "0 */5 * * * *"),
		LockMultiplier: utils.EnvDecimal("PNL_TICK_LOCK_MULTIPLIER", decimal.Zero).InexactFloat64(),
		InitSchema:     utils.EnvBool("POSTGRES_INIT_SCHEMA", false),
		CacheKey:       utils.Env("PNL_TICK_CACHE_KEY", redis.DefaultTicksKey),
		Engine: pnl.Config{
			Interval:          utils.EnvDuration("PNL_TICK_UPDATE_INTERVAL", defaults.Interval),
			MaxRowsPerUpsert:  utils.EnvInt("PNL_TICK_MAX_ROWS_PER_UPSERT", defaults.MaxRowsPerUpsert),
			MaxAccountsPerRun: utils.EnvInt("PNL_TICK_MAX_ACCOUNTS_PER_RUN", defaults.MaxAccountsPerRun),
			Workers:           utils.EnvInt("PNL_TICK_WORKERS", 0),
			Anomaly: pnl.AnomalyThresholds{
				EquityRatio:          utils.EnvDecimal("PNL_TICK_ANOMALY_EQUITY_RATIO", defaults.Anomaly.EquityRatio),
				TotalPnlFloor:        utils.EnvDecimal("PNL_TICK_ANOMALY_TOTAL_PNL_FLOOR", defaults.Anomaly.TotalPnlFloor),
				PriorTotalPnlCeiling: utils.EnvDecimal("PNL_TICK_ANOMALY_PRIOR_TOTAL_PNL_CEILING", defaults.Anomaly.PriorTotalPnlCeiling),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the job cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("ADDR must not be empty"))
	}
	if _, err := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(c.CronSpec); err != nil {
		errs = append(errs, fmt.Errorf("PNL_TICK_CRON %q: %w", c.CronSpec, err))
	}
	if c.Engine.Interval < time.Second {
		errs = append(errs, fmt.Errorf("PNL_TICK_UPDATE_INTERVAL must be at least 1s, got %s", c.Engine.Interval))
	}
	if c.Engine.MaxRowsPerUpsert <= 0 {
		errs = append(errs, errors.New("PNL_TICK_MAX_ROWS_PER_UPSERT must be positive"))
	}
	if c.Engine.MaxAccountsPerRun <= 0 {
		errs = append(errs, errors.New("PNL_TICK_MAX_ACCOUNTS_PER_RUN must be positive"))
	}
	if c.LockMultiplier < 0 {
		errs = append(errs, errors.New("PNL_TICK_LOCK_MULTIPLIER must not be negative"))
	}
	if !c.Engine.Anomaly.EquityRatio.IsPositive() {
		errs = append(errs, errors.New("PNL_TICK_ANOMALY_EQUITY_RATIO must be positive"))
	}
	if c.CacheKey == "" {
		errs = append(errs, errors.New("PNL_TICK_CACHE_KEY must not be empty"))
	}

	return errors.Join(errs...)
}
