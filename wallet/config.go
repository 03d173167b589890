package wallet

import (
	"log/slog"
	"time"

	"github.com/elnosh/multinuts/cashu"
	"github.com/prometheus/client_golang/prometheus"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

type StorageType int

const (
	BoltStorage StorageType = iota
	SQLiteStorage
)

func StringToStorage(storage string) StorageType {
	switch storage {
	case "sqlite":
		return SQLiteStorage
	default:
		return BoltStorage
	}
}

const (
	defaultMaxConcurrency = 4
	defaultHTTPTimeout    = 30 * time.Second
	defaultPollInterval   = 5 * time.Second
)

type Config struct {
	WalletPath string
	// mints added to the wallet on load if not already known
	Mints   []string
	Unit    cashu.Unit
	Storage StorageType
	// max number of requests in flight to mints during a melt
	MaxConcurrency int
	LogLevel       LogLevel
	// if set, LogLevel is ignored
	Logger         *slog.Logger
	HTTPTimeout    time.Duration
	StatusListener StatusListener
	// defaults to the HTTP client in wallet/client
	Client MintClient
	// registry for the melt metrics. If nil a private registry is used.
	Registerer prometheus.Registerer
	// used instead of time.Now when set
	Now func() time.Time
}
