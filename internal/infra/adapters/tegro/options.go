package tegro

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/tegrolink/internal/domain/orderstore"
	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	// DomainMainnet selects the production Tegro endpoints.
	DomainMainnet = "tegro"
	// DomainTestnet selects the Tegro testnet endpoints.
	DomainTestnet = "tegro_testnet"
)

type metadata struct {
	identifier   string
	apiBaseURL   string
	websocketURL string
}

var domainMetadata = map[string]metadata{
	DomainMainnet: {
		identifier:   DomainMainnet,
		apiBaseURL:   "https://api.tegro.com/v2/",
		websocketURL: "wss://events.tegro.com/",
	},
	DomainTestnet: {
		identifier:   DomainTestnet,
		apiBaseURL:   "https://api.testnet.tegro.com/v2/",
		websocketURL: "wss://events.testnet.tegro.com/",
	},
}

var domainChains = map[string]map[string]int64{
	DomainMainnet: {
		"base": 8453,
	},
	DomainTestnet: {
		"base":     84532,
		"polygon":  80002,
		"optimism": 11155420,
		"arbitrum": 421614,
	},
}

const (
	pathMarket        = "market"
	pathMarketList    = "market/list"
	pathDepth         = "market/orderbook/depth"
	pathBalances      = "wallet/balances"
	pathGenerateSign  = "market/orders/typedData/generate/v2"
	pathOrders        = "market/orders"
	pathUserOrders    = "market/orders/user"
	pathUserTrades    = "market/orders/trades"
	pathCancelOrder   = "market/orders/cancel"
	pathCancelAll     = "market/orders/cancelAll"
	limitGlobal       = "global"
	orderIDPrefix     = "HB"
	maxOrderIDLength  = 32
	maxOrderNotFound  = 3
	userStreamBackoff = 5 * time.Second
)

const (
	defaultHTTPTimeout             = 10 * time.Second
	defaultShortPollInterval       = 10 * time.Second
	defaultLongPollInterval        = 120 * time.Second
	defaultOrderStatusPollInterval = 10 * time.Second
	defaultSnapshotInterval        = time.Hour
	defaultTradingRulesInterval    = 30 * time.Minute
	defaultStatusConcurrency       = 8
	defaultStreamBuffer            = 1024
)

// Config captures user-overridable Tegro settings.
type Config struct {
	Name          string
	Domain        string
	Chain         string
	WalletAddress string
	PrivateKey    string
	TradingPairs  []string

	HTTPTimeout             time.Duration
	ShortPollInterval       time.Duration
	LongPollInterval        time.Duration
	OrderStatusPollInterval time.Duration
	SnapshotInterval        time.Duration
	TradingRulesInterval    time.Duration
	StatusConcurrency       int

	// RateLimitPerSecond caps each REST endpoint. Zero leaves endpoints unthrottled.
	RateLimitPerSecond float64
	RateLimitBurst     int
	// GlobalRateLimit caps all REST traffic from this instance.
	GlobalRateLimit float64

	// RESTBaseURL and WebsocketURL override the domain endpoints.
	RESTBaseURL  string
	WebsocketURL string
}

// Options configure the Tegro exchange.
type Options struct {
	Config     Config
	Signer     Signer
	HTTPClient *http.Client
	Tracker    OrderTracker
	Recorder   orderstore.Recorder
	Logger     observability.Logger

	metadata metadata
	chainID  int64
}

// ChainID resolves the numeric chain id for a domain and chain name.
func ChainID(domain, chain string) (int64, error) {
	chains, ok := domainChains[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return 0, fmt.Errorf("tegro: unknown domain %q", domain)
	}
	id, ok := chains[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return 0, fmt.Errorf("tegro: chain %q is not available on %s", chain, domain)
	}
	return id, nil
}

func withDefaults(in Options) (Options, error) {
	in.Config.Domain = strings.ToLower(strings.TrimSpace(in.Config.Domain))
	if in.Config.Domain == "" {
		in.Config.Domain = DomainMainnet
	}
	meta, ok := domainMetadata[in.Config.Domain]
	if !ok {
		return in, fmt.Errorf("tegro: unknown domain %q", in.Config.Domain)
	}
	in.metadata = meta
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = meta.identifier
	}
	if strings.TrimSpace(in.Config.Chain) == "" {
		in.Config.Chain = "base"
	}
	chainID, err := ChainID(in.Config.Domain, in.Config.Chain)
	if err != nil {
		return in, err
	}
	in.chainID = chainID
	in.Config.WalletAddress = strings.TrimSpace(in.Config.WalletAddress)
	if in.Config.WalletAddress == "" {
		return in, fmt.Errorf("tegro: wallet address required")
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.ShortPollInterval <= 0 {
		in.Config.ShortPollInterval = defaultShortPollInterval
	}
	if in.Config.LongPollInterval <= 0 {
		in.Config.LongPollInterval = defaultLongPollInterval
	}
	if in.Config.OrderStatusPollInterval <= 0 {
		in.Config.OrderStatusPollInterval = defaultOrderStatusPollInterval
	}
	if in.Config.SnapshotInterval <= 0 {
		in.Config.SnapshotInterval = defaultSnapshotInterval
	}
	if in.Config.TradingRulesInterval <= 0 {
		in.Config.TradingRulesInterval = defaultTradingRulesInterval
	}
	if in.Config.StatusConcurrency <= 0 {
		in.Config.StatusConcurrency = defaultStatusConcurrency
	}
	if in.Config.RateLimitBurst <= 0 {
		in.Config.RateLimitBurst = 1
	}
	if in.HTTPClient == nil {
		in.HTTPClient = &http.Client{Timeout: in.Config.HTTPTimeout}
	}
	if in.Recorder == nil {
		in.Recorder = orderstore.Nop{}
	}
	in.Logger = observability.OrNop(in.Logger)
	return in, nil
}

func (o Options) restBaseURL() string {
	if override := strings.TrimSpace(o.Config.RESTBaseURL); override != "" {
		return override
	}
	return o.metadata.apiBaseURL
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.restBaseURL()), "/")
	if strings.TrimSpace(path) == "" {
		return base
	}
	return base + "/" + strings.TrimPrefix(path, "/")
}

func (o Options) websocketURL() string {
	if override := strings.TrimSpace(o.Config.WebsocketURL); override != "" {
		return override
	}
	return o.metadata.websocketURL
}

func (o Options) wallet() string {
	return o.Config.WalletAddress
}
