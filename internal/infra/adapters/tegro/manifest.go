// Package tegro connects the trading host to the Tegro decentralized exchange.
package tegro

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	envAPIKey    = "TEGRO_API_KEY"
	envAPISecret = "TEGRO_API_SECRET"
)

// ParseConfig builds a Config from the adapter block of the application config.
// The wallet address and private key fall back to TEGRO_API_KEY and TEGRO_API_SECRET.
func ParseConfig(cfg map[string]any) (Config, error) {
	var out Config

	if alias, ok := stringFromConfig(cfg, "provider_name"); ok {
		out.Name = alias
	} else if raw, ok := stringFromConfig(cfg, "name"); ok {
		out.Name = raw
	}

	userCfg := cfg
	if nested, ok := mapFromConfig(cfg, "config"); ok {
		userCfg = nested
	}

	if raw, ok := stringFromConfig(userCfg, "domain"); ok {
		out.Domain = raw
	}
	if raw, ok := stringFromConfig(userCfg, "chain"); ok {
		out.Chain = raw
	}
	if raw, ok := stringFromConfig(userCfg, "wallet_address"); ok {
		out.WalletAddress = raw
	} else if raw, ok := stringFromConfig(userCfg, "api_key"); ok {
		out.WalletAddress = raw
	} else {
		out.WalletAddress = strings.TrimSpace(os.Getenv(envAPIKey))
	}
	if raw, ok := stringFromConfig(userCfg, "private_key"); ok {
		out.PrivateKey = raw
	} else if raw, ok := stringFromConfig(userCfg, "api_secret"); ok {
		out.PrivateKey = raw
	} else {
		out.PrivateKey = strings.TrimSpace(os.Getenv(envAPISecret))
	}
	if pairs, ok := stringsFromConfig(userCfg, "trading_pairs"); ok {
		out.TradingPairs = pairs
	}
	if timeout, ok := durationFromConfig(userCfg, "http_timeout"); ok {
		out.HTTPTimeout = timeout
	}
	if interval, ok := durationFromConfig(userCfg, "short_poll_interval"); ok {
		out.ShortPollInterval = interval
	}
	if interval, ok := durationFromConfig(userCfg, "long_poll_interval"); ok {
		out.LongPollInterval = interval
	}
	if interval, ok := durationFromConfig(userCfg, "order_status_poll_interval"); ok {
		out.OrderStatusPollInterval = interval
	}
	if interval, ok := durationFromConfig(userCfg, "snapshot_interval"); ok {
		out.SnapshotInterval = interval
	}
	if interval, ok := durationFromConfig(userCfg, "trading_rules_interval"); ok {
		out.TradingRulesInterval = interval
	}
	if n, ok := intFromConfig(userCfg, "status_concurrency"); ok {
		out.StatusConcurrency = n
	}
	if rps, ok := floatFromConfig(userCfg, "rate_limit_per_second"); ok {
		out.RateLimitPerSecond = rps
	}
	if burst, ok := intFromConfig(userCfg, "rate_limit_burst"); ok {
		out.RateLimitBurst = burst
	}
	if rps, ok := floatFromConfig(userCfg, "global_rate_limit"); ok {
		out.GlobalRateLimit = rps
	}
	if raw, ok := stringFromConfig(userCfg, "rest_base_url"); ok {
		out.RESTBaseURL = raw
	}
	if raw, ok := stringFromConfig(userCfg, "websocket_url"); ok {
		out.WebsocketURL = raw
	}

	if out.Domain == "" {
		out.Domain = DomainMainnet
	}
	if out.Chain == "" {
		out.Chain = "base"
	}
	if _, err := ChainID(out.Domain, out.Chain); err != nil {
		return out, err
	}
	if out.WalletAddress == "" {
		return out, fmt.Errorf("tegro: wallet_address (or %s) required", envAPIKey)
	}
	return out, nil
}

func stringFromConfig(cfg map[string]any, key string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	raw, ok := cfg[key]
	if !ok {
		return "", false
	}
	if value, ok := raw.(string); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	}
	return "", false
}

func stringsFromConfig(cfg map[string]any, key string) ([]string, bool) {
	raw, ok := cfg[key]
	if !ok {
		return nil, false
	}
	var items []string
	switch v := raw.(type) {
	case []string:
		items = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
	case string:
		items = strings.Split(v, ",")
	default:
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.ToUpper(strings.TrimSpace(item)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, len(out) > 0
}

func intFromConfig(cfg map[string]any, key string) (int, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func floatFromConfig(cfg map[string]any, key string) (float64, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func durationFromConfig(cfg map[string]any, key string) (time.Duration, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	}
	return 0, false
}

func mapFromConfig(cfg map[string]any, key string) (map[string]any, bool) {
	raw, ok := cfg[key]
	if !ok {
		return nil, false
	}
	out, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	return out, true
}
