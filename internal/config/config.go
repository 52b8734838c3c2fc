package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ligun0805/strike-cluster/internal/router"
)

// PoolSettings describes one named endpoint pool.
type PoolSettings struct {
	Name   string   `yaml:"name"`
	Policy string   `yaml:"policy"`
	URLs   []string `yaml:"urls"`
}

// Settings keeps all configuration options.
// Env keys accept both UPPER_CASE and lower_case spellings.
type Settings struct {
	WorkerCount            int            `yaml:"workerCount"`
	BootDelayMs            int64          `yaml:"bootDelayMs"`
	RespawnBackoffMs       int64          `yaml:"respawnBackoffMs"`
	BootstrapRetryMs       int64          `yaml:"bootstrapRetryMs"`
	LeaseTimeoutMs         int64          `yaml:"leaseTimeoutMs"`
	EndpointPools          []PoolSettings `yaml:"endpointPools"`
	RetryBudgetPerEndpoint int            `yaml:"retryBudgetPerEndpoint"`
	RequestTimeoutMs       int64          `yaml:"requestTimeoutMs"`
	EndpointRPS            float64        `yaml:"endpointRps"`
	ListenerEvery          int            `yaml:"listenerEvery"`
	ExitAfterFirstSuccess  bool           `yaml:"exitAfterFirstSuccess"`
	HealthBasePort         int            `yaml:"healthBasePort"`

	ChainID         int64  `yaml:"chainId"`
	PrivateKeyHex   string `yaml:"privateKey"`
	AuthKeyHex      string `yaml:"authKey"`
	WSURL           string `yaml:"wsUrl"`
	EventKind       string `yaml:"eventKind"`
	NonceTag        string `yaml:"nonceTag"`
	TargetContract  string `yaml:"targetContract"`
	StrikeData      string `yaml:"strikeData"`
	GasLimit        uint64 `yaml:"gasLimit"`
	PriorityFeeGwei int64  `yaml:"priorityFeeGwei"`
	TipPercentile   int    `yaml:"tipPercentile"`
	TipBlocks       int    `yaml:"tipBlocks"`
	MinNetProfitETH string `yaml:"minNetProfitEth"`
	DialAttempts    int    `yaml:"dialAttempts"`
	LogLevel        string `yaml:"logLevel"`
	LogPretty       bool   `yaml:"logPretty"`
}

const defaultPools = "primary=round-robin:https://base.merkle.io,https://1rpc.io/base,https://mainnet.base.org,https://base.llamarpc.com"

// Defaults target a single Base mainnet identity.
func Defaults() Settings {
	pools, _ := ParsePools(defaultPools)
	return Settings{
		WorkerCount:            8,
		BootDelayMs:            2500,
		RespawnBackoffMs:       3000,
		BootstrapRetryMs:       30_000,
		LeaseTimeoutMs:         2000,
		EndpointPools:          pools,
		RetryBudgetPerEndpoint: 1,
		RequestTimeoutMs:       1200,
		ListenerEvery:          4,
		HealthBasePort:         0,
		ChainID:                8453,
		EventKind:              "new_block",
		NonceTag:               "latest",
		GasLimit:               1_250_000,
		PriorityFeeGwei:        1000,
		TipBlocks:              20,
		MinNetProfitETH:        "0.00005",
		DialAttempts:           5,
		LogLevel:               "info",
	}
}

// Load reads .env files, the optional YAML file and then environment overrides.
func Load(path string) (Settings, error) {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	st := Defaults()
	if path == "" {
		path = get([]string{"config_file", "CONFIG_FILE"}, "")
	}
	if path != "" {
		if err := loadFile(path, &st); err != nil {
			return Settings{}, err
		}
	}
	if err := applyEnv(&st); err != nil {
		return Settings{}, err
	}
	return st, nil
}

func loadFile(path string, st *Settings) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(st); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyEnv(st *Settings) error {
	st.WorkerCount = getInt([]string{"worker_count", "WORKER_COUNT"}, st.WorkerCount)
	st.BootDelayMs = getInt64([]string{"boot_delay_ms", "BOOT_DELAY_MS"}, st.BootDelayMs)
	st.RespawnBackoffMs = getInt64([]string{"respawn_backoff_ms", "RESPAWN_BACKOFF_MS"}, st.RespawnBackoffMs)
	st.BootstrapRetryMs = getInt64([]string{"bootstrap_retry_ms", "BOOTSTRAP_RETRY_MS"}, st.BootstrapRetryMs)
	st.LeaseTimeoutMs = getInt64([]string{"lease_timeout_ms", "LEASE_TIMEOUT_MS"}, st.LeaseTimeoutMs)
	st.RetryBudgetPerEndpoint = getInt([]string{"retry_budget_per_endpoint", "RETRY_BUDGET_PER_ENDPOINT"}, st.RetryBudgetPerEndpoint)
	st.RequestTimeoutMs = getInt64([]string{"request_timeout_ms", "REQUEST_TIMEOUT_MS"}, st.RequestTimeoutMs)
	st.EndpointRPS = getFloat([]string{"endpoint_rps", "ENDPOINT_RPS"}, st.EndpointRPS)
	st.ListenerEvery = getInt([]string{"listener_every", "LISTENER_EVERY"}, st.ListenerEvery)
	st.ExitAfterFirstSuccess = getBool([]string{"exit_after_first_success", "EXIT_AFTER_FIRST_SUCCESS"}, st.ExitAfterFirstSuccess)
	st.HealthBasePort = getInt([]string{"health_base_port", "HEALTH_BASE_PORT"}, st.HealthBasePort)

	st.ChainID = getInt64([]string{"chain_id", "CHAIN_ID"}, st.ChainID)
	st.PrivateKeyHex = get([]string{"treasury_private_key", "TREASURY_PRIVATE_KEY", "private_key", "PRIVATE_KEY"}, st.PrivateKeyHex)
	st.AuthKeyHex = get([]string{"flashbots_auth_pk", "FLASHBOTS_AUTH_PK", "auth_key", "AUTH_KEY"}, st.AuthKeyHex)
	st.WSURL = get([]string{"wss_url", "WSS_URL", "ws_url", "WS_URL"}, st.WSURL)
	st.EventKind = get([]string{"event_kind", "EVENT_KIND"}, st.EventKind)
	st.NonceTag = get([]string{"nonce_tag", "NONCE_TAG"}, st.NonceTag)
	st.TargetContract = get([]string{"target_contract", "TARGET_CONTRACT"}, st.TargetContract)
	st.StrikeData = get([]string{"strike_data", "STRIKE_DATA"}, st.StrikeData)
	st.GasLimit = uint64(getInt64([]string{"gas_limit", "GAS_LIMIT"}, int64(st.GasLimit)))
	st.PriorityFeeGwei = getInt64([]string{"priority_fee_gwei", "PRIORITY_FEE_GWEI"}, st.PriorityFeeGwei)
	st.TipPercentile = getInt([]string{"tip_percentile", "TIP_PERCENTILE"}, st.TipPercentile)
	st.TipBlocks = getInt([]string{"tip_blocks", "TIP_BLOCKS"}, st.TipBlocks)
	st.MinNetProfitETH = get([]string{"min_net_profit", "MIN_NET_PROFIT"}, st.MinNetProfitETH)
	st.DialAttempts = getInt([]string{"dial_attempts", "DIAL_ATTEMPTS"}, st.DialAttempts)
	st.LogLevel = get([]string{"log_level", "LOG_LEVEL"}, st.LogLevel)
	st.LogPretty = getBool([]string{"log_pretty", "LOG_PRETTY"}, st.LogPretty)

	if raw := get([]string{"endpoint_pools", "ENDPOINT_POOLS"}, ""); raw != "" {
		pools, err := ParsePools(raw)
		if err != nil {
			return err
		}
		st.EndpointPools = pools
	} else if rpcs := splitCSV(get([]string{"rpc_pool", "RPC_POOL"}, "")); len(rpcs) > 0 {
		st.EndpointPools = []PoolSettings{{Name: "primary", Policy: "round-robin", URLs: rpcs}}
	}
	return nil
}

// ParsePools parses "name=policy:url1,url2;name2=policy:url3".
func ParsePools(s string) ([]PoolSettings, error) {
	var out []PoolSettings
	for _, chunk := range strings.Split(s, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		name, rest, ok := strings.Cut(chunk, "=")
		if !ok {
			return nil, fmt.Errorf("pool %q: expected name=policy:urls", chunk)
		}
		policy, urls, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("pool %q: expected policy:urls", chunk)
		}
		policy = strings.TrimSpace(policy)
		// "https://..." or "auth:https://..." without an explicit policy
		if strings.HasPrefix(urls, "//") || strings.EqualFold(policy, "auth") {
			urls = rest
			policy = ""
		}
		if pol, err := router.ParsePolicy(policy); err == nil {
			policy = pol.String()
		}
		out = append(out, PoolSettings{
			Name:   strings.TrimSpace(name),
			Policy: policy,
			URLs:   splitCSV(urls),
		})
	}
	return out, nil
}

// Validate rejects settings the cluster cannot start with.
func (st Settings) Validate() error {
	var errs []error
	if st.WorkerCount <= 0 {
		errs = append(errs, errors.New("workerCount must be > 0"))
	}
	if len(st.EndpointPools) == 0 {
		errs = append(errs, errors.New("at least one endpoint pool is required"))
	}
	seen := map[string]bool{}
	for _, p := range st.EndpointPools {
		if p.Name == "" {
			errs = append(errs, errors.New("endpoint pool without a name"))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("pool %s: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if len(p.URLs) == 0 {
			errs = append(errs, fmt.Errorf("pool %s: no endpoints", p.Name))
		}
		if _, err := router.ParsePolicy(p.Policy); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", p.Name, err))
		}
	}
	if strings.TrimSpace(st.PrivateKeyHex) == "" {
		errs = append(errs, errors.New("private key is empty"))
	}
	if st.RetryBudgetPerEndpoint <= 0 {
		errs = append(errs, errors.New("retryBudgetPerEndpoint must be > 0"))
	}
	if st.ListenerEvery <= 0 {
		errs = append(errs, errors.New("listenerEvery must be > 0"))
	}
	return errors.Join(errs...)
}

func (st Settings) BootDelayDuration() time.Duration { return ms(st.BootDelayMs) }
func (st Settings) RespawnBackoff() time.Duration { return ms(st.RespawnBackoffMs) }
func (st Settings) BootstrapRetry() time.Duration { return ms(st.BootstrapRetryMs) }
func (st Settings) LeaseTimeout() time.Duration { return ms(st.LeaseTimeoutMs) }
func (st Settings) RequestTimeout() time.Duration { return ms(st.RequestTimeoutMs) }
func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// PoolNames returns pool names in configured priority order.
func (st Settings) PoolNames() []string {
	out := make([]string, 0, len(st.EndpointPools))
	for _, p := range st.EndpointPools {
		out = append(out, p.Name)
	}
	return out
}

func get(keys []string, def string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func getInt(keys []string, def int) int {
	s := get(keys, "")
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func getInt64(keys []string, def int64) int64 {
	s := get(keys, "")
	if s == "" {
		return def
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func getFloat(keys []string, def float64) float64 {
	s := get(keys, "")
	if s == "" {
		return def
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return def
}

func getBool(keys []string, def bool) bool {
	s := strings.ToLower(get(keys, ""))
	if s == "" {
		return def
	}
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaskHex hides all but the edges of a secret.
func MaskHex(h string) string {
	h = strings.TrimSpace(h)
	if len(h) <= 10 {
		return "***"
	}
	return h[:6] + "…" + h[len(h)-4:]
}
