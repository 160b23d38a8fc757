package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all configuration required by the orchestrator processes.
// All values must come from env (or an env file loaded by LoadEnvFile).
// No business logic should depend on raw environment variables.
type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	Twilio       TwilioConfig
	Orchestrator OrchestratorConfig
	Schedule     ScheduleConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// Provider selects the call provider adapter: "twilio" or "fake".
// "fake" is refused in production.
type TwilioConfig struct {
	Provider           string
	AccountSID         string
	AuthToken          string
	ValidateSignatures bool
}

// OrchestratorConfig carries the dispatch, monitoring and recovery knobs.
// Per-user limits from user settings override MaxConcurrentCalls and
// CallRatePerMinute when set.
type OrchestratorConfig struct {
	MaxConcurrentCalls int
	CallRatePerMinute  int
	DispatchBatchSize  int
	ActiveCallWindow   time.Duration

	StuckCallTimeout            time.Duration
	MaxCallDuration             time.Duration
	WebhookTimeout              time.Duration
	StateInconsistencyThreshold time.Duration
	OrphanThreshold             time.Duration
	ReconcileBatchSize          int

	ProviderAPITimeout        time.Duration
	ProviderRequestsPerSecond float64
	RingTimeoutSeconds        int

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryLookback  time.Duration

	MonitoringRetention time.Duration

	// PublicBaseURL is where the provider reaches this service (status callbacks).
	PublicBaseURL string
	// Answered calls are pointed at MediaStreamURL (inline stream document)
	// when set, otherwise at VoiceAppURL.
	VoiceAppURL    string
	MediaStreamURL string
}

// ScheduleConfig holds robfig/cron specs for the periodic passes.
type ScheduleConfig struct {
	Dispatch string
	Monitor  string
	Recovery string
	LeaseTTL time.Duration
}

const (
	ProviderTwilio = "twilio"
	ProviderFake   = "fake"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process env without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error
	p := &parser{errs: &parseErrs}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = p.requiredInt("APP_PORT")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = p.requiredInt("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = p.requiredInt("REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = p.int("REDIS_DB")

	c.Auth = p.auth()

	c.Twilio.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("CALL_PROVIDER")))
	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.ValidateSignatures = p.bool("TWILIO_VALIDATE_SIGNATURES")

	o := &c.Orchestrator
	o.MaxConcurrentCalls = p.int("MAX_CONCURRENT_CALLS")
	o.CallRatePerMinute = p.int("CALL_RATE_PER_MINUTE")
	o.DispatchBatchSize = p.int("DISPATCH_BATCH_SIZE")
	o.ActiveCallWindow = p.duration("ACTIVE_CALL_WINDOW")
	o.StuckCallTimeout = p.duration("STUCK_CALL_TIMEOUT")
	o.MaxCallDuration = p.duration("MAX_CALL_DURATION")
	o.WebhookTimeout = p.duration("WEBHOOK_TIMEOUT")
	o.StateInconsistencyThreshold = p.duration("STATE_INCONSISTENCY_THRESHOLD")
	o.OrphanThreshold = p.duration("ORPHAN_THRESHOLD")
	o.ReconcileBatchSize = p.int("RECONCILE_BATCH_SIZE")
	o.ProviderAPITimeout = p.duration("PROVIDER_API_TIMEOUT")
	o.ProviderRequestsPerSecond = p.floatOr("PROVIDER_REQUESTS_PER_SECOND", 10)
	o.RingTimeoutSeconds = p.int("RING_TIMEOUT_SECONDS")
	o.MaxRetries = p.intOr("MAX_RETRIES", 2)
	o.RetryBaseDelay = p.duration("RETRY_BASE_DELAY")
	o.RetryMaxDelay = p.duration("RETRY_MAX_DELAY")
	o.RetryLookback = p.duration("RETRY_LOOKBACK")
	o.MonitoringRetention = p.duration("MONITORING_RETENTION")
	o.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	o.VoiceAppURL = strings.TrimSpace(os.Getenv("VOICE_APP_URL"))
	o.MediaStreamURL = strings.TrimSpace(os.Getenv("MEDIA_STREAM_URL"))

	c.Schedule.Dispatch = strings.TrimSpace(os.Getenv("DISPATCH_SCHEDULE"))
	c.Schedule.Monitor = strings.TrimSpace(os.Getenv("MONITOR_SCHEDULE"))
	c.Schedule.Recovery = strings.TrimSpace(os.Getenv("RECOVERY_SCHEDULE"))
	c.Schedule.LeaseTTL = p.duration("PASS_LEASE_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadAuth reads only the JWT_* settings, for tools that sign tokens without
// the rest of the service configuration.
func LoadAuth() (AuthConfig, error) {
	var errs []error
	p := &parser{errs: &errs}
	a := p.auth()
	if a.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if err := joinErrors(errs); err != nil {
		return AuthConfig{}, err
	}
	if a.AccessTokenTTL <= 0 {
		a.AccessTokenTTL = 15 * time.Minute
	}
	return a, nil
}

func (p *parser) auth() AuthConfig {
	return AuthConfig{
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience:    strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		AccessTokenTTL: p.duration("JWT_ACCESS_TTL"),
	}
}

// Validate fills defaults for optional values, then checks everything.
func (c *Config) Validate() error {
	c.applyDefaults()
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	switch c.Twilio.Provider {
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
		}
	case ProviderFake:
		if c.IsProduction() {
			errs = append(errs, errors.New("CALL_PROVIDER=fake is not allowed in production"))
		}
		if c.Twilio.ValidateSignatures {
			errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURES requires CALL_PROVIDER=twilio"))
		}
	default:
		errs = append(errs, fmt.Errorf("CALL_PROVIDER must be twilio or fake, got %q", c.Twilio.Provider))
	}

	errs = append(errs, c.Orchestrator.validate()...)
	errs = append(errs, c.Schedule.validate()...)

	return joinErrors(errs)
}

func (c *Config) applyDefaults() {
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Twilio.Provider == "" {
		c.Twilio.Provider = ProviderTwilio
	}

	o := &c.Orchestrator
	setInt(&o.MaxConcurrentCalls, 10)
	setInt(&o.CallRatePerMinute, 30)
	setInt(&o.DispatchBatchSize, 10)
	setDuration(&o.ActiveCallWindow, 30*time.Minute)
	setDuration(&o.StuckCallTimeout, 5*time.Minute)
	setDuration(&o.MaxCallDuration, 30*time.Minute)
	setDuration(&o.WebhookTimeout, 10*time.Minute)
	setDuration(&o.StateInconsistencyThreshold, 5*time.Minute)
	setDuration(&o.OrphanThreshold, 15*time.Minute)
	setInt(&o.ReconcileBatchSize, 50)
	setDuration(&o.ProviderAPITimeout, 30*time.Second)
	setInt(&o.RingTimeoutSeconds, 30)
	setDuration(&o.RetryBaseDelay, 5*time.Minute)
	setDuration(&o.RetryMaxDelay, time.Hour)
	setDuration(&o.RetryLookback, 24*time.Hour)
	setDuration(&o.MonitoringRetention, 24*time.Hour)

	s := &c.Schedule
	if s.Dispatch == "" {
		s.Dispatch = "@every 30s"
	}
	if s.Monitor == "" {
		s.Monitor = "@every 2m"
	}
	if s.Recovery == "" {
		s.Recovery = "@every 5m"
	}
	setDuration(&s.LeaseTTL, 10*time.Minute)
}

func (o OrchestratorConfig) validate() []error {
	var errs []error
	positive := map[string]int{
		"MAX_CONCURRENT_CALLS": o.MaxConcurrentCalls,
		"CALL_RATE_PER_MINUTE": o.CallRatePerMinute,
		"DISPATCH_BATCH_SIZE":  o.DispatchBatchSize,
		"RECONCILE_BATCH_SIZE": o.ReconcileBatchSize,
		"RING_TIMEOUT_SECONDS": o.RingTimeoutSeconds,
	}
	for _, k := range sortedKeys(positive) {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", k, positive[k]))
		}
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 0, got %d", o.MaxRetries))
	}
	if o.ProviderRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_REQUESTS_PER_SECOND must be >= 0, got %v", o.ProviderRequestsPerSecond))
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY"))
	}
	if o.MaxCallDuration <= o.StuckCallTimeout {
		errs = append(errs, errors.New("MAX_CALL_DURATION must be greater than STUCK_CALL_TIMEOUT"))
	}

	if o.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if !isHTTPURL(o.PublicBaseURL) {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) url, got %q", o.PublicBaseURL))
	}
	switch {
	case o.MediaStreamURL != "":
		if !strings.HasPrefix(o.MediaStreamURL, "wss://") && !strings.HasPrefix(o.MediaStreamURL, "ws://") {
			errs = append(errs, fmt.Errorf("MEDIA_STREAM_URL must be a ws(s) url, got %q", o.MediaStreamURL))
		}
	case o.VoiceAppURL != "":
		if !isHTTPURL(o.VoiceAppURL) {
			errs = append(errs, fmt.Errorf("VOICE_APP_URL must be an http(s) url, got %q", o.VoiceAppURL))
		}
	default:
		errs = append(errs, errors.New("one of MEDIA_STREAM_URL or VOICE_APP_URL is required"))
	}
	return errs
}

func (s ScheduleConfig) validate() []error {
	var errs []error
	for _, spec := range []struct{ key, val string }{
		{"DISPATCH_SCHEDULE", s.Dispatch},
		{"MONITOR_SCHEDULE", s.Monitor},
		{"RECOVERY_SCHEDULE", s.Recovery},
	} {
		if _, err := cron.ParseStandard(spec.val); err != nil {
			errs = append(errs, fmt.Errorf("%s is not a valid schedule %q: %v", spec.key, spec.val, err))
		}
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// StatusCallbackURL is the provider-facing webhook address.
func (c Config) StatusCallbackURL() string {
	return c.Orchestrator.PublicBaseURL + "/webhooks/twilio/status"
}

// parser reads typed env values and collects parse errors instead of
// stopping at the first one.
type parser struct {
	errs *[]error
}

func (p *parser) fail(err error) { *p.errs = append(*p.errs, err) }

func (p *parser) requiredInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		p.fail(fmt.Errorf("%s is required", key))
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n
}

func (p *parser) int(key string) int {
	return p.intOr(key, 0)
}

// intOr returns def only when key is unset, so an explicit 0 survives.
func (p *parser) intOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n
}

func (p *parser) floatOr(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f
}

func (p *parser) bool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b
}

func (p *parser) duration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
