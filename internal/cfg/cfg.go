package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/academy-api/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	TrustedProxyHops int
	MaxBodyBytes     int64
	FloodRate        float64
	FloodBurst       int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	ContactIPLimit     int
	ContactIPWindow    time.Duration
	ContactEmailLimit  int
	ContactEmailWindow time.Duration
	SweepInterval      time.Duration

	StripeWebhookSecret         string
	StripeWebhookSecretSSMParam string
	WebhookRetention            time.Duration
	WebhookTolerance            time.Duration

	MailProvider     string
	MailFrom         string
	ContactTo        string
	SESRegion        string
	SESConfigSet     string
	MailMaxRetries   int
	MailInitialDelay time.Duration
	MailMaxDelay     time.Duration

	ArchiveS3Bucket string
	ArchiveS3Prefix string
	ArchiveKMSKeyID string
}

// Register binds every setting to fs. Defaults live here.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted (0..8)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max request body size in bytes")
	fs.Float64Var(&c.FloodRate, "flood-rate", 20, "per-IP request rate across all routes (req/s)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 60, "per-IP burst across all routes")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for shared rate limit and webhook state (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "academy", "prefix for every redis key")

	fs.IntVar(&c.ContactIPLimit, "contact-ip-limit", 5, "contact submissions allowed per client IP per window")
	fs.DurationVar(&c.ContactIPWindow, "contact-ip-window", time.Hour, "contact per-IP window")
	fs.IntVar(&c.ContactEmailLimit, "contact-email-limit", 3, "contact submissions allowed per email address per window")
	fs.DurationVar(&c.ContactEmailWindow, "contact-email-window", 24*time.Hour, "contact per-email window")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Hour, "how often expired rate limit and webhook entries are purged")

	fs.StringVar(&c.StripeWebhookSecret, "stripe-webhook-secret", "", "webhook signing secret (whsec_...)")
	fs.StringVar(&c.StripeWebhookSecretSSMParam, "stripe-webhook-secret-ssm-param", "", "ssm SecureString parameter holding the webhook signing secret")
	fs.DurationVar(&c.WebhookRetention, "webhook-retention", 24*time.Hour, "how long processed webhook event ids are remembered")
	fs.DurationVar(&c.WebhookTolerance, "webhook-tolerance", 5*time.Minute, "max age of a webhook signature timestamp")

	fs.StringVar(&c.MailProvider, "mail-provider", "log", "log|ses")
	fs.StringVar(&c.MailFrom, "mail-from", "", "sender address for outbound email")
	fs.StringVar(&c.ContactTo, "contact-to", "", "recipient of contact form messages")
	fs.StringVar(&c.SESRegion, "ses-region", "", "SES region (empty = AWS default)")
	fs.StringVar(&c.SESConfigSet, "ses-configuration-set", "", "SES configuration set for delivery events")
	fs.IntVar(&c.MailMaxRetries, "mail-max-retries", 3, "email retries after the first attempt")
	fs.DurationVar(&c.MailInitialDelay, "mail-initial-delay", time.Second, "delay before the first email retry")
	fs.DurationVar(&c.MailMaxDelay, "mail-max-delay", 10*time.Second, "cap on email retry delay")

	fs.StringVar(&c.ArchiveS3Bucket, "archive-s3-bucket", "", "s3 bucket for raw webhook payloads (empty = disabled)")
	fs.StringVar(&c.ArchiveS3Prefix, "archive-s3-prefix", "webhooks/stripe", "s3 key prefix for archived payloads")
	fs.StringVar(&c.ArchiveKMSKeyID, "archive-kms-key-id", "", "KMS key for archive server-side encryption (empty = bucket default)")
}

// FillFromEnv sets each flag not given on the command line from
// PREFIX_FLAG_NAME ("redis-addr" reads ACADEMY_REDIS_ADDR). Command line beats
// environment beats default. Invalid values are reported through logf and
// leave the flag unchanged.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
		default:
			prev := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, prev)
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// EnvKey is the environment variable read for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		p.addf(format, args...)
	}
}

// Validate reports every out of range or malformed setting at once.
func Validate(c App) error {
	var p problems
	p.validateRuntime(c)
	p.validateEdge(c)
	p.validateContact(c)
	p.validateWebhook(c)
	p.validateMail(c)
	return errors.Join(p...)
}

func validPort(n int) bool { return n >= 1 && n <= 65535 }

func isHostPort(s string) bool {
	_, _, err := net.SplitHostPort(s)
	return err == nil
}

func (p *problems) validateRuntime(c App) {
	p.check(validPort(c.HTTPPort), "invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	p.check(validPort(c.AdminPort), "invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	p.check(c.AdminPort != c.HTTPPort, "ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		p.addf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			p.addf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks {
		p.check(c.MaxErrorLinks >= 1 && c.MaxErrorLinks <= 64, "MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	p.check(c.TraceSample >= 0 && c.TraceSample <= 1, "invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	if c.EnableTracing {
		// the gRPC exporter takes host:port without a scheme
		if c.OTLPEndpoint == "" {
			p.addf("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else {
			p.check(isHostPort(c.OTLPEndpoint), "OTLP_ENDPOINT must be host:port (got %q)", c.OTLPEndpoint)
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			p.addf("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			p.addf("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		p.check(c.PyroTenantID != "", "PYRO_TENANT required when ENABLE_PYROSCOPE=true")
	}
}

func (p *problems) validateEdge(c App) {
	p.check(c.TrustedProxyHops >= 0 && c.TrustedProxyHops <= 8, "TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops)
	p.check(c.MaxBodyBytes >= 1<<10 && c.MaxBodyBytes <= 10<<20, "MAX_BODY_BYTES must be 1KiB..10MiB (got %d)", c.MaxBodyBytes)
	p.check(c.FloodRate > 0 && c.FloodBurst >= 1, "FLOOD_RATE must be > 0 and FLOOD_BURST >= 1 (got %.2f, %d)", c.FloodRate, c.FloodBurst)

	// redis is optional; without it the stores are in memory
	if c.RedisAddr != "" {
		p.check(isHostPort(c.RedisAddr), "REDIS_ADDR must be host:port (got %q)", c.RedisAddr)
		p.check(c.RedisDB >= 0, "REDIS_DB must be >= 0 (got %d)", c.RedisDB)
	}
}

func (p *problems) validateContact(c App) {
	p.check(c.ContactIPLimit >= 1 && c.ContactIPWindow > 0,
		"CONTACT_IP_LIMIT must be >= 1 and CONTACT_IP_WINDOW > 0 (got %d per %s)", c.ContactIPLimit, c.ContactIPWindow)
	p.check(c.ContactEmailLimit >= 1 && c.ContactEmailWindow > 0,
		"CONTACT_EMAIL_LIMIT must be >= 1 and CONTACT_EMAIL_WINDOW > 0 (got %d per %s)", c.ContactEmailLimit, c.ContactEmailWindow)
	p.check(c.SweepInterval > 0, "SWEEP_INTERVAL must be > 0 (got %s)", c.SweepInterval)
}

func (p *problems) validateWebhook(c App) {
	p.check(c.StripeWebhookSecret != "" || c.StripeWebhookSecretSSMParam != "",
		"STRIPE_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET_SSM_PARAM is required")
	p.check(c.WebhookRetention > 0, "WEBHOOK_RETENTION must be > 0 (got %s)", c.WebhookRetention)
	p.check(c.WebhookTolerance > 0, "WEBHOOK_TOLERANCE must be > 0 (got %s)", c.WebhookTolerance)
	if c.ArchiveS3Bucket != "" {
		p.check(strings.Trim(c.ArchiveS3Prefix, "/") != "", "ARCHIVE_S3_PREFIX is required when ARCHIVE_S3_BUCKET is set")
	}
}

func (p *problems) validateMail(c App) {
	p.check(c.MailProvider == "log" || c.MailProvider == "ses", "MAIL_PROVIDER must be log or ses (got %q)", c.MailProvider)
	for _, a := range []struct{ name, value string }{{"MAIL_FROM", c.MailFrom}, {"CONTACT_TO", c.ContactTo}} {
		if _, err := mail.ParseAddress(a.value); err != nil {
			p.addf("%s must be an email address (got %q)", a.name, a.value)
		}
	}
	p.check(c.MailMaxRetries >= 0 && c.MailMaxRetries <= 10, "MAIL_MAX_RETRIES must be 0..10 (got %d)", c.MailMaxRetries)
	p.check(c.MailInitialDelay > 0 && c.MailMaxDelay >= c.MailInitialDelay,
		"MAIL_INITIAL_DELAY must be > 0 and <= MAIL_MAX_DELAY (got %s, %s)", c.MailInitialDelay, c.MailMaxDelay)
}
