package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/academy-api/internal/apihttp"
	"github.com/keithlinneman/academy-api/internal/archive"
	"github.com/keithlinneman/academy-api/internal/cfg"
	"github.com/keithlinneman/academy-api/internal/health"
	"github.com/keithlinneman/academy-api/internal/httpmw"
	"github.com/keithlinneman/academy-api/internal/httpserver"
	"github.com/keithlinneman/academy-api/internal/idempotency"
	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/mail"
	"github.com/keithlinneman/academy-api/internal/metrics"
	"github.com/keithlinneman/academy-api/internal/opshttp"
	"github.com/keithlinneman/academy-api/internal/otelx"
	"github.com/keithlinneman/academy-api/internal/prof"
	"github.com/keithlinneman/academy-api/internal/ratelimit"
	"github.com/keithlinneman/academy-api/internal/secrets"
	v "github.com/keithlinneman/academy-api/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix ACADEMY_ and validate
	cfg.FillFromEnv(flag.CommandLine, "ACADEMY_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"redis_addr", conf.RedisAddr,
		"contact_ip_limit", conf.ContactIPLimit,
		"contact_ip_window", conf.ContactIPWindow,
		"contact_email_limit", conf.ContactEmailLimit,
		"contact_email_window", conf.ContactEmailWindow,
		"webhook_retention", conf.WebhookRetention,
		"webhook_tolerance", conf.WebhookTolerance,
		"mail_provider", conf.MailProvider,
		"mail_max_retries", conf.MailMaxRetries,
		"archive_s3_bucket", conf.ArchiveS3Bucket,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	probes := []health.Probe{gate.Probe()}

	// shared state for multiple instances, in-memory otherwise
	var rdb *redis.Client
	if conf.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		defer rdb.Close()
		probes = append(probes, health.WithTimeout("redis", 2*time.Second, health.CheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
	}
	readiness := health.All(probes...)

	// contact form limits: per client IP first, then per email address
	limiterOpts := []ratelimit.Option{
		ratelimit.WithSweepInterval(conf.SweepInterval),
		ratelimit.WithOnStoreError(func(key string, err error) {
			m.IncRateLimitStoreError()
			L.Error(ctx, err, "rate limit store unavailable, allowing request", "key", key)
		}),
		ratelimit.WithOnSweep(m.AddRateLimitSwept),
	}
	if rdb != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithStore(
			ratelimit.NewRedisStore(rdb, ratelimit.WithKeyPrefix(conf.RedisKeyPrefix+":rl")),
		))
	}
	limiter := ratelimit.New(ctx, limiterOpts...)
	contactPolicy := ratelimit.NewContactPolicy(limiter,
		ratelimit.Config{Window: conf.ContactIPWindow, MaxRequests: conf.ContactIPLimit},
		ratelimit.Config{Window: conf.ContactEmailWindow, MaxRequests: conf.ContactEmailLimit},
	)

	// webhook de-duplication
	guardOpts := []idempotency.Option{
		idempotency.WithRetention(conf.WebhookRetention),
		idempotency.WithTolerance(conf.WebhookTolerance),
		idempotency.WithSweepInterval(conf.SweepInterval),
		idempotency.WithOnSweep(m.ObserveIdempotencySweep),
	}
	if rdb != nil {
		guardOpts = append(guardOpts, idempotency.WithStore(
			idempotency.NewRedisStore(rdb, conf.RedisKeyPrefix+":webhook"),
		))
	}
	guard := idempotency.New(ctx, guardOpts...)

	// per-IP flood protection across every public route
	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithFloodRate(conf.FloodRate, conf.FloodBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first denial until the visitor is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "flood guard capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// outbound email
	var sender mail.Sender
	switch conf.MailProvider {
	case "ses":
		sesClient := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			if conf.SESRegion != "" {
				o.Region = conf.SESRegion
			}
		})
		sender = mail.NewSESSender(sesClient, mail.WithConfigurationSet(conf.SESConfigSet))
	default:
		sender = mail.LogSender{Logger: L}
	}
	mailer, err := mail.NewRetrier(sender,
		mail.WithRetryConfig(mail.RetryConfig{
			MaxRetries:   conf.MailMaxRetries,
			InitialDelay: conf.MailInitialDelay,
			MaxDelay:     conf.MailMaxDelay,
		}),
		mail.WithLogger(L),
		mail.WithOnAttempt(m.IncEmailAttempt),
		mail.WithOnResult(m.IncEmailSend),
	)
	if err != nil {
		L.Error(ctx, err, "invalid mail retry config")
		os.Exit(1)
	}

	// webhook signing secret, literal or from SSM
	var ssmClient secrets.SSMAPI
	if conf.StripeWebhookSecret == "" {
		ssmClient = ssm.NewFromConfig(awsCfg)
	}
	webhookSecret, err := secrets.Resolve(ctx, ssmClient, conf.StripeWebhookSecret, conf.StripeWebhookSecretSSMParam)
	if err != nil {
		L.Error(ctx, err, "failed to resolve webhook signing secret", "ssm_param", conf.StripeWebhookSecretSSMParam)
		os.Exit(1)
	}

	// raw payload archive
	var archiver archive.Archiver = archive.Nop{}
	if conf.ArchiveS3Bucket != "" {
		if conf.ArchiveKMSKeyID != "" {
			if err := archive.CheckKMSKey(ctx, kms.NewFromConfig(awsCfg), conf.ArchiveKMSKeyID); err != nil {
				L.Error(ctx, err, "archive kms key unusable", "kms_key_id", conf.ArchiveKMSKeyID)
				os.Exit(1)
			}
		}
		s3a, err := archive.NewS3(archive.S3Options{
			Logger:   L,
			Client:   s3.NewFromConfig(awsCfg),
			Bucket:   conf.ArchiveS3Bucket,
			Prefix:   conf.ArchiveS3Prefix,
			KMSKeyID: conf.ArchiveKMSKeyID,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create webhook archiver")
			os.Exit(1)
		}
		archiver = s3a
	}

	api := apihttp.NewAPI(apihttp.Options{
		Logger:        L,
		Metrics:       m,
		Limiter:       contactPolicy,
		Guard:         guard,
		Mailer:        mailer,
		Archiver:      archiver,
		WebhookSecret: webhookSecret,
		MailFrom:      conf.MailFrom,
		ContactTo:     conf.ContactTo,
	})

	// start public api server
	apiHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Live,
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  flood.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// admin/ops listener serves metrics, health checks and pprof
	// requests from public ips or with x-forwarded-for are rejected in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Live,
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd with type=notify
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "err", err)
	} else if !sent {
		L.Debug(ctx, "NOTIFY_SOCKET not set, skipping systemd notify")
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	L.Info(bg, "shutdown gate closed, draining", "drain", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	limiter.Shutdown()
	guard.Shutdown()

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	_ = lg.Sync()
}

// drainPeriod covers load balancer health check intervals plus in-flight requests.
const drainPeriod = 30 * time.Second
