package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/origin"
)

const (
	envVarConfigFile      = "CALL_GATEWAY_CONFIG"
	envVarListenAddr      = "CALL_GATEWAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CALL_GATEWAY_LOG_FORMAT"
	envVarLogLevel        = "CALL_GATEWAY_LOG_LEVEL"
	envVarShutdownTimeout = "CALL_GATEWAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "CALL_GATEWAY_MODE"
	envVarRegion          = "CALL_GATEWAY_REGION"
	envVarNodeID          = "CALL_GATEWAY_NODE_ID"

	// Identity provider.
	envVarAuthMode          = "AUTH_MODE"
	envVarAPIKey            = "API_KEY"
	envVarAPIKeys           = "API_KEYS"
	envVarJWTSecret         = "JWT_SECRET"
	envVarJWTIssuer         = "JWT_ISSUER"
	envVarJWTAudience       = "JWT_AUDIENCE"
	envVarAuthCacheTTL      = "AUTH_CACHE_TTL"
	envVarAllowInsecureAuth = "ALLOW_INSECURE_AUTH"

	envVarJoinTokenSecret = "JOIN_TOKEN_SECRET"
	envVarJoinTokenTTL    = "JOIN_TOKEN_TTL"

	// Session tracking.
	envVarDedupTTL           = "DEDUP_TTL"
	envVarDedupMaxEntries    = "DEDUP_MAX_ENTRIES"
	envVarCacheSweepInterval = "CACHE_SWEEP_INTERVAL"
	envVarSeqDiscipline      = "SEQ_DISCIPLINE"

	// Signaling WebSocket hardening.
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxOpaqueBlobBytes            = "MAX_OPAQUE_BLOB_BYTES"
	envVarMaxSignalingBytesPerSecond    = "MAX_SIGNALING_BYTES_PER_SECOND"
	envVarMaxOutboundQueueBytes         = "MAX_OUTBOUND_QUEUE_BYTES"

	// E2EE policy.
	envVarE2EERequired           = "E2EE_REQUIRED"
	envVarE2EERequiredCapability = "E2EE_REQUIRED_CAPABILITY"
	envVarRekeyAttemptTTL        = "REKEY_ATTEMPT_TTL"

	envVarMediaEngine         = "MEDIA_ENGINE"
	envVarMediaEngineRequired = "MEDIA_ENGINE_REQUIRED"
	envVarICEGatheringTimeout = "CALL_GATEWAY_ICE_GATHERING_TIMEOUT"

	envVarStoreDSN = "STORE_DSN"

	// Ephemeral TURN credentials handed out by GET /v1/ice.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr            = "127.0.0.1:8080"
	DefaultShutdown              = 15 * time.Second
	DefaultMode             Mode = ModeDev
	DefaultRegion                = "local"
	DefaultICEGatherTimeout      = 2 * time.Second

	DefaultAuthMode     AuthMode = AuthModeJWT
	DefaultAuthCacheTTL          = 60 * time.Second

	DefaultJoinTokenTTL = 120 * time.Second

	DefaultDedupTTL           = 5 * time.Minute
	DefaultDedupMaxEntries    = 4096
	DefaultCacheSweepInterval = 30 * time.Second

	DefaultSignalingAuthTimeout          = 10 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxOpaqueBlobBytes            = 16 * 1024
	DefaultMaxSignalingBytesPerSecond    = 256 * 1024
	DefaultMaxOutboundQueueBytes         = 1 << 20

	DefaultE2EERequiredCapability = "insertable-streams"
	DefaultRekeyAttemptTTL        = 2 * time.Minute

	DefaultStoreDSN          = "memory"
	DefaultWebRTCUDPListenIP = "0.0.0.0"

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "call-gateway"

	// defaultAPIKeyUser is the identity bound to the single API_KEY value.
	defaultAPIKeyUser = "service"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; each
// transport holds its own ICE socket.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type MediaEngine string

const (
	MediaEngineFallback MediaEngine = "fallback"
	MediaEnginePion     MediaEngine = "pion"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type APIKey struct {
	UserID string
	Key    string
}

type Config struct {
	ConfigFile      string
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode
	Region          string
	NodeID          string

	AuthMode          AuthMode
	APIKeys           []APIKey
	JWTSecret         string
	JWTIssuer         string
	JWTAudience       string
	AuthCacheTTL      time.Duration
	AllowInsecureAuth bool

	// JoinTokenSecret is resolved with the production fail-closed policy.
	// JoinTokenSecretInsecure is true when the development default is in use.
	JoinTokenSecret         []byte
	JoinTokenSecretInsecure bool
	JoinTokenTTL            time.Duration

	DedupTTL           time.Duration
	DedupMaxEntries    int
	CacheSweepInterval time.Duration
	SeqDiscipline      string

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxOpaqueBlobBytes            int
	// MaxSignalingBytesPerSecond of 0 disables the inbound byte budget.
	MaxSignalingBytesPerSecond int
	MaxOutboundQueueBytes      int

	E2EERequired           bool
	E2EERequiredCapability string
	RekeyAttemptTTL        time.Duration

	MediaEngine         MediaEngine
	MediaEngineRequired bool
	ICEGatheringTimeout time.Duration

	StoreDSN string

	// TURNRESTSharedSecret enables coturn REST credentials for TURN servers
	// listed in ICEServers. Empty serves the configured static credentials.
	TURNRESTSharedSecret   string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised instead of the local addresses when the
	// gateway sits behind a 1:1 NAT. Literal IPs only.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts the interface ICE binds to. 0.0.0.0 keeps the
	// library default.
	WebRTCUDPListenIP net.IP
}

func (c Config) Production() bool { return c.Mode == ModeProd }

func Load(args []string) (Config, error) {
	path := configFileFromArgs(args)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envVarConfigFile))
	}
	lookup := os.LookupEnv
	if path != "" {
		values, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(os.LookupEnv, values)
	}
	cfg, err := load(lookup, args)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	region := envOrDefault(lookup, envVarRegion, DefaultRegion)
	nodeID := envOrDefault(lookup, envVarNodeID, defaultNodeID())
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	apiKeysStr := envOrDefault(lookup, envVarAPIKeys, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtIssuer := envOrDefault(lookup, envVarJWTIssuer, "")
	jwtAudience := envOrDefault(lookup, envVarJWTAudience, "")
	joinTokenSecret := envOrDefault(lookup, envVarJoinTokenSecret, "")
	seqDiscipline := envOrDefault(lookup, envVarSeqDiscipline, "exact")
	e2eeRequiredCapability := envOrDefault(lookup, envVarE2EERequiredCapability, DefaultE2EERequiredCapability)
	storeDSN := envOrDefault(lookup, envVarStoreDSN, DefaultStoreDSN)
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	mediaEngineDefault := string(MediaEngineFallback)
	mediaEngineRequiredDefault := false
	if m, err := parseMode(modeDefault); err == nil && m == ModeProd {
		mediaEngineDefault = string(MediaEnginePion)
		mediaEngineRequiredDefault = true
	}
	mediaEngineStr := envOrDefault(lookup, envVarMediaEngine, mediaEngineDefault)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	authCacheTTL, err := envDurationOrDefault(lookup, envVarAuthCacheTTL, DefaultAuthCacheTTL)
	if err != nil {
		return Config{}, err
	}
	joinTokenTTL, err := envDurationOrDefault(lookup, envVarJoinTokenTTL, DefaultJoinTokenTTL)
	if err != nil {
		return Config{}, err
	}
	dedupTTL, err := envDurationOrDefault(lookup, envVarDedupTTL, DefaultDedupTTL)
	if err != nil {
		return Config{}, err
	}
	dedupMaxEntries, err := envIntOrDefault(lookup, envVarDedupMaxEntries, DefaultDedupMaxEntries)
	if err != nil {
		return Config{}, err
	}
	cacheSweepInterval, err := envDurationOrDefault(lookup, envVarCacheSweepInterval, DefaultCacheSweepInterval)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxOpaqueBlobBytes, err := envIntOrDefault(lookup, envVarMaxOpaqueBlobBytes, DefaultMaxOpaqueBlobBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingBytesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingBytesPerSecond, DefaultMaxSignalingBytesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxOutboundQueueBytes, err := envIntOrDefault(lookup, envVarMaxOutboundQueueBytes, DefaultMaxOutboundQueueBytes)
	if err != nil {
		return Config{}, err
	}

	e2eeRequired, err := envBoolOrDefault(lookup, envVarE2EERequired, true)
	if err != nil {
		return Config{}, err
	}
	rekeyAttemptTTL, err := envDurationOrDefault(lookup, envVarRekeyAttemptTTL, DefaultRekeyAttemptTTL)
	if err != nil {
		return Config{}, err
	}
	mediaEngineRequired, err := envBoolOrDefault(lookup, envVarMediaEngineRequired, mediaEngineRequiredDefault)
	if err != nil {
		return Config{}, err
	}
	mediaEngineRequiredSet := false
	if raw, ok := lookup(envVarMediaEngineRequired); ok && strings.TrimSpace(raw) != "" {
		mediaEngineRequiredSet = true
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	allowInsecureAuth, err := envBoolOrDefault(lookup, envVarAllowInsecureAuth, false)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("call-gateway", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFile     string
		modeStr        string
		logFormatStr   string
		logLevelStr    string
		authModeStr    string
		mediaEngineFlg string
	)

	fs.StringVar(&configFile, "config", "", "TOML or YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&region, "region", region, "Region reported in room snapshots (env "+envVarRegion+")")
	fs.StringVar(&nodeID, "node-id", nodeID, "Node id reported in room snapshots (env "+envVarNodeID+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Identity provider: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Single API key accepted as user "+defaultAPIKeyUser+" (env "+envVarAPIKey+")")
	fs.StringVar(&apiKeysStr, "api-keys", apiKeysStr, "Comma-separated userId:key pairs (env "+envVarAPIKeys+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for access tokens (env "+envVarJWTSecret+")")
	fs.StringVar(&jwtIssuer, "jwt-issuer", jwtIssuer, "Required iss claim, empty to skip (env "+envVarJWTIssuer+")")
	fs.StringVar(&jwtAudience, "jwt-audience", jwtAudience, "Required aud claim, empty to skip (env "+envVarJWTAudience+")")
	fs.DurationVar(&authCacheTTL, "auth-cache-ttl", authCacheTTL, "Cache verified access tokens for this long (env "+envVarAuthCacheTTL+")")
	fs.BoolVar(&allowInsecureAuth, "allow-insecure-auth", allowInsecureAuth, "Permit AUTH_MODE=none in prod (env "+envVarAllowInsecureAuth+")")

	fs.StringVar(&joinTokenSecret, "join-token-secret", joinTokenSecret, "HMAC secret for join tokens (env "+envVarJoinTokenSecret+")")
	fs.DurationVar(&joinTokenTTL, "join-token-ttl", joinTokenTTL, "Join token lifetime, at least 30s (env "+envVarJoinTokenTTL+")")

	fs.DurationVar(&dedupTTL, "dedup-ttl", dedupTTL, "How long msgIds are remembered for dedup (env "+envVarDedupTTL+")")
	fs.IntVar(&dedupMaxEntries, "dedup-max-entries", dedupMaxEntries, "Max remembered msgIds per connection (env "+envVarDedupMaxEntries+")")
	fs.DurationVar(&cacheSweepInterval, "cache-sweep-interval", cacheSweepInterval, "Interval for pruning expired cache entries and rekey attempts (env "+envVarCacheSweepInterval+")")
	fs.StringVar(&seqDiscipline, "seq-discipline", seqDiscipline, "Inbound seq discipline: exact or monotonic (env "+envVarSeqDiscipline+")")

	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Close sockets that do not authenticate within this duration (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval, must be < --signaling-ws-idle-timeout (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling frame size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound frames per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxSignalingBytesPerSecond, "max-signaling-bytes-per-second", maxSignalingBytesPerSecond, "Max inbound bytes per second per connection, 0 disables (env "+envVarMaxSignalingBytesPerSecond+")")
	fs.IntVar(&maxOutboundQueueBytes, "max-outbound-queue-bytes", maxOutboundQueueBytes, "Max bytes queued for one socket before it is disconnected (env "+envVarMaxOutboundQueueBytes+")")
	fs.IntVar(&maxOpaqueBlobBytes, "max-opaque-blob-bytes", maxOpaqueBlobBytes, "Max decoded size of ciphertext/sig blobs (env "+envVarMaxOpaqueBlobBytes+")")

	fs.BoolVar(&e2eeRequired, "e2ee-required", e2eeRequired, "Require E2EE readiness before media operations (env "+envVarE2EERequired+")")
	fs.StringVar(&e2eeRequiredCapability, "e2ee-required-capability", e2eeRequiredCapability, "Capability clients must declare in E2EE_CAPS (env "+envVarE2EERequiredCapability+")")
	fs.DurationVar(&rekeyAttemptTTL, "rekey-attempt-ttl", rekeyAttemptTTL, "Abandon rekey attempts not committed within this duration (env "+envVarRekeyAttemptTTL+")")

	fs.StringVar(&mediaEngineFlg, "media-engine", mediaEngineStr, "Media engine: fallback or pion (env "+envVarMediaEngine+")")
	fs.BoolVar(&mediaEngineRequired, "media-engine-required", mediaEngineRequired, "Fail startup when the media engine cannot start (env "+envVarMediaEngineRequired+")")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering when answering (env "+envVarICEGatheringTimeout+")")
	fs.StringVar(&storeDSN, "store-dsn", storeDSN, "Store: memory or sqlite:<path> (env "+envVarStoreDSN+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-shared-secret", turnRESTSecret, "coturn static-auth-secret for ephemeral TURN credentials (env "+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of ephemeral TURN credentials (env "+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "Username prefix for ephemeral TURN credentials (env "+envVarTURNRESTUsernamePrefix+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// --mode changes the mode-derived defaults unless they were set explicitly.
	if !setFlags["log-format"] && (!envLogFormatOK || envLogFormat == "") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !setFlags["log-level"] && (!envLogLevelOK || envLogLevel == "") {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if !setFlags["media-engine"] {
		if raw, ok := lookup(envVarMediaEngine); !ok || strings.TrimSpace(raw) == "" {
			mediaEngineFlg = string(MediaEngineFallback)
			if mode == ModeProd {
				mediaEngineFlg = string(MediaEnginePion)
			}
		}
	}
	if !setFlags["media-engine-required"] && !mediaEngineRequiredSet {
		mediaEngineRequired = mode == ModeProd
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	mediaEngine, err := parseMediaEngine(mediaEngineFlg)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--listen-addr must not be empty", envVarListenAddr)
	}
	if strings.TrimSpace(region) == "" {
		return Config{}, fmt.Errorf("%s/--region must not be empty", envVarRegion)
	}
	if strings.TrimSpace(nodeID) == "" {
		return Config{}, fmt.Errorf("%s/--node-id must not be empty", envVarNodeID)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if authCacheTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-cache-ttl must be > 0", envVarAuthCacheTTL)
	}
	if joinTokenTTL < jointoken.MinTTL {
		return Config{}, fmt.Errorf("%s/--join-token-ttl must be >= %s", envVarJoinTokenTTL, jointoken.MinTTL)
	}
	if dedupTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--dedup-ttl must be > 0", envVarDedupTTL)
	}
	if dedupMaxEntries <= 0 {
		return Config{}, fmt.Errorf("%s/--dedup-max-entries must be > 0", envVarDedupMaxEntries)
	}
	if cacheSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--cache-sweep-interval must be > 0", envVarCacheSweepInterval)
	}
	switch strings.ToLower(strings.TrimSpace(seqDiscipline)) {
	case "exact", "monotonic":
		seqDiscipline = strings.ToLower(strings.TrimSpace(seqDiscipline))
	default:
		return Config{}, fmt.Errorf("invalid %s/--seq-discipline %q (expected exact or monotonic)", envVarSeqDiscipline, seqDiscipline)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if maxSignalingBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-bytes-per-second must be >= 0", envVarMaxSignalingBytesPerSecond)
	}
	if int64(maxOutboundQueueBytes) < maxSignalingMessageBytes {
		return Config{}, fmt.Errorf("%s/--max-outbound-queue-bytes must be >= %s", envVarMaxOutboundQueueBytes, envVarMaxSignalingMessageBytes)
	}
	if maxOpaqueBlobBytes <= 0 || int64(maxOpaqueBlobBytes) >= maxSignalingMessageBytes {
		return Config{}, fmt.Errorf("%s/--max-opaque-blob-bytes must be > 0 and < %s", envVarMaxOpaqueBlobBytes, envVarMaxSignalingMessageBytes)
	}
	if e2eeRequired && strings.TrimSpace(e2eeRequiredCapability) == "" {
		return Config{}, fmt.Errorf("%s/--e2ee-required-capability must not be empty when E2EE is required", envVarE2EERequiredCapability)
	}
	if rekeyAttemptTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--rekey-attempt-ttl must be > 0", envVarRekeyAttemptTTL)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if turnRESTTTL < time.Second {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be >= 1s", envVarTURNRESTTTL)
	}
	if p := strings.TrimSpace(turnRESTPrefix); p == "" || strings.Contains(p, ":") {
		return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
	}
	if err := validateStoreDSN(storeDSN); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--store-dsn: %w", envVarStoreDSN, err)
	}

	apiKeys, err := parseAPIKeys(apiKey, apiKeysStr)
	if err != nil {
		return Config{}, err
	}
	switch authMode {
	case AuthModeAPIKey:
		if len(apiKeys) == 0 {
			return Config{}, fmt.Errorf("%s or %s must be set when %s=%s", envVarAPIKey, envVarAPIKeys, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s/--jwt-secret must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	case AuthModeNone:
		if mode == ModeProd && !allowInsecureAuth {
			return Config{}, fmt.Errorf("%s=%s is not allowed in prod without %s=true", envVarAuthMode, AuthModeNone, envVarAllowInsecureAuth)
		}
	}

	secret, insecure, err := jointoken.ResolveSecret(mode == ModeProd, joinTokenSecret)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--join-token-secret: %w", envVarJoinTokenSecret, err)
	}

	var webrtcUDPPortRange *UDPPortRange
	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if webrtcUDPPortMin != 0 {
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}
	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		webrtcNAT1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips: %w", envVarWebRTCNAT1To1IPs, err)
		}
	}
	candidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, strings.TrimSpace(turnRESTSecret) != "")
	if err != nil {
		return Config{}, err
	}

	return Config{
		ConfigFile:      configFile,
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		Region:          strings.TrimSpace(region),
		NodeID:          strings.TrimSpace(nodeID),

		AuthMode:          authMode,
		APIKeys:           apiKeys,
		JWTSecret:         jwtSecret,
		JWTIssuer:         strings.TrimSpace(jwtIssuer),
		JWTAudience:       strings.TrimSpace(jwtAudience),
		AuthCacheTTL:      authCacheTTL,
		AllowInsecureAuth: allowInsecureAuth,

		JoinTokenSecret:         secret,
		JoinTokenSecretInsecure: insecure,
		JoinTokenTTL:            joinTokenTTL,

		DedupTTL:           dedupTTL,
		DedupMaxEntries:    dedupMaxEntries,
		CacheSweepInterval: cacheSweepInterval,
		SeqDiscipline:      seqDiscipline,

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		MaxOpaqueBlobBytes:            maxOpaqueBlobBytes,
		MaxSignalingBytesPerSecond:    maxSignalingBytesPerSecond,
		MaxOutboundQueueBytes:         maxOutboundQueueBytes,

		E2EERequired:           e2eeRequired,
		E2EERequiredCapability: strings.TrimSpace(e2eeRequiredCapability),
		RekeyAttemptTTL:        rekeyAttemptTTL,

		MediaEngine:         mediaEngine,
		MediaEngineRequired: mediaEngineRequired,
		ICEGatheringTimeout: iceGatherTimeout,

		StoreDSN: strings.TrimSpace(storeDSN),

		TURNRESTSharedSecret:   strings.TrimSpace(turnRESTSecret),
		TURNRESTTTL:            turnRESTTTL,
		TURNRESTUsernamePrefix: strings.TrimSpace(turnRESTPrefix),

		ICEServers:                   iceServers,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
	}, nil
}

// Warnings lists insecure-but-permitted settings for the startup log.
func (c Config) Warnings() []Warning {
	var out []Warning
	if c.JoinTokenSecretInsecure {
		out = append(out, Warning{Code: "insecure_join_token_secret", Message: "using the built-in development join token secret"})
	}
	if c.AuthMode == AuthModeNone {
		out = append(out, Warning{Code: "auth_disabled", Message: "AUTH_MODE=none trusts the access token as the user id"})
	}
	if !c.E2EERequired {
		out = append(out, Warning{Code: "e2ee_disabled", Message: "media operations are not gated on E2EE readiness"})
	}
	if c.Mode == ModeProd && c.MediaEngine == MediaEngineFallback {
		out = append(out, Warning{Code: "fallback_media_engine", Message: "fallback media engine carries no media"})
	}
	if c.Mode == ModeProd && c.StoreDSN == DefaultStoreDSN {
		out = append(out, Warning{Code: "memory_store", Message: "in-memory store loses membership and mailboxes on restart"})
	}
	if len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*" {
		out = append(out, Warning{Code: "any_origin", Message: "ALLOWED_ORIGINS=* accepts WebSocket upgrades from any origin"})
	}
	if r := c.WebRTCUDPPortRange; r != nil && int(r.Max)-int(r.Min)+1 < recommendedWebRTCUDPPortRangeSize {
		out = append(out, Warning{Code: "small_udp_port_range", Message: fmt.Sprintf("WebRTC UDP port range holds fewer than %d ports", recommendedWebRTCUDPPortRangeSize)})
	}
	return out
}

type Warning struct {
	Code    string
	Message string
}

// NewLogger builds the process logger. The returned LevelVar can be adjusted
// at runtime (see WatchLogLevel).
func NewLogger(cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel)
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), level, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func defaultNodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node-1"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseMediaEngine(raw string) (MediaEngine, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaEngineFallback):
		return MediaEngineFallback, nil
	case string(MediaEnginePion):
		return MediaEnginePion, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarMediaEngine, raw, MediaEngineFallback, MediaEnginePion)
	}
}

// parseAPIKeys merges API_KEY (bound to defaultAPIKeyUser) with the
// userId:key pairs in API_KEYS.
func parseAPIKeys(single, pairs string) ([]APIKey, error) {
	var out []APIKey
	seen := map[string]bool{}
	if k := strings.TrimSpace(single); k != "" {
		out = append(out, APIKey{UserID: defaultAPIKeyUser, Key: k})
		seen[defaultAPIKeyUser] = true
	}
	for _, entry := range strings.Split(pairs, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, key, ok := strings.Cut(entry, ":")
		user, key = strings.TrimSpace(user), strings.TrimSpace(key)
		if !ok || user == "" || key == "" {
			return nil, fmt.Errorf("invalid %s entry %q (expected userId:key)", envVarAPIKeys, entry)
		}
		if seen[user] {
			return nil, fmt.Errorf("invalid %s: duplicate user %q", envVarAPIKeys, user)
		}
		seen[user] = true
		out = append(out, APIKey{UserID: user, Key: key})
	}
	return out, nil
}

func validateStoreDSN(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "memory":
		return nil
	case strings.HasPrefix(dsn, "sqlite:") && strings.TrimPrefix(dsn, "sqlite:") != "":
		return nil
	default:
		return fmt.Errorf("%q (expected memory or sqlite:<path>)", dsn)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
