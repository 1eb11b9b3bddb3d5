package config

import (
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/spf13/viper"
)

type Config struct {
    Server struct {
        Port        string
        GRPCPort    string
        LogLevel    string
        MaxSessions int
    }
    Exchange struct {
        BaseURL        string
        TranscribePath string
        ChatPath       string
        ConfirmPath    string
        HealthPath     string
        TimeoutMs      int
        APIToken       string
    }
    STT struct {
        Provider     string // "backend" | "openai"
        OpenAIAPIKey string
        Model        string
        Language     string
    }
    VAD struct {
        Threshold float64
        SilenceMs int
        FrameMs   int
    }
    Turn struct {
        ResumeDelayMs   int
        MinPayloadBytes int
    }
    Capture struct {
        SampleRate int
        Window     int
    }
    Client struct {
        TokenSecret    string
        TokenSkewSecs  int
        TokenTTLMin    int
        MaxControlRate int
    }
}

// Timeout is the per-call deadline for remote exchange operations.
func (c Config) Timeout() time.Duration {
    return time.Duration(c.Exchange.TimeoutMs) * time.Millisecond
}

func (c Config) Debug() bool { return strings.EqualFold(c.Server.LogLevel, "debug") }

func Load() Config {
    v := viper.New()
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()

    // Defaults
    v.SetDefault("server.port", 8080)
    v.SetDefault("server.grpc_port", 9090)
    v.SetDefault("server.log_level", "info")
    v.SetDefault("server.max_sessions", 64)

    v.SetDefault("exchange.base_url", "http://localhost:8000")
    v.SetDefault("exchange.transcribe_path", "/voice/transcribe")
    v.SetDefault("exchange.chat_path", "/chat")
    v.SetDefault("exchange.confirm_path", "/actions/%s/confirm")
    v.SetDefault("exchange.health_path", "/health")
    v.SetDefault("exchange.timeout_ms", 20000)

    v.SetDefault("stt.provider", "backend")
    v.SetDefault("stt.model", "whisper-1")

    v.SetDefault("vad.threshold", 0.015)
    v.SetDefault("vad.silence_ms", 1000)
    v.SetDefault("vad.frame_ms", 16)

    v.SetDefault("turn.resume_delay_ms", 300)
    v.SetDefault("turn.min_payload_bytes", 1000)

    v.SetDefault("capture.sample_rate", 16000)
    v.SetDefault("capture.window", 2048)

    v.SetDefault("client.token_skew_secs", 60)
    v.SetDefault("client.token_ttl_min", 60)
    v.SetDefault("client.max_control_rate", 20)

    // Map envs
    v.BindEnv("server.port", "PORT")
    v.BindEnv("server.grpc_port", "GRPC_PORT")
    v.BindEnv("server.log_level", "LOG_LEVEL")
    v.BindEnv("server.max_sessions", "MAX_SESSIONS")

    v.BindEnv("exchange.base_url", "EXCHANGE_BASE_URL")
    v.BindEnv("exchange.transcribe_path", "EXCHANGE_TRANSCRIBE_PATH")
    v.BindEnv("exchange.chat_path", "EXCHANGE_CHAT_PATH")
    v.BindEnv("exchange.confirm_path", "EXCHANGE_CONFIRM_PATH")
    v.BindEnv("exchange.health_path", "EXCHANGE_HEALTH_PATH")
    v.BindEnv("exchange.timeout_ms", "EXCHANGE_TIMEOUT_MS")
    v.BindEnv("exchange.api_token", "EXCHANGE_API_TOKEN")

    v.BindEnv("stt.provider", "STT_PROVIDER")
    v.BindEnv("stt.openai_api_key", "OPENAI_API_KEY")
    v.BindEnv("stt.model", "STT_MODEL")
    v.BindEnv("stt.language", "STT_LANGUAGE")

    v.BindEnv("vad.threshold", "VAD_THRESHOLD")
    v.BindEnv("vad.silence_ms", "VAD_SILENCE_MS")
    v.BindEnv("vad.frame_ms", "VAD_FRAME_MS")

    v.BindEnv("turn.resume_delay_ms", "TURN_RESUME_DELAY_MS")
    v.BindEnv("turn.min_payload_bytes", "TURN_MIN_PAYLOAD_BYTES")

    v.BindEnv("capture.sample_rate", "CAPTURE_SAMPLE_RATE")
    v.BindEnv("capture.window", "CAPTURE_WINDOW")

    v.BindEnv("client.token_secret", "CLIENT_TOKEN_SECRET")
    v.BindEnv("client.token_skew_secs", "CLIENT_TOKEN_SKEW_SECS")
    v.BindEnv("client.token_ttl_min", "CLIENT_TOKEN_TTL_MIN")
    v.BindEnv("client.max_control_rate", "CLIENT_MAX_CONTROL_RATE")

    var c Config
    c.Server.Port = toString(v.Get("server.port"))
    c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
    c.Server.LogLevel = v.GetString("server.log_level")
    c.Server.MaxSessions = v.GetInt("server.max_sessions")

    c.Exchange.BaseURL = strings.TrimRight(v.GetString("exchange.base_url"), "/")
    c.Exchange.TranscribePath = v.GetString("exchange.transcribe_path")
    c.Exchange.ChatPath = v.GetString("exchange.chat_path")
    c.Exchange.ConfirmPath = v.GetString("exchange.confirm_path")
    c.Exchange.HealthPath = v.GetString("exchange.health_path")
    c.Exchange.TimeoutMs = v.GetInt("exchange.timeout_ms")
    c.Exchange.APIToken = v.GetString("exchange.api_token")

    c.STT.Provider = strings.ToLower(v.GetString("stt.provider"))
    c.STT.OpenAIAPIKey = v.GetString("stt.openai_api_key")
    c.STT.Model = v.GetString("stt.model")
    c.STT.Language = v.GetString("stt.language")

    c.VAD.Threshold = v.GetFloat64("vad.threshold")
    c.VAD.SilenceMs = v.GetInt("vad.silence_ms")
    c.VAD.FrameMs = v.GetInt("vad.frame_ms")

    c.Turn.ResumeDelayMs = v.GetInt("turn.resume_delay_ms")
    c.Turn.MinPayloadBytes = v.GetInt("turn.min_payload_bytes")

    c.Capture.SampleRate = v.GetInt("capture.sample_rate")
    c.Capture.Window = v.GetInt("capture.window")

    c.Client.TokenSecret = v.GetString("client.token_secret")
    c.Client.TokenSkewSecs = v.GetInt("client.token_skew_secs")
    c.Client.TokenTTLMin = v.GetInt("client.token_ttl_min")
    c.Client.MaxControlRate = v.GetInt("client.max_control_rate")

    log.Printf("config loaded: port=%s exchange=%s stt=%s", c.Server.Port, c.Exchange.BaseURL, c.STT.Provider)
    return c
}

func toString(v any) string { return fmt.Sprint(v) }
