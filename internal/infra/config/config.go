// Пакет config отвечает за сбор и предоставление конфигурации бота.
// Он:
//  1. читает переменные окружения из .env (через godotenv) и окружения процесса,
//  2. нормализует и валидирует значения, подставляя дефолты с предупреждением,
//  3. фиксирует результат в singleton, доступный через Env().
//
// Бизнес-контекст: бот сам подключается к Telegram как MTProto-бот (API_ID, API_HASH,
// BOT_TOKEN), хранит делегированные владельцами сессии в CredentialStore и
// периодически проигрывает их планировщиком (часы в профиле, online 24/7).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-presence-bot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// Поддерживаемые драйверы CredentialStore.
const (
	StoreDriverBolt     = "bolt"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// EnvConfig описывает «операционные» настройки запуска. Значения уже прошли
// нормализацию в loadConfig; в рантайме предполагается, что они согласованы.
type EnvConfig struct {
	APIID          int
	APIHash        string
	BotToken       string
	BotSessionFile string
	// BotStateFile — bbolt бота: пиры (access hash владельцев) и состояние апдейтов.
	BotStateFile   string
	DedupWindow    time.Duration
	TestDC         bool
	ThrottleRPS    int
	AdminUID       int64
	LogLevel       string
	AppTimezone    string
	// Хранилище сессий владельцев
	StoreDriver   string
	StoreFile     string
	PostgresDSN   string
	CredentialKey []byte
	// Планировщик
	ClockPeriod          time.Duration
	OnlinePeriod         time.Duration
	SchedulerConcurrency int
	ReplayTimeout        time.Duration
	ConnectRPS           int
	// Сценарий получения сессии
	AttemptTTL time.Duration
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Админские поверхности
	CLIEnable        bool
	WebServerEnable  bool
	WebServerAddress string
}

// Config хранит конфигурацию среды и предупреждения, накопленные при загрузке.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию.
const (
	defaultThrottleRPS          = 5
	defaultAdminUID             = 0
	defaultLogLevel             = "info"
	defaultAppTimezone          = "Asia/Tashkent"
	defaultBotSessionFile       = "data/bot_session.json"
	defaultBotStateFile         = "data/bot_state.bbolt"
	defaultDedupWindowSec       = 60
	defaultStoreDriver          = StoreDriverBolt
	defaultStoreFile            = "data/sessions.bbolt"
	defaultClockPeriodSec       = 60
	defaultOnlinePeriodSec      = 300
	defaultSchedulerConcurrency = 8
	defaultReplayTimeoutSec     = 30
	defaultConnectRPS           = 5
	defaultAttemptTTLMin        = 15
	// LOG_FILE без дефолта: файловое логирование включается только явно.
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	defaultCLIEnable         = false
	defaultWebServerEnable   = false
	defaultWebServerAddress  = "127.0.0.1:8080"
)

// credentialKeyLen — длина ключа secretbox в байтах (64 hex-символа).
const credentialKeyLen = 32

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — таймзона приложения; по ней рисуются часы в профиле.
var AppLocation = time.Local

// Load инициализирует глобальную конфигурацию. Повторный вызов запрещён.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет загрузку/валидацию без установки глобального состояния
// (кроме AppLocation). Удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if strings.TrimSpace(envPath) != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
			appendWarningf(&warnings, "env file %q not found; using process environment", envPath)
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}
	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	storeDriver := sanitizeStoreDriver(os.Getenv("STORE_DRIVER"), &warnings)
	postgresDSN := strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	if storeDriver == StoreDriverPostgres && postgresDSN == "" {
		return nil, errors.New("env POSTGRES_DSN must be set when STORE_DRIVER=postgres")
	}
	credentialKey, err := parseCredentialKey(os.Getenv("CREDENTIAL_KEY"), &warnings)
	if err != nil {
		return nil, err
	}

	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	AppLocation, err = timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}

	env := EnvConfig{
		APIID:                apiID,
		APIHash:              apiHash,
		BotToken:             botToken,
		BotSessionFile:       sanitizeFile("BOT_SESSION_FILE", os.Getenv("BOT_SESSION_FILE"), defaultBotSessionFile, &warnings),
		BotStateFile:         sanitizeFile("BOT_STATE_FILE", os.Getenv("BOT_STATE_FILE"), defaultBotStateFile, &warnings),
		DedupWindow:          seconds(parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, greaterThanZero, &warnings)),
		TestDC:               strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
		ThrottleRPS:          parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		AdminUID:             int64(parseIntDefault("ADMIN_UID", defaultAdminUID, nonNegative, &warnings)),
		LogLevel:             sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		AppTimezone:          appTimezone,
		StoreDriver:          storeDriver,
		StoreFile:            sanitizeFile("STORE_FILE", os.Getenv("STORE_FILE"), defaultStoreFile, &warnings),
		PostgresDSN:          postgresDSN,
		CredentialKey:        credentialKey,
		ClockPeriod:          seconds(parseIntDefault("CLOCK_PERIOD_SEC", defaultClockPeriodSec, greaterThanZero, &warnings)),
		OnlinePeriod:         seconds(parseIntDefault("ONLINE_PERIOD_SEC", defaultOnlinePeriodSec, greaterThanZero, &warnings)),
		SchedulerConcurrency: parseIntDefault("SCHEDULER_CONCURRENCY", defaultSchedulerConcurrency, greaterThanZero, &warnings),
		ReplayTimeout:        seconds(parseIntDefault("REPLAY_TIMEOUT_SEC", defaultReplayTimeoutSec, greaterThanZero, &warnings)),
		ConnectRPS:           parseIntDefault("CONNECT_RPS", defaultConnectRPS, greaterThanZero, &warnings),
		AttemptTTL:           time.Duration(parseIntDefault("ATTEMPT_TTL_MIN", defaultAttemptTTLMin, greaterThanZero, &warnings)) * time.Minute,
		LogFile:              strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:         sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:       parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups:    parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:        parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:      parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
		CLIEnable:            parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings),
		WebServerEnable:      parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings),
		WebServerAddress:     sanitizeFile("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"), defaultWebServerAddress, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, накопленных при загрузке.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает неизменяемый снимок EnvConfig.
func Env() EnvConfig {
	return cfgInstance.Env
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// parseRequiredInt читает обязательную целочисленную переменную окружения.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int; пустое/битое/невалидное значение заменяется defaultVal с предупреждением.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool; пусто/некорректно — defaultVal с предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel ограничивает значения набором {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeStoreDriver выбирает драйвер хранилища (bolt|postgres|memory).
func sanitizeStoreDriver(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		appendWarningf(warnings, "env STORE_DRIVER is not set; using default %q", defaultStoreDriver)
		return defaultStoreDriver
	case StoreDriverBolt, StoreDriverPostgres, StoreDriverMemory:
		return v
	default:
		appendWarningf(warnings, "env STORE_DRIVER value %q is invalid; using default %q", value, defaultStoreDriver)
		return defaultStoreDriver
	}
}

// parseCredentialKey декодирует 64 hex-символа в ключ secretbox. Пустое значение
// допустимо (секреты хранятся открыто), но попадает в предупреждения.
func parseCredentialKey(value string, warnings *[]string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env CREDENTIAL_KEY is not set; credentials are stored unsealed")
		return nil, nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("env CREDENTIAL_KEY must be hex: %w", err)
	}
	if len(key) != credentialKeyLen {
		return nil, fmt.Errorf("env CREDENTIAL_KEY must be %d bytes, got %d", credentialKeyLen, len(key))
	}
	return key, nil
}

// sanitizeFile возвращает значение или fallback с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — IANA‑зона или UTC‑смещение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
