package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var globalLogger *zap.Logger

// New builds a JSON logger writing one entry per line to output.
func New(output io.Writer) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.MessageKey = "action"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(output),
		zap.InfoLevel,
	)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
}

func Init() {
	globalLogger = New(os.Stdout)
}

// SetOutput redirects the global logger, mostly for tests that assert on log lines.
func SetOutput(output io.Writer) {
	globalLogger = New(output)
}

func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func log(level LogLevel, action string, userID *string, details map[string]interface{}, err error) {
	if globalLogger == nil {
		return
	}

	fields := make([]zap.Field, 0, 3)
	if userID != nil {
		fields = append(fields, zap.String("user_id", *userID))
	}
	if len(details) > 0 {
		fields = append(fields, zap.Any("details", details))
	}
	if err != nil {
		fields = append(fields, zap.String("error", err.Error()))
	}

	switch level {
	case LevelError:
		globalLogger.Error(action, fields...)
	case LevelWarn:
		globalLogger.Warn(action, fields...)
	default:
		globalLogger.Info(action, fields...)
	}
}

func Info(action string, details map[string]interface{}) {
	log(LevelInfo, action, nil, details, nil)
}

func InfoWithUser(userID string, action string, details map[string]interface{}) {
	log(LevelInfo, action, &userID, details, nil)
}

func Warn(action string, details map[string]interface{}) {
	log(LevelWarn, action, nil, details, nil)
}

func WarnWithUser(userID string, action string, details map[string]interface{}) {
	log(LevelWarn, action, &userID, details, nil)
}

func Error(action string, err error, details map[string]interface{}) {
	log(LevelError, action, nil, details, err)
}

func ErrorWithUser(userID string, action string, err error, details map[string]interface{}) {
	log(LevelError, action, &userID, details, err)
}

func GetUserIDFromContext(c *fiber.Ctx) *string {
	if userID := c.Locals("userID"); userID != nil {
		if id, ok := userID.(string); ok {
			return &id
		}
	}
	return nil
}

var sensitiveFields = []string{"code", "token", "tempToken", "deviceToken", "secret", "totpCode"}

// maskedFields identify a person and are logged only in masked form.
var maskedFields = []string{"email", "phone"}

func redactSensitiveFields(jsonMap map[string]interface{}) {
	for _, field := range sensitiveFields {
		if _, exists := jsonMap[field]; exists {
			jsonMap[field] = "[REDACTED]"
		}
	}
	for _, field := range maskedFields {
		if value, exists := jsonMap[field]; exists {
			if str, ok := value.(string); ok {
				jsonMap[field] = MaskDestination(str)
			} else {
				jsonMap[field] = "[REDACTED]"
			}
		}
	}
}

func GetRequestBodySummary(c *fiber.Ctx) string {
	body := c.Body()
	if len(body) == 0 {
		return "empty"
	}

	if len(body) > 1024 {
		return fmt.Sprintf("large (%d bytes)", len(body))
	}

	var jsonMap map[string]interface{}
	if err := json.Unmarshal(body, &jsonMap); err == nil {
		redactSensitiveFields(jsonMap)
		if jsonBytes, err := json.Marshal(jsonMap); err == nil {
			if len(jsonBytes) > 200 {
				return string(jsonBytes[:200]) + "..."
			}
			return string(jsonBytes)
		}
	}

	return fmt.Sprintf("binary (%d bytes)", len(body))
}

func GetResponseSizeSummary(c *fiber.Ctx) string {
	response := c.Response()
	if response == nil {
		return "unknown"
	}

	body := response.Body()
	if len(body) == 0 {
		return "empty"
	}

	if len(body) > 1024 {
		return fmt.Sprintf("large (%d bytes)", len(body))
	}

	return fmt.Sprintf("small (%d bytes)", len(body))
}

func GenerateRequestID() string {
	return uuid.New().String()
}

// MaskDestination keeps enough of an email or phone number to recognise it in logs.
func MaskDestination(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
