// internal/utils/logger.go
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"growdash-agent/internal/config"
)

// LoggerManager manages application logging
type LoggerManager struct {
	config *config.LoggingConfig
}

// NewLogger creates a new logger instance based on configuration
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	manager := &LoggerManager{config: cfg}

	logger, err := manager.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger, nil
}

// createLogger creates the zap logger with proper configuration
func (lm *LoggerManager) createLogger() (*zap.Logger, error) {
	encoderConfig := lm.getEncoderConfig()

	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer, err := lm.getWriteSyncer()
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	level, err := zapcore.ParseLevel(lm.config.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// getEncoderConfig returns encoder configuration based on format
func (lm *LoggerManager) getEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()

	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	config.LevelKey = "level"
	config.EncodeLevel = zapcore.LowercaseLevelEncoder
	config.CallerKey = "caller"
	config.EncodeCaller = zapcore.ShortCallerEncoder
	config.MessageKey = "message"
	config.StacktraceKey = "stacktrace"

	if lm.config.Format == "console" {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	}

	return config
}

// getWriteSyncer returns write syncer based on output configuration
func (lm *LoggerManager) getWriteSyncer() (zapcore.WriteSyncer, error) {
	switch lm.config.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	logDir := filepath.Dir(lm.config.Output)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   lm.config.Output,
		MaxSize:    lm.config.MaxSize, // MB
		MaxBackups: lm.config.MaxBackups,
		MaxAge:     lm.config.MaxAge, // days
		Compress:   lm.config.Compress,
	}), nil
}

// DeviceLogger wraps zap.Logger with per-board fields
type DeviceLogger struct {
	*zap.Logger
	deviceID string
}

// NewDeviceLogger creates a device-specific logger
func NewDeviceLogger(baseLogger *zap.Logger, deviceID, boardType, port string) *DeviceLogger {
	return &DeviceLogger{
		Logger: baseLogger.With(
			zap.String("device_id", deviceID),
			zap.String("board_type", boardType),
			zap.String("port", port),
			zap.String("component", "device"),
		),
		deviceID: deviceID,
	}
}

// DeviceID returns the identity the logger is bound to
func (dl *DeviceLogger) DeviceID() string {
	return dl.deviceID
}

// LogExchange logs one request/response interaction on the serial line
func (dl *DeviceLogger) LogExchange(command, response string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("command", command),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Debug("Serial exchange unresolved", fields...)
		return
	}

	fields = append(fields, zap.String("response", response))
	dl.Debug("Serial exchange completed", fields...)
}

// LogConnection logs channel open/close events
func (dl *DeviceLogger) LogConnection(action string, success bool, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.Bool("success", success),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Warn("Device connection event", fields...)
	} else {
		dl.Info("Device connection event", fields...)
	}
}

// LogAnomaly logs a condition that should never happen during normal operation
func (dl *DeviceLogger) LogAnomaly(reason string, fields ...zap.Field) {
	dl.Error("Device anomaly", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// OperationLogger provides structured logging for operations
type OperationLogger struct {
	logger    *zap.Logger
	startTime time.Time
}

// NewOperationLogger creates an operation-specific logger
func NewOperationLogger(baseLogger *zap.Logger, operationType, operationID string) *OperationLogger {
	return &OperationLogger{
		logger: baseLogger.With(
			zap.String("operation_type", operationType),
			zap.String("operation_id", operationID),
			zap.String("component", "operation"),
		),
		startTime: time.Now(),
	}
}

// Start logs operation start
func (ol *OperationLogger) Start(fields ...zap.Field) {
	ol.logger.Debug("Operation started", fields...)
}

// Success logs successful operation completion
func (ol *OperationLogger) Success(fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Duration("duration", time.Since(ol.startTime)),
		zap.Bool("success", true),
	}, fields...)

	ol.logger.Info("Operation completed successfully", allFields...)
}

// Error logs operation failure
func (ol *OperationLogger) Error(err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Duration("duration", time.Since(ol.startTime)),
		zap.Bool("success", false),
		zap.Error(err),
	}, fields...)

	ol.logger.Error("Operation failed", allFields...)
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	return &ServiceLogger{
		Logger: baseLogger.With(
			zap.String("service", serviceName),
			zap.String("component", "service"),
		),
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping", zap.String("reason", reason))
}

// LogAPIRequest logs local API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, requestID, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.DebugLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// CloseLogger flushes buffered entries. Terminals reject fsync, which is ignored.
func CloseLogger(logger *zap.Logger) error {
	err := logger.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}
