package core

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Must be initialized with a call to SetupLogger
var ilogger *zap.SugaredLogger

// https://pkg.go.dev/go.uber.org/zap
// Builds the logger from the passed configuration, or from a default one
// if the argument is empty
func SetupLogger(jConfig string) {

	defaultLogConfig := `{
		"level": "debug",
		"development": true,
		"encoding": "console",
		"outputPaths": ["stdout"],
		"errorOutputPaths": ["stderr"],
		"disableCaller": false,
		"disableStackTrace": false,
		"encoderConfig": {
			"messageKey": "message",
			"levelKey": "level",
			"levelEncoder": "lowercase",
			"callerKey": "caller",
			"callerEncoder": "",
			"timeKey": "ts",
			"timeEncoder": "ISO8601"
			}
		}`

	if jConfig == "" {
		jConfig = defaultLogConfig
	}

	var cfg zap.Config
	if err := json.Unmarshal([]byte(jConfig), &cfg); err != nil {
		panic(err)
	}

	logger, logError := cfg.Build()
	if logError != nil {
		panic(logError)
	}

	ilogger = logger.Sugar()
}

// Used globally to get access to the logger
func GetLogger() *zap.SugaredLogger {
	return ilogger
}
