package logger

import (
    "os"
    "time"

    "github.com/natefinch/lumberjack"
    logrus "github.com/sirupsen/logrus"
)

// Setup initializes Logrus via a rotating file.
func Setup() {
    // 1) Lumberjack for file rotation
    rotator := &lumberjack.Logger{
        Filename:   "./logs/tripwatch.log",
        MaxSize:    10,  // megabytes
        MaxBackups: 7,   // keep up to 7 old files
        MaxAge:     7,   // days
        Compress:   true,
    }

    // 2) Configure Logrus to write to that file
    logrus.SetOutput(rotator)
    logrus.SetFormatter(&logrus.TextFormatter{
        FullTimestamp:   true,
        TimestampFormat: time.RFC3339,
    })
    logrus.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
}

func parseLevel(s string) logrus.Level {
    if s == "" {
        return logrus.InfoLevel
    }
    level, err := logrus.ParseLevel(s)
    if err != nil {
        return logrus.InfoLevel
    }
    return level
}

// Component returns a logger entry tagged with a pipeline component name.
func Component(name string) *logrus.Entry {
    return logrus.WithField("component", name)
}
