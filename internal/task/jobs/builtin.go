package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticklane/internal/config"
	"ticklane/internal/task/scheduler"
	logx "ticklane/pkg/logx"
)

type sleepArgs struct {
	Duration string `json:"duration"`
}

// newSleep logs begin, sleeps for args.duration (1s by default) and logs end.
// Cancellation cuts the sleep short and is returned as the run error.
func newSleep(raw json.RawMessage, log logx.Logger) (scheduler.Work, error) {
	var a sleepArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	d, err := config.ParseDurationOrDefault("duration", a.Duration, time.Second)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		log.Info("begin", logx.Duration("sleep", d))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			log.Warn("interrupted", logx.Err(ctx.Err()))
			return ctx.Err()
		case <-t.C:
		}
		log.Info("end")
		return nil
	}, nil
}

type logArgs struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

func newLog(raw json.RawMessage, log logx.Logger) (scheduler.Work, error) {
	a := logArgs{Message: "tick", Level: "info"}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	var emit func(string, ...logx.Field)
	switch a.Level {
	case "debug":
		emit = log.Debug
	case "info", "":
		emit = log.Info
	case "warn", "warning":
		emit = log.Warn
	case "error":
		emit = log.Error
	default:
		return nil, fmt.Errorf("level: unsupported %q", a.Level)
	}
	return func(context.Context) error {
		emit(a.Message)
		return nil
	}, nil
}

type failArgs struct {
	Message string `json:"message"`
	Panic   bool   `json:"panic"`
}

// newFail returns a body that always fails, by error or by panic.
func newFail(raw json.RawMessage, _ logx.Logger) (scheduler.Work, error) {
	a := failArgs{Message: "job failed"}
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return func(context.Context) error {
		if a.Panic {
			panic(a.Message)
		}
		return errors.New(a.Message)
	}, nil
}
