// Package logging configures logrus for the services and carries a
// request- or message-scoped entry through context.
package logging

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// Init configures the standard logrus logger.  Development uses the text
// formatter; every other environment logs JSON lines.
func Init(env, level, service string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)
	if env == "dev" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	base = logrus.WithField("service", service)
}

var base = logrus.NewEntry(logrus.StandardLogger())

// FromContext returns the entry stored in ctx, or the service-wide entry.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok && e != nil {
			return e
		}
	}
	return base
}

// ToContext stores entry in ctx for later FromContext calls.
func ToContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, entry)
}

// With is a shorthand for adding fields to the entry already in ctx.
func With(ctx context.Context, fields logrus.Fields) context.Context {
	return ToContext(ctx, FromContext(ctx).WithFields(fields))
}
