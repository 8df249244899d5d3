package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/versecraft/internal/log"
)

type logger struct {
	*logrus.Entry
}

// NewLogrus returns a log.Logger backed by a logrus entry.
func NewLogrus(entry *logrus.Entry) log.Logger {
	return logger{Entry: entry}
}

func (l logger) WithValues(kv log.Kv) log.Logger {
	return NewLogrus(l.Entry.WithFields(logrus.Fields(kv)))
}
