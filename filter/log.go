package filter

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Log writes every buffer at debug level and passes it through unchanged.
type Log struct {
	Logger *logrus.Entry
}

func (l Log) Output(_ context.Context, data []byte) ([]byte, error) {
	l.Logger.WithField("bytes", len(data)).Debugf("out %q", data)
	return data, nil
}

func (l Log) Input(_ context.Context, data []byte) ([]byte, error) {
	l.Logger.WithField("bytes", len(data)).Debugf("in %q", data)
	return data, nil
}
