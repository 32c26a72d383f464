package common

import (
	"io"

	"github.com/oasisprotocol/govkeeper/log"
)

// CloseOrLog closes c and logs, rather than returns, any error.
func CloseOrLog(c io.Closer, logger *log.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "err", err)
	}
}
