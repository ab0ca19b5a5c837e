package eod

import (
	"time"

	"llm-perp-agent/internal/interfaces"
)

// NewSummarizer reads trades from ledgerPath and writes CSVs under outDir.
func NewSummarizer(ledgerPath, outDir string) interfaces.EodSummarizer {
	return &eodSummarizer{ledgerPath: ledgerPath, outDir: outDir, now: time.Now}
}
